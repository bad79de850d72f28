package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// UserCredit represents the user_credits table.
type UserCredit struct {
	UserID         string    `gorm:"primaryKey"`
	Credits        int64     `gorm:"not null;default:0"`
	TotalSpent     int64     `gorm:"not null;default:0"`
	TotalPurchased int64     `gorm:"not null;default:0"`
	UpdatedAt      time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (UserCredit) TableName() string { return "user_credits" }

// CreditTransaction mirrors the credit_transactions table.
type CreditTransaction struct {
	ID          string         `gorm:"type:uuid;primaryKey"`
	UserID      string         `gorm:"not null;index:idx_credit_transactions_user_created,priority:1"`
	Type        string         `gorm:"not null"`
	Amount      int64          `gorm:"not null"`
	Description string         `gorm:"not null;default:''"`
	Metadata    datatypes.JSON `gorm:"not null"`
	CreatedAt   time.Time      `gorm:"not null;index:idx_credit_transactions_user_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.ID == "" {
		transaction.ID = uuid.NewString()
	}
	return nil
}

// OutfitJob mirrors the outfit_jobs table.
type OutfitJob struct {
	ID          string         `gorm:"type:uuid;primaryKey"`
	UserID      string         `gorm:"not null;index"`
	ModelIDs    datatypes.JSON `gorm:"not null"`
	ModelURLs   datatypes.JSON `gorm:"not null"`
	GarmentIDs  datatypes.JSON `gorm:"not null"`
	GarmentURLs datatypes.JSON `gorm:"not null"`
	StyleJSON   datatypes.JSON `gorm:"column:style_json"`
	Status      string         `gorm:"not null"`
	CostCents   int64          `gorm:"not null"`
	CreatedAt   time.Time      `gorm:"not null"`
}

func (OutfitJob) TableName() string { return "outfit_jobs" }

func (job *OutfitJob) BeforeCreate(tx *gorm.DB) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	return nil
}

// Output mirrors the outputs table.
type Output struct {
	ID            string         `gorm:"type:uuid;primaryKey"`
	JobID         string         `gorm:"type:uuid;not null;index:idx_outputs_job_created,priority:1"`
	ImageURL      string         `gorm:"not null"`
	Meta          datatypes.JSON `gorm:"not null"`
	Status        string         `gorm:"not null;default:normal"`
	DisputeReason string         `gorm:"not null;default:''"`
	DisputedAt    *time.Time
	CreatedAt     time.Time `gorm:"not null;index:idx_outputs_job_created,priority:2"`
}

func (Output) TableName() string { return "outputs" }

func (output *Output) BeforeCreate(tx *gorm.DB) error {
	if output.ID == "" {
		output.ID = uuid.NewString()
	}
	return nil
}

// Models lists every table the store needs, for AutoMigrate.
func Models() []any {
	return []any{&UserCredit{}, &CreditTransaction{}, &OutfitJob{}, &Output{}}
}
