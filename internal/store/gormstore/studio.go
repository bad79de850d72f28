package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/tryon/internal/studio"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func (store *Store) CreateJob(ctx context.Context, job studio.Job) error {
	row, err := newOutfitJobRow(job)
	if err != nil {
		return wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return wrapStoreError(errorSubjectJob, errorCodeDuplicate, err)
		}
		return wrapStoreError(errorSubjectJob, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) UpdateJobStatus(ctx context.Context, jobID string, from studio.JobStatus, to studio.JobStatus) error {
	result := store.db.WithContext(ctx).
		Model(&OutfitJob{}).
		Where("id = ? AND status = ?", jobID, string(from)).
		Update("status", string(to))
	if result.Error != nil {
		return wrapStoreError(errorSubjectJob, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectJob, errorCodeUpdateStatus, studio.ErrStatusConflict)
	}
	return nil
}

func (store *Store) GetJob(ctx context.Context, jobID string) (studio.Job, error) {
	var row OutfitJob
	err := store.db.WithContext(ctx).Where("id = ?", jobID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return studio.Job{}, wrapStoreError(errorSubjectJob, errorCodeGet, studio.ErrNotFound)
	}
	if err != nil {
		return studio.Job{}, wrapStoreError(errorSubjectJob, errorCodeGet, err)
	}
	job, err := mapOutfitJob(row)
	if err != nil {
		return studio.Job{}, wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	return job, nil
}

func (store *Store) CreateOutput(ctx context.Context, output studio.Output) error {
	meta, err := json.Marshal(output.Meta)
	if err != nil {
		return wrapStoreError(errorSubjectOutput, errorCodeInvalid, err)
	}
	row := Output{
		ID:            output.ID,
		JobID:         output.JobID,
		ImageURL:      output.ImageURL,
		Meta:          datatypes.JSON(meta),
		Status:        string(output.Status),
		DisputeReason: output.DisputeReason,
		DisputedAt:    output.DisputedAt,
		CreatedAt:     output.CreatedAt.UTC(),
	}
	if row.Status == "" {
		row.Status = string(studio.OutputStatusNormal)
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return wrapStoreError(errorSubjectOutput, errorCodeDuplicate, err)
		}
		return wrapStoreError(errorSubjectOutput, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetOutput(ctx context.Context, outputID string) (studio.Output, error) {
	var row Output
	err := store.db.WithContext(ctx).Where("id = ?", outputID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return studio.Output{}, wrapStoreError(errorSubjectOutput, errorCodeGet, studio.ErrNotFound)
	}
	if err != nil {
		return studio.Output{}, wrapStoreError(errorSubjectOutput, errorCodeGet, err)
	}
	output, err := mapOutput(row)
	if err != nil {
		return studio.Output{}, wrapStoreError(errorSubjectOutput, errorCodeInvalid, err)
	}
	return output, nil
}

func (store *Store) ListOutputs(ctx context.Context, jobID string) ([]studio.Output, error) {
	var rows []Output
	err := store.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectOutput, errorCodeList, err)
	}
	outputs := make([]studio.Output, 0, len(rows))
	for _, row := range rows {
		output, err := mapOutput(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectOutput, errorCodeInvalid, err)
		}
		outputs = append(outputs, output)
	}
	return outputs, nil
}

func (store *Store) MarkOutputDisputed(ctx context.Context, outputID string, reason string, at time.Time) error {
	disputedAt := at.UTC()
	result := store.db.WithContext(ctx).
		Model(&Output{}).
		Where("id = ? AND status = ?", outputID, string(studio.OutputStatusNormal)).
		Updates(map[string]any{
			"status":         string(studio.OutputStatusDisputed),
			"dispute_reason": reason,
			"disputed_at":    &disputedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectOutput, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectOutput, errorCodeUpdateStatus, studio.ErrStatusConflict)
	}
	return nil
}

func (store *Store) UpdateOutputStatus(ctx context.Context, outputID string, from studio.OutputStatus, to studio.OutputStatus) error {
	result := store.db.WithContext(ctx).
		Model(&Output{}).
		Where("id = ? AND status = ?", outputID, string(from)).
		Update("status", string(to))
	if result.Error != nil {
		return wrapStoreError(errorSubjectOutput, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectOutput, errorCodeUpdateStatus, studio.ErrStatusConflict)
	}
	return nil
}

func newOutfitJobRow(job studio.Job) (OutfitJob, error) {
	modelIDs, err := jsonStrings(job.ModelIDs)
	if err != nil {
		return OutfitJob{}, err
	}
	modelURLs, err := jsonStrings(job.ModelURLs)
	if err != nil {
		return OutfitJob{}, err
	}
	garmentIDs, err := jsonStrings(job.GarmentIDs)
	if err != nil {
		return OutfitJob{}, err
	}
	garmentURLs, err := jsonStrings(job.GarmentURLs)
	if err != nil {
		return OutfitJob{}, err
	}
	var style datatypes.JSON
	if job.StyleJSON != "" {
		style = datatypes.JSON([]byte(job.StyleJSON))
	}
	createdAt := job.CreatedAt.UTC()
	if job.CreatedAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return OutfitJob{
		ID:          job.ID,
		UserID:      job.UserID,
		ModelIDs:    modelIDs,
		ModelURLs:   modelURLs,
		GarmentIDs:  garmentIDs,
		GarmentURLs: garmentURLs,
		StyleJSON:   style,
		Status:      string(job.Status),
		CostCents:   job.CostCents,
		CreatedAt:   createdAt,
	}, nil
}

func mapOutfitJob(row OutfitJob) (studio.Job, error) {
	job := studio.Job{
		ID:        row.ID,
		UserID:    row.UserID,
		StyleJSON: string(row.StyleJSON),
		Status:    studio.JobStatus(row.Status),
		CostCents: row.CostCents,
		CreatedAt: row.CreatedAt.UTC(),
	}
	targets := []struct {
		raw    datatypes.JSON
		target *[]string
	}{
		{raw: row.ModelIDs, target: &job.ModelIDs},
		{raw: row.ModelURLs, target: &job.ModelURLs},
		{raw: row.GarmentIDs, target: &job.GarmentIDs},
		{raw: row.GarmentURLs, target: &job.GarmentURLs},
	}
	for _, entry := range targets {
		if len(entry.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(entry.raw, entry.target); err != nil {
			return studio.Job{}, err
		}
	}
	return job, nil
}

func mapOutput(row Output) (studio.Output, error) {
	var meta studio.OutputMeta
	if len(row.Meta) > 0 {
		if err := json.Unmarshal(row.Meta, &meta); err != nil {
			return studio.Output{}, err
		}
	}
	var disputedAt *time.Time
	if row.DisputedAt != nil {
		value := row.DisputedAt.UTC()
		disputedAt = &value
	}
	return studio.Output{
		ID:            row.ID,
		JobID:         row.JobID,
		ImageURL:      row.ImageURL,
		Meta:          meta,
		Status:        studio.OutputStatus(row.Status),
		DisputeReason: row.DisputeReason,
		DisputedAt:    disputedAt,
		CreatedAt:     row.CreatedAt.UTC(),
	}, nil
}

func jsonStrings(values []string) (datatypes.JSON, error) {
	if values == nil {
		values = []string{}
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}
