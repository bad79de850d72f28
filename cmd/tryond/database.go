package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/tryon/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/tryon/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/tryon/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

// stores bundles the persistence layer. On postgres the ledger runs on a pgx
// pool; jobs and outputs always go through gorm.
type stores struct {
	studio  *gormstore.Store
	ledger  ledger.Store
	cleanup func()
}

func openStores(ctx context.Context, dsn string) (*stores, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, err
	}

	var db *gorm.DB
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if driver == driverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	studioStore := gormstore.New(db)
	if err := studioStore.AutoMigrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	opened := &stores{
		studio:  studioStore,
		ledger:  studioStore,
		cleanup: func() { _ = sqlDB.Close() },
	}
	if driver == driverPostgres {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("pgx pool: %w", err)
		}
		opened.ledger = pgstore.New(pool)
		opened.cleanup = func() {
			pool.Close()
			_ = sqlDB.Close()
		}
	}
	return opened, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "tryon.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Anything else is a plain sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
