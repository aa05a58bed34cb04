package db

import (
	"context"
	"fmt"

	"agriscan/config"
	"agriscan/models"
)

// Store persists scan history and the disease cache.
type Store interface {
	SaveDetection(ctx context.Context, entry models.HistoryEntry) (string, error)
	GetHistory(ctx context.Context, userID string, limit, offset int) ([]models.HistoryEntry, error)
	GetDetection(ctx context.Context, id string) (*models.HistoryEntry, bool, error)
	DeleteDetection(ctx context.Context, id string) (bool, error)

	CacheDisease(ctx context.Context, name string, record models.Diagnosis) error
	GetDisease(ctx context.Context, name string) (*models.Diagnosis, bool, error)
	ListCachedDiseases(ctx context.Context) ([]string, error)

	Close() error
}

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// NewDBClient opens the backend selected by DB_TYPE.
func NewDBClient(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.DBType {
	case "", "sqlite":
		return NewSQLiteClient(cfg.SQLitePath)
	case "mongo", "mongodb":
		return NewMongoClient(ctx, cfg.MongoURI, cfg.MongoDB)
	default:
		return nil, fmt.Errorf("unsupported DB_TYPE %q", cfg.DBType)
	}
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
