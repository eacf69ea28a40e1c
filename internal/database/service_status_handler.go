package database

import (
	"context"

	"github.com/Kavis1/enhanced-marzban/internal/domain"

	"gorm.io/gorm/clause"
)

// SaveServiceStatus upserts the status row keyed by service name.
func (s *Store) SaveServiceStatus(ctx context.Context, status domain.ServiceStatus) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	err = db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "service_name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"enabled", "running", "last_check", "last_restart", "error_count", "last_error",
		}),
	}).Create(&status).Error
	return wrapErr("save service status", err)
}

func (s *Store) ServiceStatuses(ctx context.Context) ([]domain.ServiceStatus, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.ServiceStatus
	if err := db.Order("service_name ASC").Find(&out).Error; err != nil {
		return nil, wrapErr("list service statuses", err)
	}
	return out, nil
}
