package database

import (
	"context"
	"time"

	"github.com/Kavis1/enhanced-marzban/internal/domain"

	"gorm.io/gorm"
)

func (s *Store) CreateViolation(ctx context.Context, v *domain.TrafficViolation) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return wrapErr("create violation", db.Create(v).Error)
}

func (s *Store) ListViolations(ctx context.Context, filter domain.ViolationFilter) ([]domain.TrafficViolation, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	q := db.Model(&domain.TrafficViolation{})
	if filter.UserID != 0 {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.Kind != "" {
		q = q.Where("violation_type = ?", filter.Kind)
	}
	if filter.Unresolved {
		q = q.Where("resolved = ?", false)
	}
	if !filter.Since.IsZero() {
		q = q.Where("created_at >= ?", filter.Since)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var out []domain.TrafficViolation
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, wrapErr("list violations", err)
	}
	return out, nil
}

func (s *Store) ResolveViolation(ctx context.Context, id uint, at time.Time) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	res := db.Model(&domain.TrafficViolation{}).Where("id = ?", id).Updates(map[string]any{
		"resolved":    true,
		"resolved_at": at,
	})
	if res.Error != nil {
		return wrapErr("resolve violation", res.Error)
	}
	if res.RowsAffected == 0 {
		return wrapErr("resolve violation", gorm.ErrRecordNotFound)
	}
	return nil
}
