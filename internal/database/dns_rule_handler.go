package database

import (
	"context"

	"github.com/Kavis1/enhanced-marzban/internal/domain"

	"gorm.io/gorm"
)

// EnabledGlobalRules returns enabled global rules ordered by priority
// descending then id ascending.
func (s *Store) EnabledGlobalRules(ctx context.Context) ([]domain.DNSRule, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rules []domain.DNSRule
	if err := db.Where("enabled = ?", true).Order("priority DESC, id ASC").Find(&rules).Error; err != nil {
		return nil, wrapErr("list global dns rules", err)
	}
	return rules, nil
}

// EnabledUserRules returns enabled per-user rules ordered like EnabledGlobalRules
// within each user.
func (s *Store) EnabledUserRules(ctx context.Context) ([]domain.UserDNSRule, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rules []domain.UserDNSRule
	if err := db.Where("enabled = ?", true).Order("user_id ASC, priority DESC, id ASC").Find(&rules).Error; err != nil {
		return nil, wrapErr("list user dns rules", err)
	}
	return rules, nil
}

func (s *Store) CreateGlobalRule(ctx context.Context, rule *domain.DNSRule) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return wrapErr("create global dns rule", db.Create(rule).Error)
}

func (s *Store) CreateUserRule(ctx context.Context, rule *domain.UserDNSRule) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return wrapErr("create user dns rule", db.Create(rule).Error)
}

func (s *Store) DeleteGlobalRule(ctx context.Context, ruleID uint) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	res := db.Delete(&domain.DNSRule{}, ruleID)
	if res.Error != nil {
		return wrapErr("delete global dns rule", res.Error)
	}
	if res.RowsAffected == 0 {
		return wrapErr("delete global dns rule", gorm.ErrRecordNotFound)
	}
	return nil
}

func (s *Store) DeleteUserRule(ctx context.Context, ruleID uint) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	res := db.Delete(&domain.UserDNSRule{}, ruleID)
	if res.Error != nil {
		return wrapErr("delete user dns rule", res.Error)
	}
	if res.RowsAffected == 0 {
		return wrapErr("delete user dns rule", gorm.ErrRecordNotFound)
	}
	return nil
}
