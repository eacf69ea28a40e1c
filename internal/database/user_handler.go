package database

import (
	"context"

	"github.com/Kavis1/enhanced-marzban/internal/domain"

	"gorm.io/gorm"
)

func (s *Store) GetUser(ctx context.Context, userID uint) (domain.User, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return domain.User{}, err
	}
	var user domain.User
	if err := db.First(&user, userID).Error; err != nil {
		return domain.User{}, wrapErr("get user", err)
	}
	return user, nil
}

func (s *Store) GetUsernames(ctx context.Context, userIDs []uint) (map[uint]string, error) {
	out := make(map[uint]string, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		ID       uint
		Username string
	}
	if err := db.Model(&domain.User{}).Select("id", "username").Where("id IN ?", userIDs).Scan(&rows).Error; err != nil {
		return nil, wrapErr("get usernames", err)
	}
	for _, row := range rows {
		out[row.ID] = row.Username
	}
	return out, nil
}

func (s *Store) CreateUser(ctx context.Context, user *domain.User) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return wrapErr("create user", db.Create(user).Error)
}

// SetConnectionCount overwrites the persisted concurrent-connection counter.
func (s *Store) SetConnectionCount(ctx context.Context, userID uint, count int) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	res := db.Model(&domain.User{}).Where("id = ?", userID).Update("current_connections", count)
	if res.Error != nil {
		return wrapErr("set connection count", res.Error)
	}
	if res.RowsAffected == 0 {
		return wrapErr("set connection count", gorm.ErrRecordNotFound)
	}
	return nil
}

// UsersWithCustomDomains returns every user carrying a non-empty custom
// blocklist. Corrupt blobs are returned too so callers can report them.
func (s *Store) UsersWithCustomDomains(ctx context.Context) ([]domain.User, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var users []domain.User
	err = db.Select("id", "username", "adblock_enabled", "custom_blocked_domains").
		Where("custom_blocked_domains IS NOT NULL AND custom_blocked_domains <> ? AND custom_blocked_domains <> ?", "", "[]").
		Find(&users).Error
	if err != nil {
		return nil, wrapErr("list users with custom domains", err)
	}
	return users, nil
}

func (s *Store) SetUserBlockedDomains(ctx context.Context, userID uint, domains domain.DomainSet) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	res := db.Model(&domain.User{}).Where("id = ?", userID).Update("custom_blocked_domains", domains)
	if res.Error != nil {
		return wrapErr("set user blocked domains", res.Error)
	}
	if res.RowsAffected == 0 {
		return wrapErr("set user blocked domains", gorm.ErrRecordNotFound)
	}
	return nil
}

func (s *Store) SetUserAdblock(ctx context.Context, userID uint, enabled bool) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	res := db.Model(&domain.User{}).Where("id = ?", userID).Update("adblock_enabled", enabled)
	if res.Error != nil {
		return wrapErr("set user adblock", res.Error)
	}
	if res.RowsAffected == 0 {
		return wrapErr("set user adblock", gorm.ErrRecordNotFound)
	}
	return nil
}

func (s *Store) CountUsersWithAdblock(ctx context.Context) (int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	var count int64
	if err := db.Model(&domain.User{}).Where("adblock_enabled = ?", true).Count(&count).Error; err != nil {
		return 0, wrapErr("count adblock users", err)
	}
	return count, nil
}
