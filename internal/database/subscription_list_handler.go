package database

import (
	"context"
	"time"

	"github.com/Kavis1/enhanced-marzban/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const blockedDomainInsertBatchSize = 500

func (s *Store) SubscriptionLists(ctx context.Context) ([]domain.SubscriptionList, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var lists []domain.SubscriptionList
	if err := db.Order("id ASC").Find(&lists).Error; err != nil {
		return nil, wrapErr("list subscription lists", err)
	}
	return lists, nil
}

func (s *Store) GetSubscriptionList(ctx context.Context, listID uint) (domain.SubscriptionList, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return domain.SubscriptionList{}, err
	}
	var list domain.SubscriptionList
	if err := db.First(&list, listID).Error; err != nil {
		return domain.SubscriptionList{}, wrapErr("get subscription list", err)
	}
	return list, nil
}

func (s *Store) CreateSubscriptionList(ctx context.Context, list *domain.SubscriptionList) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return wrapErr("create subscription list", db.Create(list).Error)
}

// EnsureSubscriptionLists inserts the given lists, skipping names that exist.
func (s *Store) EnsureSubscriptionLists(ctx context.Context, lists []domain.SubscriptionList) (int64, error) {
	if len(lists) == 0 {
		return 0, nil
	}
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(&lists)
	if res.Error != nil {
		return 0, wrapErr("ensure subscription lists", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Store) SetSubscriptionListEnabled(ctx context.Context, listID uint, enabled bool) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	res := db.Model(&domain.SubscriptionList{}).Where("id = ?", listID).Update("enabled", enabled)
	if res.Error != nil {
		return wrapErr("set subscription list enabled", res.Error)
	}
	if res.RowsAffected == 0 {
		return wrapErr("set subscription list enabled", gorm.ErrRecordNotFound)
	}
	return nil
}

// DeleteSubscriptionList removes a list together with its entries.
func (s *Store) DeleteSubscriptionList(ctx context.Context, listID uint) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return wrapErr("delete subscription list", db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("list_id = ?", listID).Delete(&domain.BlockedDomain{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&domain.SubscriptionList{}, listID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	}))
}

// ReplaceListDomains swaps the entries of a list in one transaction and
// stamps the list with the update time and new count.
func (s *Store) ReplaceListDomains(ctx context.Context, listID uint, domains []string, updatedAt time.Time) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	records := make([]domain.BlockedDomain, 0, len(domains))
	for _, d := range domains {
		records = append(records, domain.BlockedDomain{ListID: listID, Domain: d, Active: true})
	}

	return wrapErr("replace list domains", db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("list_id = ?", listID).Delete(&domain.BlockedDomain{}).Error; err != nil {
			return err
		}
		if len(records) > 0 {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
				CreateInBatches(&records, blockedDomainInsertBatchSize).Error; err != nil {
				return err
			}
		}
		res := tx.Model(&domain.SubscriptionList{}).Where("id = ?", listID).Updates(map[string]any{
			"last_updated": updatedAt,
			"domain_count": len(records),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	}))
}

// EnabledListDomains returns the active entries of every enabled list.
func (s *Store) EnabledListDomains(ctx context.Context) ([]string, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var domains []string
	err = db.Model(&domain.BlockedDomain{}).
		Joins("JOIN subscription_lists ON subscription_lists.id = blocked_domains.list_id").
		Where("subscription_lists.enabled = ? AND blocked_domains.active = ?", true, true).
		Pluck("blocked_domains.domain", &domains).Error
	if err != nil {
		return nil, wrapErr("list enabled domains", err)
	}
	return domains, nil
}

// ListDomains returns the active entries of the given lists keyed by list ID.
func (s *Store) ListDomains(ctx context.Context, listIDs []uint) (map[uint][]string, error) {
	out := make(map[uint][]string, len(listIDs))
	if len(listIDs) == 0 {
		return out, nil
	}
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		ListID uint
		Domain string
	}
	err = db.Model(&domain.BlockedDomain{}).
		Select("list_id", "domain").
		Where("list_id IN ? AND active = ?", listIDs, true).
		Scan(&rows).Error
	if err != nil {
		return nil, wrapErr("list domains by list", err)
	}
	for _, row := range rows {
		out[row.ListID] = append(out[row.ListID], row.Domain)
	}
	return out, nil
}
