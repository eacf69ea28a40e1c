package database

import (
	"context"
	"time"

	"github.com/Kavis1/enhanced-marzban/internal/domain"

	"gorm.io/gorm"
)

func (s *Store) CreateConnectionLog(ctx context.Context, entry *domain.ConnectionLog) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return wrapErr("create connection log", db.Create(entry).Error)
}

// TouchConnection refreshes last_activity of the active rows for (user, ip)
// and adds the given traffic deltas.
func (s *Store) TouchConnection(ctx context.Context, userID uint, ip string, at time.Time, bytesSent, bytesReceived int64) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	updates := map[string]any{"last_activity": at}
	if bytesSent != 0 {
		updates["bytes_sent"] = gorm.Expr("bytes_sent + ?", bytesSent)
	}
	if bytesReceived != 0 {
		updates["bytes_received"] = gorm.Expr("bytes_received + ?", bytesReceived)
	}
	err = db.Model(&domain.ConnectionLog{}).
		Where("user_id = ? AND ip_address = ? AND active = ?", userID, ip, true).
		Updates(updates).Error
	return wrapErr("touch connection", err)
}

// CloseConnections marks the active rows for (user, ip) as disconnected.
func (s *Store) CloseConnections(ctx context.Context, userID uint, ip string, at time.Time, reason string) (int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	res := db.Model(&domain.ConnectionLog{}).
		Where("user_id = ? AND ip_address = ? AND active = ?", userID, ip, true).
		Updates(map[string]any{
			"active":            false,
			"disconnected_at":   at,
			"disconnect_reason": reason,
		})
	if res.Error != nil {
		return 0, wrapErr("close connections", res.Error)
	}
	return res.RowsAffected, nil
}

// ActiveConnectionsSince returns active rows whose last activity is after since.
func (s *Store) ActiveConnectionsSince(ctx context.Context, since time.Time) ([]domain.ConnectionLog, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rows []domain.ConnectionLog
	err = db.Where("active = ? AND last_activity >= ?", true, since).
		Order("connected_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapErr("list active connections", err)
	}
	return rows, nil
}

// PurgeConnectionLogs hard-deletes rows connected before cutoff.
func (s *Store) PurgeConnectionLogs(ctx context.Context, cutoff time.Time) (int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	res := db.Where("connected_at < ?", cutoff).Delete(&domain.ConnectionLog{})
	if res.Error != nil {
		return 0, wrapErr("purge connection logs", res.Error)
	}
	return res.RowsAffected, nil
}
