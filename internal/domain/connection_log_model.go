package domain

import "time"

// ConnectionLog records one admitted connection. Rows are marked inactive on
// release and purged once they age past the retention window.
type ConnectionLog struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	ConnectionID string `gorm:"size:36;uniqueIndex;not null"`
	UserID       uint   `gorm:"not null;index:idx_connection_logs_user_active,priority:1"`
	IPAddress    string `gorm:"size:45;not null"`
	NodeID       *uint
	Protocol     string `gorm:"size:32"`
	InboundTag   string `gorm:"size:128"`
	UserAgent    string `gorm:"type:text"`

	ConnectedAt   time.Time `gorm:"not null;index"`
	LastActivity  time.Time `gorm:"not null"`
	BytesSent     int64     `gorm:"not null;default:0"`
	BytesReceived int64     `gorm:"not null;default:0"`

	Active           bool `gorm:"not null;index:idx_connection_logs_user_active,priority:2"`
	DisconnectedAt   *time.Time
	DisconnectReason string `gorm:"size:64"`
}
