package domain

import "time"

// ViolationKind names an abuse category.
type ViolationKind string

const (
	ViolationTorrent          ViolationKind = "torrent"
	ViolationConnectionLimit  ViolationKind = "connection_limit"
	ViolationHighBandwidth    ViolationKind = "high_bandwidth"
	ViolationRapidConnections ViolationKind = "rapid_connections"
	ViolationSuspended        ViolationKind = "user_suspended"
)

// TrafficViolation is an append-only ledger row; only Resolved may change.
type TrafficViolation struct {
	ID            uint          `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID        uint          `gorm:"not null;index" json:"user_id"`
	ViolationType ViolationKind `gorm:"size:32;not null;index" json:"violation_type"`
	IPAddress     string        `gorm:"size:45" json:"ip_address"`
	Details       string        `gorm:"type:text" json:"details"`
	CreatedAt     time.Time     `gorm:"autoCreateTime;index" json:"created_at"`
	Resolved      bool          `gorm:"not null;default:false" json:"resolved"`
	ResolvedAt    *time.Time    `json:"resolved_at"`
}

// ViolationFilter narrows violation listings. Zero values mean "any".
type ViolationFilter struct {
	UserID     uint
	Kind       ViolationKind
	Unresolved bool
	Since      time.Time
	Limit      int
}
