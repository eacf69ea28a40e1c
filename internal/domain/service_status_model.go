package domain

import "time"

// ServiceStatus persists the last known lifecycle state of an engine.
type ServiceStatus struct {
	ID          uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	ServiceName string     `gorm:"size:64;uniqueIndex;not null" json:"service_name"`
	Enabled     bool       `gorm:"not null" json:"enabled"`
	Running     bool       `gorm:"not null;default:false" json:"running"`
	LastCheck   time.Time  `json:"last_check"`
	LastRestart *time.Time `json:"last_restart"`
	ErrorCount  int        `gorm:"not null;default:0" json:"error_count"`
	LastError   string     `gorm:"type:text" json:"last_error"`
}
