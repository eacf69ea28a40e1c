package domain

import "time"

// User is the subset of the subscriber record the policy engines read.
// MaxConnections of zero means the configured default applies.
type User struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	Username string `gorm:"size:64;uniqueIndex;not null"`

	MaxConnections     int `gorm:"not null;default:0"`
	CurrentConnections int `gorm:"not null;default:0"`

	AdblockEnabled       bool      `gorm:"not null;default:false"`
	CustomBlockedDomains DomainSet `gorm:"column:custom_blocked_domains"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// Node is a proxy server in the fleet. Its adblock preference selects which
// subscription lists apply to traffic passing through it.
type Node struct {
	ID   uint   `gorm:"primaryKey;autoIncrement"`
	Name string `gorm:"size:128;uniqueIndex;not null"`

	AdblockEnabled bool   `gorm:"not null;default:false"`
	AdblockListIDs IDList `gorm:"column:adblock_list_ids"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
}
