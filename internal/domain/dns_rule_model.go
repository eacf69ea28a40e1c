package domain

import "time"

const DefaultRulePriority = 100

// DNSRule overrides resolution of Domain for every user. Domain may be an
// exact name or a "*.suffix" wildcard.
type DNSRule struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Domain      string    `gorm:"size:253;not null;index" json:"domain"`
	TargetIP    string    `gorm:"size:45;not null" json:"target_ip"`
	Priority    int       `gorm:"not null" json:"priority"`
	Enabled     bool      `gorm:"not null" json:"enabled"`
	Description string    `gorm:"type:text" json:"description"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// UserDNSRule is a per-user override. It always wins over global rules.
type UserDNSRule struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID      uint      `gorm:"not null;uniqueIndex:idx_user_dns_rules_user_domain,priority:1" json:"user_id"`
	Domain      string    `gorm:"size:253;not null;uniqueIndex:idx_user_dns_rules_user_domain,priority:2" json:"domain"`
	TargetIP    string    `gorm:"size:45;not null" json:"target_ip"`
	Priority    int       `gorm:"not null" json:"priority"`
	Enabled     bool      `gorm:"not null" json:"enabled"`
	Description string    `gorm:"type:text" json:"description"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}
