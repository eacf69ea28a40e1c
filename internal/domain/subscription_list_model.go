package domain

import "time"

// SubscriptionList is a remote domain blocklist (EasyList and friends).
type SubscriptionList struct {
	ID          uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	Name        string     `gorm:"size:128;uniqueIndex;not null" json:"name"`
	URL         string     `gorm:"size:1024;not null" json:"url"`
	Description string     `gorm:"type:text" json:"description"`
	Enabled     bool       `gorm:"not null;index" json:"enabled"`
	LastUpdated *time.Time `json:"last_updated"`
	DomainCount int        `gorm:"not null;default:0" json:"domain_count"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`

	Domains []BlockedDomain `gorm:"foreignKey:ListID;constraint:OnDelete:CASCADE" json:"-"`
}

// Stale reports whether the list needs a download given the update interval.
func (l SubscriptionList) Stale(now time.Time, interval time.Duration) bool {
	return l.LastUpdated == nil || now.Sub(*l.LastUpdated) >= interval
}

// BlockedDomain is one entry of a subscription list. Domain is lowercase and
// unique within its list.
type BlockedDomain struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	ListID    uint      `gorm:"not null;uniqueIndex:idx_blocked_domains_list_domain,priority:1;index"`
	Domain    string    `gorm:"size:253;not null;uniqueIndex:idx_blocked_domains_list_domain,priority:2"`
	Active    bool      `gorm:"not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}
