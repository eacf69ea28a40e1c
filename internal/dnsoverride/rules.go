package dnsoverride

import (
	"time"

	"github.com/Kavis1/enhanced-marzban/internal/domain"
)

// Rule is one override as the resolver sees it. UserID is zero for global rules.
type Rule struct {
	ID          uint      `json:"id"`
	UserID      uint      `json:"user_id,omitempty"`
	Domain      string    `json:"domain"`
	TargetIP    string    `json:"target_ip"`
	Priority    int       `json:"priority"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (r Rule) matches(d string) bool {
	return domain.MatchesPattern(d, r.Domain)
}

// ruleSnapshot holds enabled rules ordered by priority descending, then id
// ascending. It is never mutated after being published.
type ruleSnapshot struct {
	global    []Rule
	users     map[uint][]Rule
	loadedAt  time.Time
	userRules int
}

func emptyRules() *ruleSnapshot {
	return &ruleSnapshot{users: map[uint][]Rule{}}
}

func buildRules(global []domain.DNSRule, user []domain.UserDNSRule, now time.Time) *ruleSnapshot {
	snap := &ruleSnapshot{
		global:   make([]Rule, 0, len(global)),
		users:    make(map[uint][]Rule),
		loadedAt: now,
	}
	for _, r := range global {
		snap.global = append(snap.global, Rule{
			ID:          r.ID,
			Domain:      r.Domain,
			TargetIP:    r.TargetIP,
			Priority:    r.Priority,
			Description: r.Description,
			CreatedAt:   r.CreatedAt,
		})
	}
	for _, r := range user {
		snap.users[r.UserID] = append(snap.users[r.UserID], Rule{
			ID:          r.ID,
			UserID:      r.UserID,
			Domain:      r.Domain,
			TargetIP:    r.TargetIP,
			Priority:    r.Priority,
			Description: r.Description,
			CreatedAt:   r.CreatedAt,
		})
		snap.userRules++
	}
	return snap
}

// firstMatch returns the target of the first rule matching d.
func firstMatch(rules []Rule, d string) (string, bool) {
	for _, r := range rules {
		if r.matches(d) {
			return r.TargetIP, true
		}
	}
	return "", false
}

// hosts maps each rule domain to the target of the first rule naming it.
func hosts(rules []Rule) map[string]string {
	out := make(map[string]string, len(rules))
	for _, r := range rules {
		if _, taken := out[r.Domain]; !taken {
			out[r.Domain] = r.TargetIP
		}
	}
	return out
}
