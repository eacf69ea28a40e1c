package blocklist

import (
	"maps"
	"strings"
	"time"

	"github.com/Kavis1/enhanced-marzban/internal/domain"
)

// Tier names the layer that blocked a domain.
type Tier string

const (
	TierNone   Tier = ""
	TierGlobal Tier = "global"
	TierUser   Tier = "user"
	TierNode   Tier = "node"
)

type domainSet map[string]struct{}

func newDomainSet(domains ...string) domainSet {
	s := make(domainSet, len(domains))
	for _, d := range domains {
		s.add(d)
	}
	return s
}

func (s domainSet) add(d string) {
	d = strings.ToLower(d)
	if d != "" {
		s[d] = struct{}{}
	}
}

// matches reports whether any wildcard candidate of d is a member. d must
// already be lowercase.
func (s domainSet) matches(d string) bool {
	if len(s) == 0 {
		return false
	}
	for key := range domain.WildcardCandidates(d) {
		if _, ok := s[key]; ok {
			return true
		}
	}
	return false
}

// snapshot is an immutable view of every tier. Writers build a new one and
// swap it in; readers never lock.
type snapshot struct {
	global      domainSet
	users       map[uint]domainSet
	nodes       map[uint]domainSet
	refreshedAt time.Time
}

func emptySnapshot() *snapshot {
	return &snapshot{
		global: domainSet{},
		users:  map[uint]domainSet{},
		nodes:  map[uint]domainSet{},
	}
}

func (s *snapshot) explain(d string, userID, nodeID *uint) Tier {
	if s.global.matches(d) {
		return TierGlobal
	}
	if userID != nil && s.users[*userID].matches(d) {
		return TierUser
	}
	if nodeID != nil && s.nodes[*nodeID].matches(d) {
		return TierNode
	}
	return TierNone
}

// withUser returns a copy of s whose user tier for id is replaced by domains.
func (s *snapshot) withUser(id uint, domains []string) *snapshot {
	next := *s
	next.users = maps.Clone(s.users)
	if len(domains) == 0 {
		delete(next.users, id)
	} else {
		next.users[id] = newDomainSet(domains...)
	}
	return &next
}

func (s *snapshot) cachedDomains() int {
	total := len(s.global)
	for _, set := range s.users {
		total += len(set)
	}
	for _, set := range s.nodes {
		total += len(set)
	}
	return total
}
