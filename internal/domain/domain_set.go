package domain

import (
	"database/sql/driver"
	"fmt"
	"slices"

	"github.com/goccy/go-json"
)

// DomainSet is an ordered set of normalized domain names stored inside a JSON
// text column. A stored value that cannot be decoded scans as an empty set
// with Corrupt reporting true, so one bad row never fails a whole query.
type DomainSet struct {
	items   []string
	corrupt bool
}

func NewDomainSet(domains ...string) DomainSet {
	var s DomainSet
	for _, d := range domains {
		s.add(d)
	}
	return s
}

func (s DomainSet) Items() []string {
	return slices.Clone(s.items)
}

func (s DomainSet) Len() int {
	return len(s.items)
}

func (s DomainSet) Contains(d string) bool {
	return slices.Contains(s.items, d)
}

// Corrupt reports whether the stored JSON was malformed when scanned.
func (s DomainSet) Corrupt() bool {
	return s.corrupt
}

// With returns a copy of s including d. The bool is false when d was present.
func (s DomainSet) With(d string) (DomainSet, bool) {
	if s.Contains(d) {
		return s, false
	}
	out := DomainSet{items: slices.Clone(s.items)}
	out.items = append(out.items, d)
	return out, true
}

// Without returns a copy of s excluding d. The bool is false when d was absent.
func (s DomainSet) Without(d string) (DomainSet, bool) {
	idx := slices.Index(s.items, d)
	if idx < 0 {
		return s, false
	}
	out := DomainSet{items: slices.Clone(s.items)}
	out.items = slices.Delete(out.items, idx, idx+1)
	return out, true
}

func (s *DomainSet) add(d string) {
	if d == "" || slices.Contains(s.items, d) {
		return
	}
	s.items = append(s.items, d)
}

func (DomainSet) GormDataType() string {
	return "text"
}

// Value implements driver.Valuer so DomainSet can be stored as JSON.
func (s DomainSet) Value() (driver.Value, error) {
	if len(s.items) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(s.items)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner to hydrate the DomainSet from the database.
func (s *DomainSet) Scan(value any) error {
	*s = DomainSet{}
	raw, err := scanBytes(value, "DomainSet")
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	var parsed []string
	if err := json.Unmarshal(raw, &parsed); err != nil {
		s.corrupt = true
		return nil
	}
	for _, d := range parsed {
		s.add(d)
	}
	return nil
}

func (s DomainSet) MarshalJSON() ([]byte, error) {
	if s.items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.items)
}

func (s *DomainSet) UnmarshalJSON(data []byte) error {
	var parsed []string
	if err := json.Unmarshal(data, &parsed); err != nil {
		return err
	}
	*s = NewDomainSet(parsed...)
	return nil
}

// IDList is an ordered set of record IDs stored inside a JSON text column.
// Like DomainSet, a malformed value scans as empty and is flagged Corrupt.
type IDList struct {
	ids     []uint
	corrupt bool
}

func NewIDList(ids ...uint) IDList {
	var l IDList
	for _, id := range ids {
		if !slices.Contains(l.ids, id) {
			l.ids = append(l.ids, id)
		}
	}
	return l
}

func (l IDList) IDs() []uint {
	return slices.Clone(l.ids)
}

func (l IDList) Len() int {
	return len(l.ids)
}

func (l IDList) Corrupt() bool {
	return l.corrupt
}

func (IDList) GormDataType() string {
	return "text"
}

func (l IDList) Value() (driver.Value, error) {
	if len(l.ids) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(l.ids)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (l *IDList) Scan(value any) error {
	*l = IDList{}
	raw, err := scanBytes(value, "IDList")
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	var parsed []uint
	if err := json.Unmarshal(raw, &parsed); err != nil {
		l.corrupt = true
		return nil
	}
	*l = NewIDList(parsed...)
	return nil
}

func (l IDList) MarshalJSON() ([]byte, error) {
	if l.ids == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l.ids)
}

func (l *IDList) UnmarshalJSON(data []byte) error {
	var parsed []uint
	if err := json.Unmarshal(data, &parsed); err != nil {
		return err
	}
	*l = NewIDList(parsed...)
	return nil
}

func scanBytes(value any, typeName string) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("domain.%s: unsupported type %T", typeName, value)
	}
}
