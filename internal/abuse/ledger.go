package abuse

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

const ledgerTimeLayout = "2006-01-02 15:04:05"

// Entry is one line of the violation ledger read by the external ban tool.
type Entry struct {
	Time    time.Time
	Type    string
	IP      string
	User    string
	Action  string
	Details map[string]any
}

// Format renders e as
// [YYYY-MM-DD HH:MM:SS] VIOLATION: TYPE=<t> IP=<ip> USER=<u> ACTION=<a>[ DETAILS=<json>]
func (e Entry) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] VIOLATION: TYPE=%s IP=%s USER=%s ACTION=%s",
		e.Time.UTC().Format(ledgerTimeLayout), e.Type, e.IP, fieldValue(e.User), e.Action)
	if len(e.Details) > 0 {
		if raw, err := json.Marshal(e.Details); err == nil {
			b.WriteString(" DETAILS=")
			b.Write(raw)
		}
	}
	return b.String()
}

// Usernames are written as single tokens so the ban tool's regex stays simple.
func fieldValue(v string) string {
	if v == "" {
		return "-"
	}
	return strings.Join(strings.Fields(v), "_")
}

// Ledger appends entries to a file. Writes are serialized within the process.
type Ledger struct {
	path string
	mu   sync.Mutex
}

func NewLedger(path string) *Ledger {
	return &Ledger{path: path}
}

func (l *Ledger) Path() string {
	return l.path
}

// Ensure creates the parent directory of the ledger.
func (l *Ledger) Ensure() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create ledger directory: %w", err)
	}
	return nil
}

func (l *Ledger) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	if _, err := f.WriteString(e.Format() + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("write ledger: %w", err)
	}
	return f.Close()
}

// CountSince counts entries for username stamped at or after since. A missing
// ledger counts as zero.
func (l *Ledger) CountSince(username string, since time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	want := "USER=" + fieldValue(username)
	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 4096), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		at, ok := lineTime(line)
		if !ok || at.Before(since) {
			continue
		}
		if hasField(line, want) {
			count++
		}
	}
	return count, scanner.Err()
}

func lineTime(line string) (time.Time, bool) {
	if len(line) < len(ledgerTimeLayout)+2 || line[0] != '[' {
		return time.Time{}, false
	}
	at, err := time.Parse(ledgerTimeLayout, line[1:1+len(ledgerTimeLayout)])
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

// hasField matches a whole space-separated token so USER=bob skips USER=bobby.
func hasField(line, field string) bool {
	for _, tok := range strings.Fields(line) {
		if tok == field {
			return true
		}
	}
	return false
}
