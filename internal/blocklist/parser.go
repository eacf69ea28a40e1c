package blocklist

import (
	"bufio"
	"strings"

	"github.com/Kavis1/enhanced-marzban/internal/domain"

	"github.com/charmbracelet/log"
)

// ParseList extracts domains from a subscription list body. It understands
// adblock network rules (||example.com^), hosts-file lines (0.0.0.0 or
// 127.0.0.1 followed by a name) and bare domains. Comments starting with # or
// ! and blank lines are skipped. The result is lowercase, valid and
// de-duplicated in first-seen order.
func ParseList(content string) []string {
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 1024), 1024*1024)

	seen := make(map[string]struct{})
	var out []string

	for scanner.Scan() {
		d, ok := parseLine(scanner.Text())
		if !ok {
			continue
		}
		d = strings.ToLower(d)
		if !domain.IsValidDomain(d) {
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}

	if err := scanner.Err(); err != nil {
		log.Warn("Subscription list scanner warning", "error", err)
	}

	return out
}

func parseLine(raw string) (string, bool) {
	line := strings.TrimSpace(raw)
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
		return "", false
	}

	if strings.HasPrefix(line, "||") {
		// Rules with options or paths (||a.com^$third-party) are not plain domains.
		if !strings.HasSuffix(line, "^") {
			return "", false
		}
		return line[2 : len(line)-1], true
	}

	if strings.HasPrefix(line, "0.0.0.0 ") || strings.HasPrefix(line, "127.0.0.1 ") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return "", false
		}
		return fields[1], true
	}

	if !strings.ContainsAny(line, " \t") && strings.Contains(line, ".") {
		return line, true
	}

	return "", false
}
