package blocklist

import (
	"reflect"
	"strings"
	"testing"
)

func TestParseList(t *testing.T) {
	content := strings.Join([]string{
		"! EasyList header",
		"# hosts comment",
		"",
		"||Ads.Example.com^",
		"||tracker.example^$third-party",
		"0.0.0.0 malware.test",
		"127.0.0.1   phish.test",
		"0.0.0.0 ads.example.com",
		"plain.example.org",
		"not a domain",
		"example.com/path",
		"nodot",
		".leading.example",
		"##.ad-banner",
	}, "\n")

	want := []string{"ads.example.com", "malware.test", "phish.test", "plain.example.org"}
	if got := ParseList(content); !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseList returned %v, want %v", got, want)
	}
}

func TestParseListRoundTrip(t *testing.T) {
	domains := []string{"a.example.com", "b.example.net", "c.test"}

	var b strings.Builder
	for i, d := range domains {
		switch i % 3 {
		case 0:
			b.WriteString("||" + d + "^\n")
		case 1:
			b.WriteString("0.0.0.0 " + d + "\n")
		default:
			b.WriteString(d + "\n")
		}
	}
	b.WriteString("# trailing comment\n")

	if got := ParseList(b.String()); !reflect.DeepEqual(got, domains) {
		t.Fatalf("ParseList returned %v, want %v", got, domains)
	}
}

func TestParseListHandlesCRLF(t *testing.T) {
	got := ParseList("||one.test^\r\n0.0.0.0 two.test\r\n")
	want := []string{"one.test", "two.test"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseList returned %v, want %v", got, want)
	}
}

func TestDomainSetMatches(t *testing.T) {
	set := newDomainSet("exact.com", "*.wild.com", "*.b.c")

	tests := []struct {
		domain string
		want   bool
	}{
		{"exact.com", true},
		{"sub.exact.com", false},
		{"wild.com", true},
		{"x.wild.com", true},
		{"x.y.wild.com", true},
		{"notwild.com", false},
		{"a.b.c", true},
		{"other.org", false},
	}

	for _, tt := range tests {
		if got := set.matches(tt.domain); got != tt.want {
			t.Fatalf("matches(%q) = %t, want %t", tt.domain, got, tt.want)
		}
	}
}
