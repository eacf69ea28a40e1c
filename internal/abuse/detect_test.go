package abuse

import (
	"math/rand"
	"slices"
	"testing"

	"github.com/Kavis1/enhanced-marzban/internal/domain"
)

func TestDetectTorrentTraffic(t *testing.T) {
	udpConnect := append([]byte{0x00, 0x00, 0x04, 0x17, 0x27, 0x10, 0x19, 0x80}, make([]byte, 8)...)

	tests := []struct {
		name    string
		payload []byte
		want    bool
	}{
		{name: "handshake", payload: []byte("\x13BitTorrent protocol\x00\x00\x00\x00"), want: true},
		{name: "bencode announce", payload: []byte("d8:announce35:http://tracker.example/announcee"), want: true},
		{name: "info hash", payload: []byte("...info_hash=%12%34..."), want: true},
		{name: "dht get_peers", payload: []byte("d1:ad2:id20:abcdefghij0123456789e1:q9:get_peers1:t2:aa1:y1:qe"), want: true},
		{name: "udp tracker connect", payload: udpConnect, want: true},
		{name: "udp magic too short", payload: udpConnect[:12], want: false},
		{name: "plain http", payload: []byte("GET /index.html HTTP/1.1\r\nHost: example.com\r\n\r\n"), want: false},
		{name: "bencode without dht query", payload: []byte("d1:xi42ee"), want: false},
		{name: "empty", payload: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectTorrentTraffic(tt.payload); got != tt.want {
				t.Fatalf("DetectTorrentTraffic(%q) = %v, want %v", tt.payload, got, tt.want)
			}
		})
	}
}

func TestDetectTorrentTrafficRandomNoise(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		buf := make([]byte, 50)
		for j := range buf {
			// Stay below 'A' so no ASCII signature can appear by chance.
			buf[j] = byte(rng.Intn(0x40))
		}
		if DetectTorrentTraffic(buf) {
			t.Fatalf("DetectTorrentTraffic flagged random buffer %x", buf)
		}
	}
}

func TestAnalyzeTrafficPattern(t *testing.T) {
	tests := []struct {
		name   string
		bytes  int64
		conns  int64
		window int
		want   []domain.ViolationKind
	}{
		{name: "quiet", bytes: 1 << 20, conns: 3, window: 60, want: nil},
		{name: "high bandwidth", bytes: 200 << 20, conns: 1, window: 300, want: []domain.ViolationKind{domain.ViolationHighBandwidth}},
		{name: "bandwidth over long window", bytes: 200 << 20, conns: 1, window: 301, want: nil},
		{name: "exactly threshold", bytes: 100 << 20, conns: 50, window: 10, want: nil},
		{name: "rapid connections", bytes: 0, conns: 51, window: 60, want: []domain.ViolationKind{domain.ViolationRapidConnections}},
		{name: "rapid over long window", bytes: 0, conns: 51, window: 61, want: nil},
		{
			name: "both", bytes: 500 << 20, conns: 80, window: 30,
			want: []domain.ViolationKind{domain.ViolationHighBandwidth, domain.ViolationRapidConnections},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AnalyzeTrafficPattern(tt.bytes, tt.conns, tt.window)
			if !slices.Equal(got, tt.want) {
				t.Fatalf("AnalyzeTrafficPattern returned %v, want %v", got, tt.want)
			}
		})
	}
}
