package abuse

import (
	"bytes"

	"github.com/Kavis1/enhanced-marzban/internal/domain"
)

const (
	HighBandwidthBytes     = 100 << 20
	HighBandwidthWindow    = 300
	RapidConnectionsCount  = 50
	RapidConnectionsWindow = 60
)

var torrentSignatures = [][]byte{
	[]byte("\x13BitTorrent protocol"),
	[]byte("announce"),
	[]byte("info_hash"),
	[]byte("d8:announce"),
	[]byte("BitTorrent"),
}

var dhtQueries = [][]byte{
	[]byte("ping"),
	[]byte("find_node"),
	[]byte("get_peers"),
	[]byte("announce_peer"),
}

// UDP tracker connect requests open with this protocol id.
var udpTrackerMagic = []byte{0x00, 0x00, 0x04, 0x17, 0x27, 0x10, 0x19, 0x80}

// DetectTorrentTraffic reports whether payload carries BitTorrent handshake,
// DHT or tracker traffic.
func DetectTorrentTraffic(payload []byte) bool {
	for _, sig := range torrentSignatures {
		if bytes.Contains(payload, sig) {
			return true
		}
	}
	return isDHT(payload) || isTrackerRequest(payload)
}

func isDHT(payload []byte) bool {
	if !bytes.HasPrefix(payload, []byte("d1:")) {
		return false
	}
	for _, q := range dhtQueries {
		if bytes.Contains(payload, q) {
			return true
		}
	}
	return false
}

func isTrackerRequest(payload []byte) bool {
	if bytes.Contains(payload, []byte("GET /")) && bytes.Contains(payload, []byte("announce")) {
		return true
	}
	return len(payload) >= 16 && bytes.Equal(payload[:8], udpTrackerMagic)
}

// AnalyzeTrafficPattern flags high bandwidth (more than 100 MiB within at most
// 300 seconds) and rapid connections (more than 50 within at most 60 seconds).
func AnalyzeTrafficPattern(bytesTransferred, connectionCount int64, windowSeconds int) []domain.ViolationKind {
	var kinds []domain.ViolationKind
	if bytesTransferred > HighBandwidthBytes && windowSeconds <= HighBandwidthWindow {
		kinds = append(kinds, domain.ViolationHighBandwidth)
	}
	if connectionCount > RapidConnectionsCount && windowSeconds <= RapidConnectionsWindow {
		kinds = append(kinds, domain.ViolationRapidConnections)
	}
	return kinds
}
