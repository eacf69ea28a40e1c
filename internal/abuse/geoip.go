package abuse

import (
	"net"

	"github.com/oschwald/geoip2-golang"
)

// CountryLookup maps an IP to an ISO country code, or "" when unknown.
type CountryLookup interface {
	CountryCode(ip string) string
}

// GeoIP resolves countries from a MaxMind country database.
type GeoIP struct {
	reader *geoip2.Reader
}

func OpenGeoIP(path string) (*GeoIP, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return &GeoIP{reader: reader}, nil
}

func (g *GeoIP) CountryCode(ipAddress string) string {
	if g == nil || g.reader == nil {
		return ""
	}
	ip := net.ParseIP(ipAddress)
	if ip == nil {
		return ""
	}
	record, err := g.reader.Country(ip)
	if err != nil {
		return ""
	}
	return record.Country.IsoCode
}

func (g *GeoIP) Close() error {
	if g == nil || g.reader == nil {
		return nil
	}
	return g.reader.Close()
}
