package geoip

import (
	"net/netip"

	"github.com/oschwald/geoip2-golang"
)

// Provider resolves server addresses to ISO country codes.
// A nil *Provider is valid and resolves nothing.
type Provider struct {
	db *geoip2.Reader
}

// Open opens the MaxMind database at path.
func Open(path string) (*Provider, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}

	return &Provider{db: db}, nil
}

// Close releases the database. Safe on a nil provider.
func (p *Provider) Close() error {
	if p == nil || p.db == nil {
		return nil
	}

	return p.db.Close()
}

// CountryCode returns the ISO code ("US", "DE") for ip, or an empty string
// for private, invalid or unknown addresses.
func (p *Provider) CountryCode(ip string) string {
	if p == nil || p.db == nil {
		return ""
	}

	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ""
	}
	addr = addr.Unmap()
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsUnspecified() {
		return ""
	}

	record, err := p.db.Country(addr.AsSlice())
	if err != nil {
		return ""
	}

	return record.Country.IsoCode
}
