// Package identity derives stable server identifiers from network addresses.
//
// The identifier is the xxhash64 of the canonical IP and the decimal port,
// separated by a NUL byte. Hashing the structured tuple instead of the raw
// digits of the address keeps "10.0.0.1:7777" and "100.0.1.7:777" apart.
// The hash is truncated to 53 bits so the id survives JSON readers that
// decode every number as a float64.
package identity

import (
	"net/netip"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/woozymasta/masterlist/internal/models"
)

// MaxID is the largest identifier Of can return, 2^53-1.
const MaxID = 1<<53 - 1

// Of returns the identifier of the server listening on addr.
// The same address always yields the same identifier.
func Of(addr models.Address) models.ServerID {
	d := xxhash.New()
	_, _ = d.WriteString(CanonicalIP(addr.IP))
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(addr.Port.String())

	return models.ServerID(d.Sum64() & MaxID)
}

// CanonicalIP normalizes an IP string so that equivalent spellings hash equally.
// IPv4-mapped IPv6 addresses collapse to IPv4, IPv6 is lowercased and compressed.
// Strings that are not IP addresses are only trimmed and lowercased.
func CanonicalIP(ip string) string {
	ip = strings.TrimSpace(ip)
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return strings.ToLower(ip)
	}

	return addr.Unmap().WithZone("").String()
}
