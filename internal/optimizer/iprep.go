package optimizer

import (
	"fmt"
	"net"

	"github.com/oschwald/maxminddb-golang"
)

// IPReputationProvider answers whether a click's source IP looks like
// anonymized traffic (proxy, VPN, Tor, hosting).
type IPReputationProvider interface {
	IsAnonymous(ip string) bool
	Close() error
}

// MaxMindReputation reads a GeoIP2 Anonymous-IP mmdb database.
type MaxMindReputation struct {
	db *maxminddb.Reader
}

func NewMaxMindReputation(dbPath string) (*MaxMindReputation, error) {
	db, err := maxminddb.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open mmdb %s: %w", dbPath, err)
	}
	return &MaxMindReputation{db: db}, nil
}

type anonymousIPRecord struct {
	IsAnonymous       bool `maxminddb:"is_anonymous"`
	IsAnonymousVPN    bool `maxminddb:"is_anonymous_vpn"`
	IsHostingProvider bool `maxminddb:"is_hosting_provider"`
	IsPublicProxy     bool `maxminddb:"is_public_proxy"`
	IsTorExitNode     bool `maxminddb:"is_tor_exit_node"`
}

// IsAnonymous reports whether the IP is a known proxy, VPN, Tor exit or
// hosting-provider address. Unparseable IPs and lookup errors count as
// not anonymous.
func (m *MaxMindReputation) IsAnonymous(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	var rec anonymousIPRecord
	if err := m.db.Lookup(parsed, &rec); err != nil {
		return false
	}
	return rec.IsAnonymous || rec.IsAnonymousVPN || rec.IsPublicProxy || rec.IsTorExitNode || rec.IsHostingProvider
}

func (m *MaxMindReputation) Close() error {
	return m.db.Close()
}

// StaticReputation is the no-database fallback: nothing is anonymous.
type StaticReputation struct{}

func (StaticReputation) IsAnonymous(string) bool { return false }
func (StaticReputation) Close() error            { return nil }
