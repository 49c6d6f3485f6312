package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Record is the directory entry of one identity.
type Record struct {
	// Secret is the expected password. Empty means the identity alone is
	// sufficient. Values with a bcrypt prefix are compared as bcrypt hashes.
	Secret  string
	Enabled bool
	// MaxConnections limits concurrently open tunnels. Zero is unlimited.
	MaxConnections int64
	// AllowedIPs lists client addresses or CIDR prefixes. Empty allows all.
	AllowedIPs  []string
	Description string
}

// Directory resolves identities to records.
type Directory interface {
	// Lookup returns the record for id. ok is false if id is unknown; err is
	// reserved for backend failures.
	Lookup(ctx context.Context, id string) (rec Record, ok bool, err error)
	// EnforceSecrets reports whether record secrets must be checked.
	EnforceSecrets() bool
}

// ConnectionCounter reports open tunnels per identity.
type ConnectionCounter interface {
	ActiveConnections(identity string) int64
}

// Credentials are the decoded identity and secret of a client.
type Credentials struct {
	Identity string
	Secret   string
}

// Gate decides whether a client may use the proxy. It never mutates the
// counter it reads from.
type Gate struct {
	Directory Directory
	Counter   ConnectionCounter
}

// NewGate returns a Gate over dir and counter.
func NewGate(dir Directory, counter ConnectionCounter) *Gate {
	return &Gate{Directory: dir, Counter: counter}
}

// Validate checks a Proxy-Authorization header value for the client at
// clientAddr and returns the accepted identity. Rejections are *Error.
func (g *Gate) Validate(ctx context.Context, header, clientAddr string) (string, error) {
	if header == "" {
		return "", reject(Missing, "")
	}
	c, err := ParseBasic(header)
	if err != nil {
		return "", err
	}
	return g.Check(ctx, c, clientAddr)
}

// Check validates already decoded credentials.
func (g *Gate) Check(ctx context.Context, c Credentials, clientAddr string) (string, error) {
	rec, ok, err := g.Directory.Lookup(ctx, c.Identity)
	if err != nil {
		return "", fmt.Errorf("identity lookup: %w", err)
	}
	if !ok {
		return "", reject(UnknownIdentity, c.Identity)
	}
	if !rec.Enabled {
		return "", reject(Disabled, c.Identity)
	}
	if g.Directory.EnforceSecrets() && rec.Secret != "" && !secretMatches(rec.Secret, c.Secret) {
		return "", reject(WrongSecret, c.Identity)
	}
	if len(rec.AllowedIPs) > 0 && !addrAllowed(rec.AllowedIPs, clientAddr) {
		return "", reject(IPNotAllowed, c.Identity)
	}
	if rec.MaxConnections > 0 && g.Counter != nil && g.Counter.ActiveConnections(c.Identity) >= rec.MaxConnections {
		return "", reject(ConnectionLimitExceeded, c.Identity)
	}
	return c.Identity, nil
}

// ParseBasic decodes a "Basic base64(identity:secret)" header value.
func ParseBasic(header string) (Credentials, error) {
	scheme, payload, _ := strings.Cut(strings.TrimSpace(header), " ")
	if !strings.EqualFold(scheme, "Basic") {
		return Credentials{}, reject(TypeInvalid, "")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return Credentials{}, reject(CredentialMalformed, "")
	}
	id, secret, ok := strings.Cut(string(raw), ":")
	if !ok {
		return Credentials{}, reject(CredentialMalformed, "")
	}
	return Credentials{Identity: id, Secret: secret}, nil
}

// IsBcryptHash reports whether s looks like a bcrypt hash.
func IsBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

func secretMatches(want, got string) bool {
	if IsBcryptHash(want) {
		return bcrypt.CompareHashAndPassword([]byte(want), []byte(got)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// addrAllowed reports whether the host part of clientAddr matches one of the
// allowed addresses or prefixes.
func addrAllowed(allowed []string, clientAddr string) bool {
	host := clientAddr
	if h, _, err := net.SplitHostPort(clientAddr); err == nil {
		host = h
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	ip = ip.Unmap()

	for _, a := range allowed {
		if strings.Contains(a, "/") {
			if p, err := netip.ParsePrefix(a); err == nil && p.Contains(ip) {
				return true
			}
			continue
		}
		if want, err := netip.ParseAddr(a); err == nil && want.Unmap() == ip {
			return true
		}
	}
	return false
}
