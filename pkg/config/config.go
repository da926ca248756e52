// Package config holds the process-wide proxy configuration.
//
// The configuration is built once (by cmd/sipio or by tests), normalized with
// WithDefaults and then passed by value into the engine constructors. Nothing
// in this package reads files or the environment.
package config

import "github.com/maniacs-oss/sipio/pkg/acl"

const (
	// DefaultUserAgent identifies the proxy in outbound requests.
	DefaultUserAgent = "sipio"

	// DefaultRealm is the Digest realm used for challenges when none is set.
	DefaultRealm = "sipio"

	// DefaultBindAddr is the default SIP listening point.
	DefaultBindAddr = "0.0.0.0:5060"

	// DefaultMaxAuthAttempts bounds transparent re-authentication toward
	// a gateway before the challenge response is given up on.
	DefaultMaxAuthAttempts = 5
)

// Config is the immutable engine configuration. It is read-only after
// initialization; no synchronization is needed beyond publish-once.
type Config struct {
	// UserAgent string placed in the User-Agent header of generated requests.
	UserAgent string

	// BindAddr is the host:port the SIP listening point is bound to.
	BindAddr string

	// Transport is the default transport protocol ("udp" or "tcp").
	Transport string

	// ExternalHost is the advertised address when the proxy sits behind NAT.
	// A Route header whose next hop equals this host is treated as
	// addressed to the proxy itself.
	ExternalHost string

	// RecordRoute keeps the proxy in the signaling path of established
	// dialogs by inserting a loose-routing Record-Route header.
	RecordRoute bool

	// AddressInfo lists non-standard header names checked, in order, for a
	// DID sent out-of-band. The first present header overrides the To-based
	// address of record with a tel: URL.
	AddressInfo []string

	// Realm is the Digest realm of challenges issued by the proxy.
	Realm string

	// AccessControlList is the general network ACL combined with each
	// domain's own rules.
	AccessControlList acl.List

	// MaxAuthAttempts bounds re-authentication on 401/407 from upstream.
	MaxAuthAttempts int
}

// WithDefaults returns a copy of c with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.BindAddr == "" {
		c.BindAddr = DefaultBindAddr
	}
	if c.Transport == "" {
		c.Transport = "udp"
	}
	if c.Realm == "" {
		c.Realm = DefaultRealm
	}
	if c.MaxAuthAttempts <= 0 {
		c.MaxAuthAttempts = DefaultMaxAuthAttempts
	}
	return c
}
