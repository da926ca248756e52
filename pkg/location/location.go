// Package location maps an address of record to the routes a request for it
// should be forwarded on.
//
// Registered endpoints live in a Store (in-memory or Redis backed) as
// expiring bindings; numbers provisioned on carrier gateways resolve to
// egress routes built from the DID and gateway tables. A resolution yielding
// no routes is the caller's signal for 480 Temporarily Unavailable.
package location

import (
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/maniacs-oss/sipio/pkg/data"
)

// Route is a resolved forwarding target. Immutable once returned.
type Route struct {
	ContactURI sip.Uri

	// ThruGw marks a carrier egress route. The remaining fields are only
	// meaningful when it is set.
	ThruGw     bool
	GwRef      string
	GwHost     string
	GwUsername string
	DID        string
}

// Store keeps registration bindings keyed by address of record. A single
// AOR may hold several bindings at once (one per registered device), which
// is what produces forked calls.
type Store interface {
	// AddEndpoint registers a binding for aor, replacing any binding with
	// the same contact URI.
	AddEndpoint(aor string, route Route, expires time.Duration) error

	// FindEndpoint returns the unexpired bindings for aor, possibly empty.
	FindEndpoint(aor string) ([]Route, error)

	// RemoveEndpoint drops every binding for aor.
	RemoveEndpoint(aor string) error

	// RemoveEndpointContact drops only the binding with the given contact.
	RemoveEndpointContact(aor string, contactURI string) error

	// Close releases any background resources held by the store.
	Close() error
}

type binding struct {
	route     Route
	expiresAt time.Time
}

// MemoryStore is the default in-process Store. Expired bindings are skipped
// on read and reaped by a background ticker.
type MemoryStore struct {
	mu       sync.RWMutex
	bindings map[string]map[string]binding // aor -> contact -> binding

	cleanup *time.Ticker
	done    chan struct{}
}

const cleanupInterval = 30 * time.Second

// NewMemoryStore returns a started MemoryStore.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		bindings: make(map[string]map[string]binding),
		cleanup:  time.NewTicker(cleanupInterval),
		done:     make(chan struct{}),
	}
	go s.reapLoop()
	return s
}

func (s *MemoryStore) AddEndpoint(aor string, route Route, expires time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	contacts, ok := s.bindings[aor]
	if !ok {
		contacts = make(map[string]binding)
		s.bindings[aor] = contacts
	}
	contacts[route.ContactURI.String()] = binding{
		route:     route,
		expiresAt: time.Now().Add(expires),
	}
	return nil
}

func (s *MemoryStore) FindEndpoint(aor string) ([]Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var routes []Route
	now := time.Now()
	for _, b := range s.bindings[aor] {
		if b.expiresAt.After(now) {
			routes = append(routes, b.route)
		}
	}
	return routes, nil
}

func (s *MemoryStore) RemoveEndpoint(aor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, aor)
	return nil
}

func (s *MemoryStore) RemoveEndpointContact(aor string, contactURI string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if contacts, ok := s.bindings[aor]; ok {
		delete(contacts, contactURI)
		if len(contacts) == 0 {
			delete(s.bindings, aor)
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.cleanup.Stop()
	close(s.done)
	return nil
}

func (s *MemoryStore) reapLoop() {
	for {
		select {
		case <-s.done:
			return
		case now := <-s.cleanup.C:
			s.reap(now)
		}
	}
}

func (s *MemoryStore) reap(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for aor, contacts := range s.bindings {
		for contact, b := range contacts {
			if !b.expiresAt.After(now) {
				delete(contacts, contact)
			}
		}
		if len(contacts) == 0 {
			delete(s.bindings, aor)
		}
	}
}

// Service is the location collaborator the engine consumes.
type Service interface {
	FindEndpoint(aor sip.Uri) ([]Route, error)
	RemoveEndpoint(aor sip.Uri) error
	RemoveEndpointContact(aor sip.Uri, contactURI string) error
}

// Resolver implements Service over a binding Store plus the DID and gateway
// tables, in that order:
//
//  1. a tel: AOR linked to a DID resolves to the bindings of the DID's
//     linked address of record (inbound carrier traffic);
//  2. a sip: AOR with registered bindings resolves to those bindings;
//  3. a sip: AOR whose user part is a provisioned number resolves to an
//     egress route through the number's gateway.
type Resolver struct {
	store    Store
	dids     data.DIDs
	gateways data.Gateways
}

// NewResolver builds a Resolver.
func NewResolver(store Store, dids data.DIDs, gateways data.Gateways) *Resolver {
	return &Resolver{store: store, dids: dids, gateways: gateways}
}

func (r *Resolver) FindEndpoint(aor sip.Uri) ([]Route, error) {
	if aor.Scheme == "tel" {
		res := r.dids.GetDIDByTelURL("tel:" + aor.User)
		if res.Status != data.StatusOK || res.DID.AORLink == "" {
			return nil, nil
		}
		return r.store.FindEndpoint(res.DID.AORLink)
	}

	routes, err := r.store.FindEndpoint(AORKey(aor))
	if err != nil {
		return nil, err
	}
	if len(routes) > 0 {
		return routes, nil
	}

	return r.egressRoute(aor), nil
}

func (r *Resolver) RemoveEndpoint(aor sip.Uri) error {
	return r.store.RemoveEndpoint(AORKey(aor))
}

func (r *Resolver) RemoveEndpointContact(aor sip.Uri, contactURI string) error {
	return r.store.RemoveEndpointContact(AORKey(aor), contactURI)
}

// egressRoute builds a gateway route for a callee that looks like a
// provisioned number, or nil when no DID matches.
func (r *Resolver) egressRoute(aor sip.Uri) []Route {
	res := r.dids.GetDIDByTelURL("tel:" + aor.User)
	if res.Status != data.StatusOK {
		return nil
	}
	gw := r.gateways.GetGateway(res.DID.GwRef)
	if gw.Status != data.StatusOK {
		return nil
	}
	return []Route{{
		ContactURI: sip.Uri{Scheme: "sip", User: aor.User, Host: gw.Gateway.Host},
		ThruGw:     true,
		GwRef:      gw.Gateway.Ref,
		GwHost:     gw.Gateway.Host,
		GwUsername: gw.Gateway.Credentials.Username,
		DID:        strings.TrimPrefix(res.DID.TelURL, "tel:"),
	}}
}

// AORKey canonicalizes an address of record for use as a storage key. The
// user part is case sensitive per RFC 3261, the host is not.
func AORKey(aor sip.Uri) string {
	scheme := aor.Scheme
	if scheme == "" {
		scheme = "sip"
	}
	if aor.User == "" {
		return scheme + ":" + strings.ToLower(aor.Host)
	}
	if aor.Host == "" {
		return scheme + ":" + aor.User
	}
	return scheme + ":" + aor.User + "@" + strings.ToLower(aor.Host)
}
