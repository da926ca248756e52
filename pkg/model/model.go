// Package model defines the resource entities served by the data APIs:
// domains, peers, agents, gateways and DIDs. The engine fetches these
// through pkg/data and never persists them itself.
package model

import "github.com/maniacs-oss/sipio/pkg/acl"

// Credentials is the shared secret a subscriber or gateway authenticates with.
type Credentials struct {
	Username string
	Secret   string
}

// Peer is a trunk-style subscriber identified by username alone, typically
// a media server or another proxy on a static address.
type Peer struct {
	Name        string
	Device      string
	Credentials Credentials
}

// Agent is an end-user subscriber that belongs to one or more domains.
type Agent struct {
	Name        string
	Domains     []string
	Credentials Credentials
}

// Domain owns an access-control policy for the hosts allowed to call into it.
type Domain struct {
	DomainURI         string
	AccessControlList acl.List
}

// Gateway is a carrier egress target. Requests routed through a gateway get
// their From/To identities rewritten to the gateway account.
type Gateway struct {
	Ref         string
	Host        string
	Transport   string
	Credentials Credentials
}

// DID is a provisioned carrier number. AORLink points at the address of
// record whose registered endpoints receive inbound calls for the number.
type DID struct {
	Ref     string
	GwRef   string
	TelURL  string
	AORLink string
}

// Subscriber is the resolved caller identity used for authentication,
// either a peer or an agent.
type Subscriber struct {
	Kind        SubscriberKind
	Credentials Credentials
}

// SubscriberKind discriminates the origin of a Subscriber.
type SubscriberKind int

const (
	SubscriberPeer SubscriberKind = iota
	SubscriberAgent
)

func (k SubscriberKind) String() string {
	switch k {
	case SubscriberPeer:
		return "peer"
	case SubscriberAgent:
		return "agent"
	}
	return "unknown"
}
