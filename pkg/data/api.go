// Package data exposes the lookup APIs the engine consumes for domains,
// peers, agents, gateways and DIDs.
//
// Every lookup returns a result envelope with an explicit Status so callers
// can tell "no such resource" apart from "the backing service is down".
package data

import "github.com/maniacs-oss/sipio/pkg/model"

// Status is the outcome of a data API lookup.
type Status int

const (
	StatusOK Status = iota
	StatusNotFound
	StatusUnavailable
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not found"
	case StatusUnavailable:
		return "unavailable"
	}
	return "unknown"
}

// DomainResult is the envelope returned by Domains lookups.
type DomainResult struct {
	Status Status
	Domain *model.Domain
}

// PeerResult is the envelope returned by Peers lookups.
type PeerResult struct {
	Status Status
	Peer   *model.Peer
}

// AgentResult is the envelope returned by Agents lookups.
type AgentResult struct {
	Status Status
	Agent  *model.Agent
}

// GatewayResult is the envelope returned by Gateways lookups.
type GatewayResult struct {
	Status  Status
	Gateway *model.Gateway
}

// DIDResult is the envelope returned by DIDs lookups.
type DIDResult struct {
	Status Status
	DID    *model.DID
}

// Domains looks up domains by host name.
type Domains interface {
	GetDomain(host string) DomainResult
}

// Peers looks up peers by username.
type Peers interface {
	GetPeer(username string) PeerResult
}

// Agents looks up agents by (domain host, username).
type Agents interface {
	GetAgent(host, username string) AgentResult
}

// Gateways looks up carrier gateways.
type Gateways interface {
	GetGateway(ref string) GatewayResult
	GetGatewayByHost(host string) GatewayResult
}

// DIDs looks up provisioned numbers by their tel URL.
type DIDs interface {
	GetDIDByTelURL(telURL string) DIDResult
}

// APIs bundles every data service the engine depends on.
type APIs struct {
	Domains  Domains
	Peers    Peers
	Agents   Agents
	Gateways Gateways
	DIDs     DIDs
}
