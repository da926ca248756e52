package data

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/maniacs-oss/sipio/pkg/model"
)

// Memory is an in-memory implementation of every data API. It is safe for
// concurrent use and is seeded either programmatically or from a bootstrap
// JSON document.
type Memory struct {
	mu       sync.RWMutex
	domains  map[string]*model.Domain  // host -> domain
	peers    map[string]*model.Peer    // username -> peer
	agents   map[string]*model.Agent   // host/username -> agent
	gateways map[string]*model.Gateway // ref -> gateway
	dids     map[string]*model.DID     // tel url -> did
}

// NewMemory returns an empty in-memory data store.
func NewMemory() *Memory {
	return &Memory{
		domains:  make(map[string]*model.Domain),
		peers:    make(map[string]*model.Peer),
		agents:   make(map[string]*model.Agent),
		gateways: make(map[string]*model.Gateway),
		dids:     make(map[string]*model.DID),
	}
}

// APIs returns the store wired into an APIs bundle.
func (m *Memory) APIs() APIs {
	return APIs{Domains: m, Peers: m, Agents: m, Gateways: m, DIDs: m}
}

func (m *Memory) AddDomain(d *model.Domain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domains[strings.ToLower(d.DomainURI)] = d
}

func (m *Memory) AddPeer(p *model.Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[p.Credentials.Username] = p
}

func (m *Memory) AddAgent(a *model.Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, host := range a.Domains {
		m.agents[agentKey(host, a.Credentials.Username)] = a
	}
}

func (m *Memory) AddGateway(gw *model.Gateway) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gateways[gw.Ref] = gw
}

func (m *Memory) AddDID(d *model.DID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dids[d.TelURL] = d
}

func (m *Memory) GetDomain(host string) DomainResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.domains[strings.ToLower(host)]; ok {
		return DomainResult{Status: StatusOK, Domain: d}
	}
	return DomainResult{Status: StatusNotFound}
}

func (m *Memory) GetPeer(username string) PeerResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.peers[username]; ok {
		return PeerResult{Status: StatusOK, Peer: p}
	}
	return PeerResult{Status: StatusNotFound}
}

func (m *Memory) GetAgent(host, username string) AgentResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.agents[agentKey(host, username)]; ok {
		return AgentResult{Status: StatusOK, Agent: a}
	}
	return AgentResult{Status: StatusNotFound}
}

func (m *Memory) GetGateway(ref string) GatewayResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if gw, ok := m.gateways[ref]; ok {
		return GatewayResult{Status: StatusOK, Gateway: gw}
	}
	return GatewayResult{Status: StatusNotFound}
}

func (m *Memory) GetGatewayByHost(host string) GatewayResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, gw := range m.gateways {
		if strings.EqualFold(gw.Host, host) {
			return GatewayResult{Status: StatusOK, Gateway: gw}
		}
	}
	return GatewayResult{Status: StatusNotFound}
}

func (m *Memory) GetDIDByTelURL(telURL string) DIDResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.dids[telURL]; ok {
		return DIDResult{Status: StatusOK, DID: d}
	}
	return DIDResult{Status: StatusNotFound}
}

func agentKey(host, username string) string {
	return strings.ToLower(host) + "/" + username
}

// Bootstrap is the JSON document cmd/sipio seeds the store from. This is
// resource provisioning, not engine configuration.
type Bootstrap struct {
	Domains  []bootstrapDomain  `json:"domains"`
	Peers    []bootstrapPeer    `json:"peers"`
	Agents   []bootstrapAgent   `json:"agents"`
	Gateways []bootstrapGateway `json:"gateways"`
	DIDs     []bootstrapDID     `json:"dids"`
}

type bootstrapDomain struct {
	DomainURI string   `json:"domainUri"`
	Allow     []string `json:"allow"`
	Deny      []string `json:"deny"`
}

type bootstrapPeer struct {
	Name     string `json:"name"`
	Device   string `json:"device"`
	Username string `json:"username"`
	Secret   string `json:"secret"`
}

type bootstrapAgent struct {
	Name     string   `json:"name"`
	Domains  []string `json:"domains"`
	Username string   `json:"username"`
	Secret   string   `json:"secret"`
}

type bootstrapGateway struct {
	Ref       string `json:"ref"`
	Host      string `json:"host"`
	Transport string `json:"transport"`
	Username  string `json:"username"`
	Secret    string `json:"secret"`
}

type bootstrapDID struct {
	Ref     string `json:"ref"`
	GwRef   string `json:"gwRef"`
	TelURL  string `json:"telUrl"`
	AORLink string `json:"aorLink"`
}

// LoadBootstrap decodes a bootstrap document and seeds the store with it.
func (m *Memory) LoadBootstrap(r io.Reader) error {
	var doc Bootstrap
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return fmt.Errorf("decode bootstrap: %w", err)
	}
	for _, d := range doc.Domains {
		dom := &model.Domain{DomainURI: d.DomainURI}
		dom.AccessControlList.Allow = d.Allow
		dom.AccessControlList.Deny = d.Deny
		m.AddDomain(dom)
	}
	for _, p := range doc.Peers {
		m.AddPeer(&model.Peer{
			Name:        p.Name,
			Device:      p.Device,
			Credentials: model.Credentials{Username: p.Username, Secret: p.Secret},
		})
	}
	for _, a := range doc.Agents {
		m.AddAgent(&model.Agent{
			Name:        a.Name,
			Domains:     a.Domains,
			Credentials: model.Credentials{Username: a.Username, Secret: a.Secret},
		})
	}
	for _, gw := range doc.Gateways {
		m.AddGateway(&model.Gateway{
			Ref:         gw.Ref,
			Host:        gw.Host,
			Transport:   gw.Transport,
			Credentials: model.Credentials{Username: gw.Username, Secret: gw.Secret},
		})
	}
	for _, d := range doc.DIDs {
		m.AddDID(&model.DID{Ref: d.Ref, GwRef: d.GwRef, TelURL: d.TelURL, AORLink: d.AORLink})
	}
	return nil
}
