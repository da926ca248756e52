package processor

import (
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maniacs-oss/sipio/pkg/acl"
	"github.com/maniacs-oss/sipio/pkg/config"
	"github.com/maniacs-oss/sipio/pkg/data"
	"github.com/maniacs-oss/sipio/pkg/location"
	"github.com/maniacs-oss/sipio/pkg/model"
	"github.com/maniacs-oss/sipio/pkg/registrar"
)

type testFixture struct {
	proc     *Processor
	provider *mockProvider
	store    *data.Memory
	locStore *location.MemoryStore
}

func newTestFixture(t *testing.T, cfg config.Config) *testFixture {
	t.Helper()

	store := data.NewMemory()
	store.AddDomain(&model.Domain{DomainURI: "sip.local"})
	store.AddPeer(&model.Peer{
		Name:        "Alice",
		Credentials: model.Credentials{Username: "alice", Secret: "1234"},
	})
	store.AddAgent(&model.Agent{
		Name:        "Bob",
		Domains:     []string{"sip.local"},
		Credentials: model.Credentials{Username: "bob", Secret: "4321"},
	})
	store.AddGateway(&model.Gateway{
		Ref:         "gw1",
		Host:        "sp.provider.net",
		Credentials: model.Credentials{Username: "trunk01", Secret: "gwsecret"},
	})
	store.AddDID(&model.DID{
		Ref:     "did1",
		GwRef:   "gw1",
		TelURL:  "tel:17066041487",
		AORLink: "sip:1001@sip.local",
	})

	locStore := location.NewMemoryStore()
	t.Cleanup(func() { locStore.Close() })
	apis := store.APIs()
	resolver := location.NewResolver(locStore, apis.DIDs, apis.Gateways)

	provider := newMockProvider()
	proc := New(cfg, Deps{
		Provider:  provider,
		Location:  resolver,
		Registrar: registrar.New(locStore, apis.Peers, apis.Agents, nil),
		Data:      apis,
	})
	t.Cleanup(proc.Close)

	return &testFixture{proc: proc, provider: provider, store: store, locStore: locStore}
}

func (f *testFixture) addBinding(t *testing.T, aor, contact string) {
	t.Helper()
	var uri sip.Uri
	require.NoError(t, sip.ParseUri(contact, &uri))
	require.NoError(t, f.locStore.AddEndpoint(aor, location.Route{ContactURI: uri}, time.Hour))
}

func TestForwardInviteToRegisteredEndpoint(t *testing.T) {
	f := newTestFixture(t, config.Config{})
	f.addBinding(t, "sip:bob@sip.local", "sip:bob@192.168.1.20:5062")

	req := newTestRequest(sip.INVITE, "alice", "sip.local", "bob", "sip.local")
	authorize(req, config.DefaultRealm, "alice", "1234")
	tx := newMockServerTx()

	f.proc.HandleRequest(req, tx)

	sent := f.provider.sentRequests()
	require.Len(t, sent, 1)
	out := sent[0]

	assert.Equal(t, sip.INVITE, out.Method)
	assert.Equal(t, "192.168.1.20", out.Recipient.Host)
	assert.Equal(t, "192.168.1.20:5062", out.Destination())

	via := out.Via()
	require.NotNil(t, via)
	assert.Equal(t, "10.0.0.1", via.Host, "topmost Via must be ours")
	_, hasRport := via.Params.Get("rport")
	assert.True(t, hasRport)
	branch, hasBranch := via.Params.Get("branch")
	assert.True(t, hasBranch)
	assert.NotEqual(t, branchOf(req), branch, "outbound branch must be fresh")

	mf := out.MaxForwards()
	require.NotNil(t, mf)
	assert.Equal(t, uint32(69), mf.Val())

	assert.Equal(t, 1, f.proc.Storage().Len())
	assert.Empty(t, tx.sent(), "no final response while the branch is pending")
}

func TestExhaustedMaxForwardsDoesNotWrap(t *testing.T) {
	f := newTestFixture(t, config.Config{})
	f.addBinding(t, "sip:bob@sip.local", "sip:bob@192.168.1.20:5062")

	req := newTestRequest(sip.INVITE, "alice", "sip.local", "bob", "sip.local")
	req.RemoveHeader("Max-Forwards")
	maxFwd := sip.MaxForwardsHeader(0)
	req.AppendHeader(&maxFwd)
	authorize(req, config.DefaultRealm, "alice", "1234")
	tx := newMockServerTx()

	f.proc.HandleRequest(req, tx)

	sent := f.provider.sentRequests()
	require.Len(t, sent, 1)
	mf := sent[0].MaxForwards()
	require.NotNil(t, mf)
	assert.Equal(t, uint32(0), mf.Val(), "an exhausted counter stays exhausted")
}

func TestForkCreatesOneContextPerBranch(t *testing.T) {
	f := newTestFixture(t, config.Config{})
	f.addBinding(t, "sip:bob@sip.local", "sip:bob@192.168.1.20:5062")
	f.addBinding(t, "sip:bob@sip.local", "sip:bob@192.168.1.21:5064")

	req := newTestRequest(sip.INVITE, "alice", "sip.local", "bob", "sip.local")
	authorize(req, config.DefaultRealm, "alice", "1234")
	tx := newMockServerTx()

	f.proc.HandleRequest(req, tx)

	sent := f.provider.sentRequests()
	require.Len(t, sent, 2)
	assert.Equal(t, 2, f.proc.Storage().Len())

	b1, _ := sent[0].Via().Params.Get("branch")
	b2, _ := sent[1].Via().Params.Get("branch")
	assert.NotEqual(t, b1, b2, "each fork branch needs its own Via branch")

	for _, entry := range f.proc.Storage().FindByBranch(branchOf(req)) {
		assert.Same(t, tx, entry.ServerTx)
	}
}

func TestFailedBranchDoesNotBlockSiblings(t *testing.T) {
	f := newTestFixture(t, config.Config{})
	f.addBinding(t, "sip:bob@sip.local", "sip:bob@192.168.1.20:5062")
	f.addBinding(t, "sip:bob@sip.local", "sip:bob@192.168.1.99:5060")
	f.provider.failFor["192.168.1.99"] = assert.AnError

	req := newTestRequest(sip.INVITE, "alice", "sip.local", "bob", "sip.local")
	authorize(req, config.DefaultRealm, "alice", "1234")
	tx := newMockServerTx()

	f.proc.HandleRequest(req, tx)

	require.Len(t, f.provider.sentRequests(), 1)
	assert.Equal(t, "192.168.1.20", f.provider.sentRequests()[0].Recipient.Host)
	assert.Equal(t, 1, f.proc.Storage().Len())
}

func TestNoRoutesYields480(t *testing.T) {
	f := newTestFixture(t, config.Config{})

	req := newTestRequest(sip.INVITE, "alice", "sip.local", "nobody", "sip.local")
	authorize(req, config.DefaultRealm, "alice", "1234")
	tx := newMockServerTx()

	f.proc.HandleRequest(req, tx)

	assert.Equal(t, 480, tx.lastStatus())
	assert.Empty(t, f.provider.sentRequests())
	assert.Equal(t, 0, f.proc.Storage().Len())
}

func TestMissingCredentialsChallenged(t *testing.T) {
	f := newTestFixture(t, config.Config{})
	f.addBinding(t, "sip:bob@sip.local", "sip:bob@192.168.1.20:5062")

	req := newTestRequest(sip.INVITE, "alice", "sip.local", "bob", "sip.local")
	tx := newMockServerTx()

	f.proc.HandleRequest(req, tx)

	sent := tx.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, 407, sent[0].StatusCode)
	assert.NotNil(t, sent[0].GetHeader("Proxy-Authenticate"))
	assert.Empty(t, f.provider.sentRequests())
}

func TestWrongSecretChallenged(t *testing.T) {
	f := newTestFixture(t, config.Config{})

	req := newTestRequest(sip.INVITE, "alice", "sip.local", "bob", "sip.local")
	authorize(req, config.DefaultRealm, "alice", "wrong")
	tx := newMockServerTx()

	f.proc.HandleRequest(req, tx)

	assert.Equal(t, 407, tx.lastStatus())
}

func TestUnknownCallerForbidden(t *testing.T) {
	f := newTestFixture(t, config.Config{})

	req := newTestRequest(sip.INVITE, "mallory", "sip.local", "bob", "sip.local")
	authorize(req, config.DefaultRealm, "mallory", "1234")
	tx := newMockServerTx()

	f.proc.HandleRequest(req, tx)

	assert.Equal(t, 403, tx.lastStatus())
	assert.Empty(t, f.provider.sentRequests())
}

func TestDomainACLRejectsBeforeResolution(t *testing.T) {
	f := newTestFixture(t, config.Config{})
	f.store.AddDomain(&model.Domain{
		DomainURI:         "sip.local",
		AccessControlList: acl.List{Deny: []string{"0.0.0.0/0"}},
	})
	f.addBinding(t, "sip:bob@sip.local", "sip:bob@192.168.1.20:5062")

	req := newTestRequest(sip.INVITE, "alice", "sip.local", "bob", "sip.local")
	authorize(req, config.DefaultRealm, "alice", "1234")
	tx := newMockServerTx()

	f.proc.HandleRequest(req, tx)

	assert.Equal(t, 401, tx.lastStatus())
	assert.Empty(t, f.provider.sentRequests())
}

func TestAckForwardedStatelessly(t *testing.T) {
	f := newTestFixture(t, config.Config{})
	f.addBinding(t, "sip:bob@sip.local", "sip:bob@192.168.1.20:5062")

	req := newTestRequest(sip.ACK, "alice", "sip.local", "bob", "sip.local")

	f.proc.HandleRequest(req, nil)

	assert.Empty(t, f.provider.sentRequests(), "ACK must not open a client transaction")
	require.Len(t, f.provider.statelessRequests(), 1)
	assert.Equal(t, sip.ACK, f.provider.statelessRequests()[0].Method)
	assert.Equal(t, 0, f.proc.Storage().Len())
}

func TestEgressThroughGateway(t *testing.T) {
	f := newTestFixture(t, config.Config{})

	req := newTestRequest(sip.INVITE, "alice", "sip.local", "17066041487", "sip.local")
	authorize(req, config.DefaultRealm, "alice", "1234")
	tx := newMockServerTx()

	f.proc.HandleRequest(req, tx)

	sent := f.provider.sentRequests()
	require.Len(t, sent, 1)
	out := sent[0]

	assert.Equal(t, "sp.provider.net", out.Recipient.Host)

	from := out.From()
	require.NotNil(t, from)
	assert.Equal(t, "trunk01", from.Address.User)
	assert.Equal(t, "sp.provider.net", from.Address.Host)
	assert.Equal(t, "17066041487", from.DisplayName)

	to := out.To()
	require.NotNil(t, to)
	assert.Equal(t, "17066041487", to.Address.User)
	assert.Equal(t, "sp.provider.net", to.Address.Host)

	gwRef := out.GetHeader("GwRef")
	require.NotNil(t, gwRef)
	assert.Equal(t, "gw1", gwRef.Value())
}

func TestInboundDIDResolvesThroughAORLink(t *testing.T) {
	f := newTestFixture(t, config.Config{AddressInfo: []string{"X-DID-Info"}})
	f.addBinding(t, "sip:1001@sip.local", "sip:1001@192.168.1.30:5060")

	req := newTestRequest(sip.INVITE, "alice", "sip.local", "17066041487", "sip.local")
	req.AppendHeader(sip.NewHeader("X-DID-Info", "tel:17066041487"))
	authorize(req, config.DefaultRealm, "alice", "1234")
	tx := newMockServerTx()

	f.proc.HandleRequest(req, tx)

	sent := f.provider.sentRequests()
	require.Len(t, sent, 1)
	assert.Equal(t, "192.168.1.30", sent[0].Recipient.Host)
}

func TestRecordRouteAdded(t *testing.T) {
	f := newTestFixture(t, config.Config{RecordRoute: true})
	f.addBinding(t, "sip:bob@sip.local", "sip:bob@192.168.1.20:5062")

	req := newTestRequest(sip.INVITE, "alice", "sip.local", "bob", "sip.local")
	authorize(req, config.DefaultRealm, "alice", "1234")

	f.proc.HandleRequest(req, newMockServerTx())

	sent := f.provider.sentRequests()
	require.Len(t, sent, 1)
	rr, ok := sent[0].GetHeader("Record-Route").(*sip.RecordRouteHeader)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", rr.Address.Host)
	_, hasLR := rr.Address.UriParams.Get("lr")
	assert.True(t, hasLR)
}

func TestOwnRouteHeaderConsumed(t *testing.T) {
	f := newTestFixture(t, config.Config{})
	f.addBinding(t, "sip:bob@sip.local", "sip:bob@192.168.1.20:5062")

	req := newTestRequest(sip.INVITE, "alice", "sip.local", "bob", "sip.local")
	req.AppendHeader(&sip.RouteHeader{Address: sip.Uri{Scheme: "sip", Host: "10.0.0.1"}})
	authorize(req, config.DefaultRealm, "alice", "1234")

	f.proc.HandleRequest(req, newMockServerTx())

	sent := f.provider.sentRequests()
	require.Len(t, sent, 1)
	assert.Nil(t, sent[0].GetHeader("Route"))
}

func TestContextsRemovedOnServerTxTermination(t *testing.T) {
	f := newTestFixture(t, config.Config{})
	f.addBinding(t, "sip:bob@sip.local", "sip:bob@192.168.1.20:5062")
	f.addBinding(t, "sip:bob@sip.local", "sip:bob@192.168.1.21:5064")

	req := newTestRequest(sip.INVITE, "alice", "sip.local", "bob", "sip.local")
	authorize(req, config.DefaultRealm, "alice", "1234")
	tx := newMockServerTx()

	f.proc.HandleRequest(req, tx)
	require.Equal(t, 2, f.proc.Storage().Len())

	tx.terminate()

	assert.Eventually(t, func() bool {
		return f.proc.Storage().Len() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestContextRemovedOnClientTxTermination(t *testing.T) {
	f := newTestFixture(t, config.Config{})
	f.addBinding(t, "sip:bob@sip.local", "sip:bob@192.168.1.20:5062")

	req := newTestRequest(sip.INVITE, "alice", "sip.local", "bob", "sip.local")
	authorize(req, config.DefaultRealm, "alice", "1234")
	f.proc.HandleRequest(req, newMockServerTx())
	require.Equal(t, 1, f.proc.Storage().Len())

	f.provider.sentTransactions()[0].Terminate()

	assert.Eventually(t, func() bool {
		return f.proc.Storage().Len() == 0
	}, time.Second, 10*time.Millisecond)
}
