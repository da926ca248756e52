// Package registrar decides whether a REGISTER request is accepted and, when
// it is, writes the resulting binding into the location store.
package registrar

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/maniacs-oss/sipio/pkg/auth"
	"github.com/maniacs-oss/sipio/pkg/data"
	"github.com/maniacs-oss/sipio/pkg/location"
)

// DefaultExpires applies when neither the Expires header nor the contact's
// expires parameter is present.
const DefaultExpires = 3600

// Service validates REGISTER credentials and persists accepted bindings.
type Service struct {
	store  location.Store
	peers  data.Peers
	agents data.Agents
	log    *slog.Logger
}

// New builds a registrar Service.
func New(store location.Store, peers data.Peers, agents data.Agents, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, peers: peers, agents: agents, log: log}
}

// Register accepts or rejects the REGISTER request. On accept the contact
// binding is stored under the To-header address of record and true is
// returned; any validation failure returns false.
func (s *Service) Register(req *sip.Request) bool {
	contact := req.Contact()
	to := req.To()
	if contact == nil || to == nil {
		return false
	}

	username := auth.CredentialsUsername(req)
	if username == "" {
		return false
	}

	secret, ok := s.subscriberSecret(to.Address.Host, username)
	if !ok {
		s.log.Debug("registration rejected, unknown subscriber",
			slog.String("username", username),
			slog.String("host", to.Address.Host))
		return false
	}
	if !auth.Verify(req, secret) {
		s.log.Debug("registration rejected, digest mismatch",
			slog.String("username", username))
		return false
	}

	expires := Expires(req)
	if expires <= 0 {
		return false
	}

	aor := location.AORKey(to.Address)
	route := location.Route{ContactURI: contact.Address}
	if err := s.store.AddEndpoint(aor, route, time.Duration(expires)*time.Second); err != nil {
		s.log.Error("failed to store binding",
			slog.Any("error", err),
			slog.String("aor", aor))
		return false
	}

	s.log.Info("registered endpoint",
		slog.String("aor", aor),
		slog.String("contact", contact.Address.String()),
		slog.Int("expires", expires))
	return true
}

func (s *Service) subscriberSecret(host, username string) (string, bool) {
	if res := s.peers.GetPeer(username); res.Status == data.StatusOK {
		return res.Peer.Credentials.Secret, true
	}
	if res := s.agents.GetAgent(host, username); res.Status == data.StatusOK {
		return res.Agent.Credentials.Secret, true
	}
	return "", false
}

// Expires returns the effective registration lifetime in seconds: the
// Expires header wins, then the contact's own expires parameter, then
// DefaultExpires.
func Expires(req *sip.Request) int {
	if h := req.GetHeader("Expires"); h != nil {
		if v, err := strconv.Atoi(h.Value()); err == nil {
			return v
		}
	}
	if contact := req.Contact(); contact != nil {
		if v, ok := contact.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return DefaultExpires
}
