package processor

import (
	"sync"

	"github.com/maniacs-oss/sipio/pkg/transport"
)

// ContextStorage is the concurrent transaction-context store. It maintains
// three indexes updated atomically under one lock: by client transaction
// (response relay), by server-transaction Via branch (CANCEL matching, many
// contexts per branch when the call forked) and by server transaction
// (removal on termination).
type ContextStorage struct {
	mu       sync.RWMutex
	byClient map[transport.ClientTx]*Context
	byBranch map[string][]*Context
	byServer map[transport.ServerTx][]*Context
}

// NewContextStorage returns an empty store.
func NewContextStorage() *ContextStorage {
	return &ContextStorage{
		byClient: make(map[transport.ClientTx]*Context),
		byBranch: make(map[string][]*Context),
		byServer: make(map[transport.ServerTx][]*Context),
	}
}

// Save indexes the context.
func (s *ContextStorage) Save(c *Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byClient[c.ClientTx] = c
	if c.ServerBranch != "" {
		s.byBranch[c.ServerBranch] = append(s.byBranch[c.ServerBranch], c)
	}
	if c.ServerTx != nil {
		s.byServer[c.ServerTx] = append(s.byServer[c.ServerTx], c)
	}
}

// FindByClientTx returns the context owning the client transaction.
func (s *ContextStorage) FindByClientTx(tx transport.ClientTx) (*Context, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byClient[tx]
	return c, ok
}

// FindByBranch returns a snapshot of the contexts whose server-transaction
// branch id matches. Safe to iterate while other calls mutate the store.
func (s *ContextStorage) FindByBranch(branch string) []*Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	contexts := s.byBranch[branch]
	out := make([]*Context, len(contexts))
	copy(out, contexts)
	return out
}

// Remove drops a single context from every index.
func (s *ContextStorage) Remove(c *Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(c)
}

// RemoveByServerTx drops every context owned by the server transaction and
// returns how many were removed. Zero is not an error: the transaction may
// never have produced a context, or a sibling watcher already cleared them.
func (s *ContextStorage) RemoveByServerTx(tx transport.ServerTx) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	contexts := make([]*Context, len(s.byServer[tx]))
	copy(contexts, s.byServer[tx])
	for _, c := range contexts {
		s.remove(c)
	}
	return len(contexts)
}

// Len reports how many contexts are stored.
func (s *ContextStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byClient)
}

func (s *ContextStorage) remove(c *Context) {
	delete(s.byClient, c.ClientTx)
	if c.ServerBranch != "" {
		s.byBranch[c.ServerBranch] = withoutContext(s.byBranch[c.ServerBranch], c)
		if len(s.byBranch[c.ServerBranch]) == 0 {
			delete(s.byBranch, c.ServerBranch)
		}
	}
	if c.ServerTx != nil {
		s.byServer[c.ServerTx] = withoutContext(s.byServer[c.ServerTx], c)
		if len(s.byServer[c.ServerTx]) == 0 {
			delete(s.byServer, c.ServerTx)
		}
	}
}

func withoutContext(contexts []*Context, target *Context) []*Context {
	out := contexts[:0]
	for _, c := range contexts {
		if c != target {
			out = append(out, c)
		}
	}
	return out
}
