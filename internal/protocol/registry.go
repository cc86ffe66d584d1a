package protocol

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Registry is the pending request table of one connection. Entries are kept
// after the first response because subscriptions keep answering under the
// same request id; only Forget removes them.
type Registry struct {
	mu    sync.RWMutex
	items map[string]Request
	newID func() string
}

func NewRegistry() *Registry {
	return &Registry{
		items: make(map[string]Request),
		newID: uuid.NewString,
	}
}

// NewRequestID returns an id of the form <prefix>-<uuid> that is not in the table yet.
// The prefix is the topic when one is given, else the kind name.
func (r *Registry) NewRequestID(kind Kind, topic string) string {
	prefix := strings.TrimSpace(topic)
	if prefix == "" {
		prefix = kind.String()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for {
		id := prefix + "-" + r.newID()
		if _, taken := r.items[id]; !taken {
			return id
		}
	}
}

func (r *Registry) Record(req Request) {
	key := strings.TrimSpace(req.ID)
	if key == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[key] = req
}

func (r *Registry) Lookup(requestID string) (Request, bool) {
	key := strings.TrimSpace(requestID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	req, ok := r.items[key]
	return req, ok
}

// Forget drops an entry. Reserved for explicit unsubscribe.
func (r *Registry) Forget(requestID string) {
	key := strings.TrimSpace(requestID)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, key)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// List returns the table sorted by request id.
func (r *Registry) List() []Request {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Request, 0, len(r.items))
	for _, item := range r.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) BuildSubscribe(topic string) Request {
	return r.build(KindSubscribe, topic)
}

func (r *Registry) BuildQuery(model string) Request {
	return r.build(KindQuery, model)
}

// BuildKeepAliveResponse returns a fresh, unrecorded request. Nothing answers
// a keepalive response.
func (r *Registry) BuildKeepAliveResponse() Request {
	return Request{
		ID:   r.NewRequestID(KindKeepAliveResponse, ""),
		Kind: KindKeepAliveResponse,
	}
}

func (r *Registry) build(kind Kind, topic string) Request {
	req := Request{
		ID:    r.NewRequestID(kind, topic),
		Kind:  kind,
		Topic: strings.TrimSpace(topic),
	}
	r.Record(req)
	return req
}
