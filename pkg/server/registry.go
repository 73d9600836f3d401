package server

import "sync"

// clientConn is the slice of connection behavior the registry needs;
// satisfied by *connection and by test fakes.
type clientConn interface {
	close(code int, reason string)
	sendNew(msgType string, payload any)
}

// Client pairs an authorized connection with the auth data returned by
// the application's OnAuth handler.
type Client struct {
	conn     clientConn
	authData any
}

func (c *Client) AuthData() any {
	return c.authData
}

// Registry is the set of authorized clients. Lookups go through Find,
// which snapshots the matching clients into a Query for chaining:
//
//	srv.Clients().Find(func(c *server.Client) bool {
//	    return c.AuthData().(User).ID == id
//	}).Send("refresh", payload)
type Registry struct {
	mu      sync.Mutex
	clients []*Client
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Add(client *Client) *Registry {
	r.mu.Lock()
	r.clients = append(r.clients, client)
	r.mu.Unlock()
	return r
}

// Find snapshots every client matching predicate. A nil predicate
// matches all clients.
func (r *Registry) Find(predicate func(*Client) bool) *Query {
	r.mu.Lock()
	matched := make([]*Client, 0)
	for _, c := range r.clients {
		if predicate == nil || predicate(c) {
			matched = append(matched, c)
		}
	}
	r.mu.Unlock()
	return &Query{registry: r, matched: matched}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// remove deletes the given clients from the collection. Clients already
// removed are skipped, which makes removal idempotent.
func (r *Registry) remove(clients []*Client) {
	r.mu.Lock()
	kept := r.clients[:0]
	for _, c := range r.clients {
		if !containsClient(clients, c) {
			kept = append(kept, c)
		}
	}
	// Zero the tail so removed clients do not linger in the backing array.
	for i := len(kept); i < len(r.clients); i++ {
		r.clients[i] = nil
	}
	r.clients = kept
	r.mu.Unlock()
}

func containsClient(clients []*Client, target *Client) bool {
	for _, c := range clients {
		if c == target {
			return true
		}
	}
	return false
}

// Query is a snapshot of matched clients. Terminal operations (Exists,
// Current, ToArray) read the snapshot; the rest return the registry for
// chaining.
type Query struct {
	registry *Registry
	matched  []*Client
}

func (q *Query) Exists() bool {
	return len(q.matched) > 0
}

// Current returns the first matched client or nil.
func (q *Query) Current() *Client {
	if len(q.matched) == 0 {
		return nil
	}
	return q.matched[0]
}

func (q *Query) ToArray() []*Client {
	out := make([]*Client, len(q.matched))
	copy(out, q.matched)
	return out
}

// Remove closes every matched connection and deletes the clients from
// the registry. Removing an already-removed client is a no-op.
func (q *Query) Remove() *Registry {
	for _, c := range q.matched {
		c.conn.close(CloseNormal, "")
	}
	q.registry.remove(q.matched)
	return q.registry
}

// Send builds one NewMessage and emits it to every matched client.
func (q *Query) Send(msgType string, payload any) *Registry {
	for _, c := range q.matched {
		c.conn.sendNew(msgType, payload)
	}
	return q.registry
}

// Close closes every matched connection with the given code and reason
// without touching registry membership; the connections' own teardown
// removes them.
func (q *Query) Close(code int, reason string) *Registry {
	for _, c := range q.matched {
		c.conn.close(code, reason)
	}
	return q.registry
}
