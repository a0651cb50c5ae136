package relay

import "sync"

type result struct {
	resp *Response
	err  error
}

type pendingRequest struct {
	conn *Conn
	// done is buffered so the resolver never blocks.
	done chan result
}

// pendingTable correlates request ids with waiting Proxy calls. Whoever
// removes an entry from the map owns its single resolution.
type pendingTable struct {
	mu sync.Mutex
	m  map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{m: make(map[string]*pendingRequest)}
}

func (t *pendingTable) add(id string, c *Conn) *pendingRequest {
	p := &pendingRequest{conn: c, done: make(chan result, 1)}
	t.mu.Lock()
	t.m[id] = p
	t.mu.Unlock()
	return p
}

func (t *pendingTable) take(id string) (*pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.m[id]
	if ok {
		delete(t.m, id)
	}
	return p, ok
}

// resolve delivers res to the waiter of id. Unknown or already resolved ids
// return false.
func (t *pendingTable) resolve(id string, res result) bool {
	p, ok := t.take(id)
	if !ok {
		return false
	}
	p.done <- res
	return true
}

// remove drops id without resolving it.
func (t *pendingTable) remove(id string) bool {
	_, ok := t.take(id)
	return ok
}

// failConn resolves every request sent on c with err.
func (t *pendingTable) failConn(c *Conn, err error) int {
	t.mu.Lock()
	var failed []*pendingRequest
	for id, p := range t.m {
		if p.conn == c {
			delete(t.m, id)
			failed = append(failed, p)
		}
	}
	t.mu.Unlock()

	for _, p := range failed {
		p.done <- result{err: err}
	}
	return len(failed)
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
