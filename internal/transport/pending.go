package transport

import (
	"sync"
	"time"

	"github.com/danmuck/netwire/internal/protocol"
)

// pendingRequest correlates one outbound request id with its eventual
// response. Completion is single-writer: only the goroutine that
// receives the matching response packet marks it completed.
type pendingRequest struct {
	id        uint32
	endpoint  *Endpoint
	createdAt time.Time
	timeout   time.Duration
	completed bool
	response  *protocol.Message
}

// pendingTable stores in-flight requests keyed by request id under its
// own lock.
type pendingTable struct {
	mu    sync.Mutex
	items map[uint32]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{items: make(map[uint32]*pendingRequest)}
}

func (t *pendingTable) add(id uint32, ep *Endpoint, timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items[id] = &pendingRequest{
		id:        id,
		endpoint:  ep,
		createdAt: time.Now(),
		timeout:   timeout,
	}
}

// complete stores the response for id. A response whose entry was
// already removed (timed out, endpoint dropped) is discarded, never
// applied retroactively.
func (t *pendingTable) complete(id uint32, resp *protocol.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.items[id]
	if !ok || req.completed {
		return false
	}
	req.completed = true
	req.response = resp
	return true
}

// takeCompleted removes and returns the response for id if it has
// arrived.
func (t *pendingTable) takeCompleted(id uint32) (*protocol.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.items[id]
	if !ok || !req.completed {
		return nil, false
	}
	delete(t.items, id)
	return req.response, true
}

// remove drops the entry for id, reporting whether it existed.
func (t *pendingTable) remove(id uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.items[id]
	delete(t.items, id)
	return ok
}

// expire removes entries whose individual deadlines have elapsed and
// returns their ids.
func (t *pendingTable) expire(now time.Time) []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []uint32
	for id, req := range t.items {
		if req.completed {
			continue
		}
		if now.Sub(req.createdAt) >= req.timeout {
			delete(t.items, id)
			expired = append(expired, id)
		}
	}
	return expired
}

// dropEndpoint discards every request bound to ep. Pending requests
// never outlive the endpoint they were sent on.
func (t *pendingTable) dropEndpoint(ep *Endpoint) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	dropped := 0
	for id, req := range t.items {
		if req.endpoint == ep {
			delete(t.items, id)
			dropped++
		}
	}
	return dropped
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}
