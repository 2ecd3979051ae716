package bridge

import (
	"sort"
	"time"

	"github.com/danmuck/meshctl/internal/protocol/session"
)

// pendingRequest is one request written to the stream and awaiting its reply.
type pendingRequest struct {
	ID     string
	Method string
	Path   string
	SentAt time.Time
	reply  chan *Response
}

// pendingTable maps correlation id to the waiting caller. It has no lock of
// its own; the bridge mutex guards it together with the stream write.
type pendingTable struct {
	items map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{items: make(map[string]*pendingRequest)}
}

func (t *pendingTable) register(req session.Request, at time.Time) *pendingRequest {
	p := &pendingRequest{
		ID:     req.ID,
		Method: req.Method,
		Path:   req.Path,
		SentAt: at,
		reply:  make(chan *Response, 1),
	}
	t.items[req.ID] = p
	return p
}

func (t *pendingTable) has(id string) bool {
	_, ok := t.items[id]
	return ok
}

// take removes and returns the entry for id.
func (t *pendingTable) take(id string) (*pendingRequest, bool) {
	p, ok := t.items[id]
	if ok {
		delete(t.items, id)
	}
	return p, ok
}

// drain empties the table and returns what it held, oldest first.
func (t *pendingTable) drain() []*pendingRequest {
	out := make([]*pendingRequest, 0, len(t.items))
	for _, p := range t.items {
		out = append(out, p)
	}
	t.items = make(map[string]*pendingRequest)
	sort.Slice(out, func(i, j int) bool {
		return out[i].SentAt.Before(out[j].SentAt)
	})
	return out
}

func (t *pendingTable) len() int {
	return len(t.items)
}
