package recognizer

import (
	"sync"
	"sync/atomic"
)

// Board keeps the latest result per client. A newer upload replaces the
// previous result; a slow older request finishing late never overwrites a
// newer one.
type Board struct {
	seq atomic.Uint64

	mu         sync.Mutex
	slots      map[string]*slot
	maxClients int
}

type slot struct {
	seq    uint64
	result *Result
}

// NewBoard creates a board that remembers at most maxClients clients; the
// least recently published client is evicted first.
func NewBoard(maxClients int) *Board {
	if maxClients <= 0 {
		maxClients = 1024
	}
	return &Board{slots: make(map[string]*slot), maxClients: maxClients}
}

// Ticket reserves a sequence number. Take it when the request starts.
func (b *Board) Ticket() uint64 {
	return b.seq.Add(1)
}

// Publish stores res for client unless a result from a later ticket is
// already there. It reports whether res was stored.
func (b *Board) Publish(client string, ticket uint64, res *Result) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cur, ok := b.slots[client]; ok {
		if cur.seq > ticket {
			return false
		}
		cur.seq, cur.result = ticket, res
		return true
	}

	if len(b.slots) >= b.maxClients {
		b.evictOldest()
	}
	b.slots[client] = &slot{seq: ticket, result: res}
	return true
}

// Latest returns the current result for client.
func (b *Board) Latest(client string) (*Result, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.slots[client]
	if !ok {
		return nil, false
	}
	return s.result, true
}

// Len is the number of clients with a result.
func (b *Board) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.slots)
}

// evictOldest drops the slot with the lowest sequence. Callers hold b.mu.
func (b *Board) evictOldest() {
	var (
		oldest string
		min    uint64
		found  bool
	)
	for client, s := range b.slots {
		if !found || s.seq < min {
			oldest, min, found = client, s.seq, true
		}
	}
	if found {
		delete(b.slots, oldest)
	}
}
