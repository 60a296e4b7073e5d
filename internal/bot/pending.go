package bot

import (
	"sync"
	"time"

	"tgvidbot/internal/model"

	"github.com/google/uuid"
)

// selection is a probed request waiting for the user to pick a format
type selection struct {
	Request   model.Request
	Info      model.VideoInfo
	MessageID int
	CreatedAt time.Time
}

// pendingStore maps callback tokens to selections. Telegram limits
// callback data to 64 bytes, so buttons carry the token instead of the URL.
type pendingStore struct {
	mu    sync.Mutex
	items map[string]selection
	ttl   time.Duration
	now   func() time.Time
}

func newPendingStore(ttl time.Duration) *pendingStore {
	return &pendingStore{
		items: make(map[string]selection),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Put stores sel and returns its token. Expired selections are dropped on the way.
func (p *pendingStore) Put(sel selection) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for token, item := range p.items {
		if now.Sub(item.CreatedAt) > p.ttl {
			delete(p.items, token)
		}
	}

	sel.CreatedAt = now
	token := uuid.NewString()
	p.items[token] = sel
	return token
}

// Take removes and returns the selection for token. A selection made in
// another chat is left in place.
func (p *pendingStore) Take(token string, chatID int64) (selection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sel, ok := p.items[token]
	if !ok || sel.Request.ChatID != chatID {
		return selection{}, false
	}
	delete(p.items, token)
	if p.now().Sub(sel.CreatedAt) > p.ttl {
		return selection{}, false
	}
	return sel, true
}

// Len returns the number of stored selections
func (p *pendingStore) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}
