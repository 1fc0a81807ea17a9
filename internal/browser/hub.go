package browser

import (
	"sync"

	"tubeprompt/internal/logging"
	"tubeprompt/internal/types"
)

// statusHub fans tab load-status updates out to subscribers.
type statusHub struct {
	mu   sync.RWMutex
	subs map[types.TabID]map[*subscription]struct{}
}

type subscription struct {
	ch chan types.StatusUpdate
}

func newStatusHub() *statusHub {
	return &statusHub{subs: make(map[types.TabID]map[*subscription]struct{})}
}

// subscribe registers a subscriber for id. The returned function removes it
// and closes its channel; calling it more than once is safe.
func (h *statusHub) subscribe(id types.TabID) (*subscription, func()) {
	s := &subscription{ch: make(chan types.StatusUpdate, 8)}
	h.mu.Lock()
	if h.subs[id] == nil {
		h.subs[id] = make(map[*subscription]struct{})
	}
	h.subs[id][s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s, func() {
		once.Do(func() { h.remove(id, s) })
	}
}

func (h *statusHub) remove(id types.TabID, s *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[id]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, id)
	}
	close(s.ch)
}

// send delivers u to one subscriber if it is still registered.
func (h *statusHub) send(s *subscription, u types.StatusUpdate) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.subs[u.TabID][s]; !ok {
		return
	}
	select {
	case s.ch <- u:
	default:
		logging.BrowserDebug("Dropping %s update for tab %s: subscriber is slow", u.Status, u.TabID)
	}
}

// notify delivers u to every subscriber of u.TabID.
func (h *statusHub) notify(u types.StatusUpdate) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[u.TabID] {
		select {
		case s.ch <- u:
		default:
			logging.BrowserDebug("Dropping %s update for tab %s: subscriber is slow", u.Status, u.TabID)
		}
	}
}

// closeTab ends every subscription for id.
func (h *statusHub) closeTab(id types.TabID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[id] {
		close(s.ch)
	}
	delete(h.subs, id)
}

// closeAll ends every subscription.
func (h *statusHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, set := range h.subs {
		for s := range set {
			close(s.ch)
		}
		delete(h.subs, id)
	}
}

func (h *statusHub) count(id types.TabID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[id])
}
