package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"tubeprompt/internal/types"
)

// fakeHost is an in-memory TabHost.
type fakeHost struct {
	mu        sync.Mutex
	tabs      []types.Tab
	active    types.Tab
	nextID    int
	createErr error
	queryErr  error
	updateErr error

	// status reported by Update/Create for the returned tab
	resolvedStatus types.TabStatus

	queries int
	updates []string
	creates []string
	subs    map[types.TabID][]chan types.StatusUpdate
	subsMax int
}

func newFakeHost(status types.TabStatus) *fakeHost {
	return &fakeHost{resolvedStatus: status, subs: make(map[types.TabID][]chan types.StatusUpdate)}
}

func (h *fakeHost) Tabs(ctx context.Context, pattern string) ([]types.Tab, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queries++
	if h.queryErr != nil {
		return nil, h.queryErr
	}
	var out []types.Tab
	for _, t := range h.tabs {
		if types.MatchURL(pattern, t.URL) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (h *fakeHost) ActiveTab(ctx context.Context) (types.Tab, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active.ID == "" {
		return types.Tab{}, errors.New("no active tab")
	}
	return h.active, nil
}

func (h *fakeHost) Update(ctx context.Context, id types.TabID, active bool, url string) (types.Tab, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.updateErr != nil {
		return types.Tab{}, h.updateErr
	}
	for i, t := range h.tabs {
		if t.ID == id {
			h.updates = append(h.updates, string(id)+" "+url)
			t.URL = url
			t.Active = active
			t.Status = h.resolvedStatus
			h.tabs[i] = t
			return t, nil
		}
	}
	return types.Tab{}, fmt.Errorf("no tab %s", id)
}

func (h *fakeHost) Create(ctx context.Context, url string, active bool) (types.Tab, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.createErr != nil {
		return types.Tab{}, h.createErr
	}
	h.nextID++
	t := types.Tab{ID: types.TabID(fmt.Sprintf("T%d", h.nextID)), URL: url, Status: h.resolvedStatus, Active: active}
	h.tabs = append(h.tabs, t)
	h.creates = append(h.creates, url)
	return t, nil
}

func (h *fakeHost) Subscribe(id types.TabID) (<-chan types.StatusUpdate, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan types.StatusUpdate, 8)
	h.subs[id] = append(h.subs[id], ch)
	if n := h.subscriptionsLocked(); n > h.subsMax {
		h.subsMax = n
	}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			list := h.subs[id]
			for i, c := range list {
				if c == ch {
					h.subs[id] = append(list[:i], list[i+1:]...)
					break
				}
			}
		})
	}, nil
}

func (h *fakeHost) subscriptionsLocked() int {
	n := 0
	for _, l := range h.subs {
		n += len(l)
	}
	return n
}

func (h *fakeHost) subscriptions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subscriptionsLocked()
}

// emit pushes a status update to every subscriber of id.
func (h *fakeHost) emit(id types.TabID, status types.TabStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[id] {
		ch <- types.StatusUpdate{TabID: id, Status: status}
	}
}

// closeTab closes every subscription channel for id.
func (h *fakeHost) closeTab(id types.TabID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[id] {
		close(ch)
	}
	delete(h.subs, id)
}

type sentMessage struct {
	tab types.TabID
	id  string
}

// fakeMessenger records delivery signals.
type fakeMessenger struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (m *fakeMessenger) Send(ctx context.Context, id types.TabID, msg types.Message) error {
	var p types.DeliverPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if msg.Type != types.MessageDeliverPrompt {
		return fmt.Errorf("unexpected message %s", msg.Type)
	}
	m.sent = append(m.sent, sentMessage{tab: id, id: p.ID})
	return nil
}

func (m *fakeMessenger) messages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage(nil), m.sent...)
}

// sequentialIDs returns r1, r2, ...
func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("r%d", n)
	}
}
