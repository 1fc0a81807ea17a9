package browser

import (
	"context"
	"testing"
	"time"

	"tubeprompt/internal/config"
	"tubeprompt/internal/settings"
	"tubeprompt/internal/store"
	"tubeprompt/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func recv(t *testing.T, ch <-chan types.StatusUpdate) (types.StatusUpdate, bool) {
	t.Helper()
	select {
	case u, ok := <-ch:
		return u, ok
	case <-time.After(time.Second):
		t.Fatal("no update received")
		return types.StatusUpdate{}, false
	}
}

func TestStatusHub_NotifyReachesOnlyThatTab(t *testing.T) {
	hub := newStatusHub()
	a, unsubA := hub.subscribe("a")
	b, unsubB := hub.subscribe("b")
	defer unsubA()
	defer unsubB()

	hub.notify(types.StatusUpdate{TabID: "a", Status: types.TabComplete})

	u, ok := recv(t, a.ch)
	require.True(t, ok)
	assert.Equal(t, types.TabComplete, u.Status)
	assert.Empty(t, b.ch)
}

func TestStatusHub_UnsubscribeClosesOnce(t *testing.T) {
	hub := newStatusHub()
	s, unsub := hub.subscribe("a")
	unsub()
	unsub()

	_, ok := <-s.ch
	assert.False(t, ok)
	assert.Zero(t, hub.count("a"))

	// Updates after unsubscribe must not panic on the closed channel.
	hub.notify(types.StatusUpdate{TabID: "a", Status: types.TabLoading})
	hub.send(s, types.StatusUpdate{TabID: "a", Status: types.TabComplete})
}

func TestStatusHub_CloseTabEndsSubscriptions(t *testing.T) {
	hub := newStatusHub()
	s1, unsub1 := hub.subscribe("a")
	s2, _ := hub.subscribe("a")
	other, unsubOther := hub.subscribe("b")
	defer unsubOther()

	hub.closeTab("a")
	_, ok1 := <-s1.ch
	_, ok2 := <-s2.ch
	assert.False(t, ok1)
	assert.False(t, ok2)
	assert.Equal(t, 1, hub.count("b"))

	unsub1() // safe after closeTab
	hub.notify(types.StatusUpdate{TabID: "b", Status: types.TabComplete})
	_, ok := recv(t, other.ch)
	assert.True(t, ok)
}

func TestStatusHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := newStatusHub()
	s, unsub := hub.subscribe("a")
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < cap(s.ch)*2; i++ {
			hub.notify(types.StatusUpdate{TabID: "a", Status: types.TabLoading})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("notify blocked on a full subscriber")
	}
	assert.Len(t, s.ch, cap(s.ch))
}

func TestStatusHub_CloseAll(t *testing.T) {
	hub := newStatusHub()
	a, _ := hub.subscribe("a")
	b, _ := hub.subscribe("b")
	hub.closeAll()
	_, okA := <-a.ch
	_, okB := <-b.ch
	assert.False(t, okA)
	assert.False(t, okB)
}

func newTestHost() *Host {
	return NewHost(DefaultConfig(), settings.New(store.NewMemoryKV()))
}

func TestHost_RequiresStart(t *testing.T) {
	h := newTestHost()
	ctx := context.Background()

	_, err := h.Tabs(ctx, "https://gemini.google.com/*")
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = h.ActiveTab(ctx)
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = h.Create(ctx, "https://gemini.google.com/app", true)
	assert.ErrorIs(t, err, ErrNotStarted)
	_, _, err = h.Subscribe("t1")
	assert.ErrorIs(t, err, ErrNotStarted)

	msg, err := types.NewMessage(types.MessageDeliverPrompt, types.DeliverPayload{ID: "r1"})
	require.NoError(t, err)
	assert.ErrorIs(t, h.Send(ctx, "t1", msg), ErrNotStarted)
}

func TestHost_SendRejectsUnknownMessage(t *testing.T) {
	h := newTestHost()
	err := h.Send(context.Background(), "t1", types.Message{Type: types.MessageOpenGemini})
	assert.ErrorIs(t, err, ErrUnsupportedMessage)
}

func TestHost_ShutdownWithoutStart(t *testing.T) {
	h := newTestHost()
	require.NoError(t, h.Shutdown(context.Background()))
	require.NoError(t, h.Shutdown(context.Background()))

	assert.ErrorIs(t, h.Start(context.Background()), ErrClosed)
	_, err := h.Tabs(context.Background(), "*://*/*")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFromConfig(t *testing.T) {
	c := config.DefaultConfig()
	c.Browser.DebuggerURL = "ws://127.0.0.1:9222/devtools/browser/x"
	c.Browser.Headless = true
	c.Destination.MatchPattern = "http://127.0.0.1/*"
	c.Destination.SubmitSelector = "#send"
	c.Delivery.InputAttempts = 7
	c.Delivery.SubmitInterval = "50ms"

	cfg := FromConfig(c)
	assert.Equal(t, c.Browser.DebuggerURL, cfg.DebuggerURL)
	assert.True(t, cfg.Headless)
	assert.Equal(t, "http://127.0.0.1/*", cfg.MatchPattern)
	assert.Equal(t, "#send", cfg.Selectors.Submit)
	assert.Equal(t, DefaultSelectors().Editor, cfg.Selectors.Editor)
	assert.Equal(t, 7, cfg.Delivery.InputAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Delivery.SubmitInterval)
	assert.Equal(t, 30*time.Second, cfg.NavigationTimeout)
}

func TestPickActive(t *testing.T) {
	yt := types.Tab{ID: "yt", URL: "https://www.youtube.com/watch?v=x"}
	gem := types.Tab{ID: "gem", URL: "https://gemini.google.com/app"}
	bg := types.Tab{ID: "bg", URL: "https://example.com/"}

	tests := []struct {
		name   string
		pages  []pageActivity
		last   types.TabID
		want   types.TabID
		wantOK bool
	}{
		{
			name:   "browser without os focus uses the visible tab",
			pages:  []pageActivity{{tab: bg}, {tab: yt, visible: true}},
			want:   "yt",
			wantOK: true,
		},
		{
			name:   "focused page wins over other visible windows",
			pages:  []pageActivity{{tab: gem, visible: true}, {tab: yt, visible: true, focused: true}},
			last:   "gem",
			want:   "yt",
			wantOK: true,
		},
		{
			name:   "last activated breaks a tie between windows",
			pages:  []pageActivity{{tab: yt, visible: true}, {tab: gem, visible: true}},
			last:   "gem",
			want:   "gem",
			wantOK: true,
		},
		{
			name:   "hidden last activated tab is skipped",
			pages:  []pageActivity{{tab: gem}, {tab: yt, visible: true}},
			last:   "gem",
			want:   "yt",
			wantOK: true,
		},
		{
			name:  "nothing visible",
			pages: []pageActivity{{tab: bg}, {tab: yt}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := pickActive(tt.pages, tt.last)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got.ID)
		})
	}
}
