package correlator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tubeprompt/internal/logging"
	"tubeprompt/internal/settings"
	"tubeprompt/internal/store"
	"tubeprompt/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const videoURL = "https://www.youtube.com/watch?v=dQw4w9WgXcQ"

var errBroken = errors.New("storage unavailable")

type brokenKV struct{}

func (brokenKV) Get(context.Context, string) ([]byte, bool, error) { return nil, false, errBroken }
func (brokenKV) Set(context.Context, map[string][]byte) error      { return errBroken }
func (brokenKV) Remove(context.Context, string) error              { return errBroken }
func (brokenKV) Close() error                                      { return nil }

type harness struct {
	host  *fakeHost
	msgr  *fakeMessenger
	store *settings.Store
	c     *Correlator
	logs  *observer.ObservedLogs
}

func newHarness(t *testing.T, status types.TabStatus, mutate ...func(*Config)) *harness {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	restore := logging.SetCore(core)
	t.Cleanup(restore)

	cfg := DefaultConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}
	h := &harness{
		host:  newFakeHost(status),
		msgr:  &fakeMessenger{},
		store: settings.New(store.NewMemoryKV(), settings.WithDefaults(func() settings.Settings { return settings.DefaultsFor("en") })),
		logs:  logs,
	}
	h.c = New(h.host, h.msgr, h.store, cfg,
		WithIDGenerator(sequentialIDs()),
		WithClock(func() time.Time { return time.UnixMilli(1700000000000) }),
	)
	t.Cleanup(h.c.Close)
	return h
}

func (h *harness) waitForSignals(t *testing.T, n int) []sentMessage {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.msgr.messages()) >= n }, 2*time.Second, 5*time.Millisecond)
	return h.msgr.messages()
}

func TestTrigger_RejectsInvalidURL(t *testing.T) {
	h := newHarness(t, types.TabComplete)
	ctx := context.Background()

	for _, raw := range []string{
		"",
		"   ",
		"not a url",
		"/watch?v=relative",
		"https://example.com/watch?v=x",
		"https://www.youtube.com/feed/subscriptions",
		"http://[::1",
	} {
		err := h.c.Trigger(ctx, types.TriggerPayload{URL: raw, Title: "t"})
		assert.ErrorIs(t, err, ErrRejected, "url %q", raw)
	}

	_, ok := h.store.Pending(ctx)
	assert.False(t, ok, "rejected triggers never persist a pending request")
	assert.Zero(t, h.host.queries)
	assert.Empty(t, h.host.creates)
	assert.Empty(t, h.c.CurrentID())

	rejected := h.logs.FilterMessageSnippet("Ignoring trigger").All()
	require.NotEmpty(t, rejected)
	assert.Equal(t, zapcore.InfoLevel, rejected[0].Level)
}

func TestTrigger_AcceptsShortsAndTrimmedPayload(t *testing.T) {
	h := newHarness(t, types.TabComplete)
	ctx := context.Background()

	require.NoError(t, h.c.Trigger(ctx, types.TriggerPayload{
		URL:     "  https://www.youtube.com/shorts/abc  ",
		Title:   " A ",
		Channel: " C ",
	}))
	p, ok := h.store.Pending(ctx)
	require.True(t, ok)
	assert.Equal(t, settings.PendingRequest{
		ID: "r1", URL: "https://www.youtube.com/shorts/abc", Title: "A", Channel: "C", CreatedAt: 1700000000000,
	}, p)
}

func TestTrigger_CompleteTabSignalsImmediately(t *testing.T) {
	h := newHarness(t, types.TabComplete)
	ctx := context.Background()

	require.NoError(t, h.c.Trigger(ctx, types.TriggerPayload{URL: videoURL, Title: "Never", Channel: "Rick"}))

	sent := h.msgr.messages()
	require.Len(t, sent, 1, "signal is sent synchronously for a complete tab")
	assert.Equal(t, sentMessage{tab: "T1", id: "r1"}, sent[0])

	_, armed := h.c.ActiveWait()
	assert.False(t, armed)
	assert.Zero(t, h.host.subsMax, "no readiness wait armed")
	assert.Equal(t, []string{"https://gemini.google.com/app"}, h.host.creates)
}

func TestTrigger_ReusesExistingDestinationTab(t *testing.T) {
	h := newHarness(t, types.TabComplete)
	h.host.tabs = []types.Tab{
		{ID: "X", URL: "https://mail.google.com/"},
		{ID: "G", URL: "https://gemini.google.com/app/conversation", Status: types.TabComplete},
	}

	require.NoError(t, h.c.Trigger(context.Background(), types.TriggerPayload{URL: videoURL}))
	assert.Equal(t, []string{"G https://gemini.google.com/app"}, h.host.updates)
	assert.Empty(t, h.host.creates)
	assert.Equal(t, []sentMessage{{tab: "G", id: "r1"}}, h.msgr.messages())
}

func TestTrigger_LoadingTabArmsWaitThenSignals(t *testing.T) {
	h := newHarness(t, types.TabLoading)

	require.NoError(t, h.c.Trigger(context.Background(), types.TriggerPayload{URL: videoURL}))

	w, armed := h.c.ActiveWait()
	require.True(t, armed)
	assert.Equal(t, types.TabID("T1"), w.TabID)
	assert.Equal(t, "r1", w.RequestID)
	assert.Empty(t, h.msgr.messages())

	// Noise: other tabs and non-complete statuses are ignored.
	h.host.emit("T1", types.TabLoading)
	h.host.emit("T9", types.TabComplete)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.msgr.messages())

	h.host.emit("T1", types.TabComplete)
	sent := h.waitForSignals(t, 1)
	assert.Equal(t, []sentMessage{{tab: "T1", id: "r1"}}, sent)

	require.Eventually(t, func() bool {
		_, armed := h.c.ActiveWait()
		return !armed && h.host.subscriptions() == 0
	}, time.Second, 5*time.Millisecond, "wait and subscription torn down after readiness")
}

func TestTrigger_SecondTriggerSupersedesWait(t *testing.T) {
	h := newHarness(t, types.TabLoading)
	ctx := context.Background()

	require.NoError(t, h.c.Trigger(ctx, types.TriggerPayload{URL: videoURL, Title: "first"}))
	require.NoError(t, h.c.Trigger(ctx, types.TriggerPayload{URL: videoURL + "&t=1", Title: "second"}))

	w, armed := h.c.ActiveWait()
	require.True(t, armed)
	assert.Equal(t, "r2", w.RequestID)
	assert.Equal(t, 1, h.host.subscriptions(), "first wait's subscription was torn down")
	assert.Equal(t, "r2", h.c.CurrentID())

	p, ok := h.store.Pending(ctx)
	require.True(t, ok)
	assert.Equal(t, "r2", p.ID)
	assert.Equal(t, "second", p.Title)

	h.host.emit(w.TabID, types.TabComplete)
	h.waitForSignals(t, 1)
	time.Sleep(20 * time.Millisecond)
	sent := h.msgr.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "r2", sent[0].id, "only the newest trigger is ever delivered")
}

func TestTrigger_WaitSupersededByCompleteTab(t *testing.T) {
	h := newHarness(t, types.TabLoading)
	ctx := context.Background()

	require.NoError(t, h.c.Trigger(ctx, types.TriggerPayload{URL: videoURL}))
	_, armed := h.c.ActiveWait()
	require.True(t, armed)

	h.host.mu.Lock()
	h.host.resolvedStatus = types.TabComplete
	h.host.mu.Unlock()
	require.NoError(t, h.c.Trigger(ctx, types.TriggerPayload{URL: videoURL}))

	_, armed = h.c.ActiveWait()
	assert.False(t, armed)
	assert.Zero(t, h.host.subscriptions())
	assert.Equal(t, []sentMessage{{tab: "T1", id: "r2"}}, h.msgr.messages())
}

func TestTrigger_ReadinessTimeout(t *testing.T) {
	h := newHarness(t, types.TabLoading, func(c *Config) { c.ReadyTimeout = 30 * time.Millisecond })
	ctx := context.Background()

	require.NoError(t, h.c.Trigger(ctx, types.TriggerPayload{URL: videoURL}))
	require.Eventually(t, func() bool {
		_, armed := h.c.ActiveWait()
		return !armed && h.host.subscriptions() == 0
	}, time.Second, 5*time.Millisecond)

	assert.Empty(t, h.msgr.messages())
	_, ok := h.store.Pending(ctx)
	assert.True(t, ok, "pending request is left for a later attempt")

	warns := h.logs.FilterMessageSnippet("did not finish loading").All()
	require.Len(t, warns, 1)
	assert.Equal(t, zapcore.WarnLevel, warns[0].Level)
}

func TestTrigger_TabClosedWhileWaiting(t *testing.T) {
	h := newHarness(t, types.TabLoading)
	require.NoError(t, h.c.Trigger(context.Background(), types.TriggerPayload{URL: videoURL}))

	h.host.closeTab("T1")
	require.Eventually(t, func() bool {
		_, armed := h.c.ActiveWait()
		return !armed
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.msgr.messages())
}

func TestTrigger_DestinationFailureAborts(t *testing.T) {
	h := newHarness(t, types.TabLoading)
	h.host.createErr = errors.New("browser gone")
	ctx := context.Background()

	err := h.c.Trigger(ctx, types.TriggerPayload{URL: videoURL})
	assert.ErrorIs(t, err, ErrDestination)

	_, armed := h.c.ActiveWait()
	assert.False(t, armed)
	p, ok := h.store.Pending(ctx)
	require.True(t, ok, "pending request persisted before the tab lookup")
	assert.Equal(t, "r1", p.ID)
	assert.Equal(t, 1, h.logs.FilterMessageSnippet("Failed to open destination tab").FilterLevelExact(zapcore.WarnLevel).Len())

	h.host.createErr = nil
	h.host.queryErr = errors.New("cdp disconnected")
	assert.ErrorIs(t, h.c.Trigger(ctx, types.TriggerPayload{URL: videoURL}), ErrDestination)
}

func TestTrigger_SendFailureIsLoggedNotReturned(t *testing.T) {
	h := newHarness(t, types.TabComplete)
	h.msgr.err = errors.New("tab closed")

	require.NoError(t, h.c.Trigger(context.Background(), types.TriggerPayload{URL: videoURL}))
	assert.Equal(t, 1, h.logs.FilterMessageSnippet("Failed to deliver prompt").Len())
}

func TestTrigger_StorageFailureStillDelivers(t *testing.T) {
	h := newHarness(t, types.TabComplete)
	h.c.store = settings.New(brokenKV{})

	require.NoError(t, h.c.Trigger(context.Background(), types.TriggerPayload{URL: videoURL}))
	assert.Len(t, h.msgr.messages(), 1)
	assert.NotZero(t, h.logs.FilterLevelExact(zapcore.WarnLevel).FilterField(zapcore.Field{
		Key: "cat", Type: zapcore.StringType, String: "settings",
	}).Len())
}

// gatedKV holds the first Set until release is closed.
type gatedKV struct {
	*store.MemoryKV
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedKV() *gatedKV {
	return &gatedKV{MemoryKV: store.NewMemoryKV(), entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedKV) Set(ctx context.Context, values map[string][]byte) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.MemoryKV.Set(ctx, values)
}

func TestTrigger_OverlappingTriggersPersistNewest(t *testing.T) {
	h := newHarness(t, types.TabComplete)
	kv := newGatedKV()
	h.c.store = settings.New(kv)
	ctx := context.Background()

	first := make(chan error, 1)
	go func() {
		first <- h.c.Trigger(ctx, types.TriggerPayload{URL: videoURL + "&q=1"})
	}()
	<-kv.entered

	second := make(chan error, 1)
	go func() {
		second <- h.c.Trigger(ctx, types.TriggerPayload{URL: videoURL + "&q=2"})
	}()
	// Give the second trigger room to overtake a slow write.
	select {
	case err := <-second:
		second <- err
	case <-time.After(50 * time.Millisecond):
	}
	close(kv.release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)

	p, ok := h.c.store.Pending(ctx)
	require.True(t, ok)
	assert.Equal(t, h.c.CurrentID(), p.ID)
	assert.Equal(t, "r2", p.ID)
	assert.Equal(t, videoURL+"&q=2", p.URL)

	var ids []string
	for _, m := range h.msgr.messages() {
		ids = append(ids, m.id)
	}
	assert.Contains(t, ids, "r2", "the newest request is signalled")
}

func TestTrigger_PersistsDespiteCancelledCaller(t *testing.T) {
	h := newHarness(t, types.TabComplete)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, h.c.Trigger(ctx, types.TriggerPayload{URL: videoURL}))
	p, ok := h.store.Pending(context.Background())
	require.True(t, ok)
	assert.Equal(t, "r1", p.ID)
	require.Len(t, h.msgr.messages(), 1)
}

func TestDeliver_DropsStaleID(t *testing.T) {
	h := newHarness(t, types.TabComplete)
	require.NoError(t, h.c.Trigger(context.Background(), types.TriggerPayload{URL: videoURL}))
	require.NoError(t, h.c.Trigger(context.Background(), types.TriggerPayload{URL: videoURL}))

	h.c.deliver(context.Background(), "T1", "r1")

	sent := h.msgr.messages()
	require.Len(t, sent, 2)
	assert.Equal(t, "r1", sent[0].id)
	assert.Equal(t, "r2", sent[1].id)
	stale := h.logs.FilterMessageSnippet("stale delivery signal").All()
	require.Len(t, stale, 1)
	assert.Equal(t, zapcore.DebugLevel, stale[0].Level)
}

func TestTriggerLink(t *testing.T) {
	h := newHarness(t, types.TabComplete)
	ctx := context.Background()

	require.NoError(t, h.c.TriggerLink(ctx, videoURL))
	p, ok := h.store.Pending(ctx)
	require.True(t, ok)
	assert.Empty(t, p.Title)
	assert.Empty(t, p.Channel)

	assert.ErrorIs(t, h.c.TriggerLink(ctx, "https://example.com/"), ErrRejected)
}

func TestTriggerActive(t *testing.T) {
	h := newHarness(t, types.TabComplete)
	ctx := context.Background()

	assert.ErrorIs(t, h.c.TriggerActive(ctx), ErrDestination, "no active tab")

	h.host.active = types.Tab{ID: "Y", URL: "https://www.youtube.com/", Title: "YouTube"}
	assert.ErrorIs(t, h.c.TriggerActive(ctx), ErrRejected)

	h.host.active = types.Tab{ID: "Y", URL: videoURL, Title: "Song"}
	require.NoError(t, h.c.TriggerActive(ctx))
	p, _ := h.store.Pending(ctx)
	assert.Equal(t, "Song", p.Title)
	assert.Equal(t, videoURL, p.URL)
}

func TestClose_TearsDownWait(t *testing.T) {
	h := newHarness(t, types.TabLoading)
	require.NoError(t, h.c.Trigger(context.Background(), types.TriggerPayload{URL: videoURL}))

	h.c.Close()
	_, armed := h.c.ActiveWait()
	assert.False(t, armed)
	assert.Zero(t, h.host.subscriptions())
	assert.ErrorIs(t, h.c.Trigger(context.Background(), types.TriggerPayload{URL: videoURL}), ErrClosed)
}

func TestIsSourceURL(t *testing.T) {
	c := New(newFakeHost(types.TabComplete), &fakeMessenger{}, nil, DefaultConfig())
	defer c.Close()

	assert.True(t, c.IsSourceURL(videoURL))
	assert.True(t, c.IsSourceURL("https://WWW.YOUTUBE.COM/shorts/x"))
	assert.False(t, c.IsSourceURL("https://m.youtube.com/watch?v=x"))
	assert.False(t, c.IsSourceURL("https://www.youtube.com/@channel"))
}
