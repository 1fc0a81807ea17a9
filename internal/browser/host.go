// Package browser drives a Chrome instance over the DevTools protocol. Host
// implements the tab lifecycle and messaging capabilities the correlator
// needs, and runs one delivery agent per destination tab.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tubeprompt/internal/config"
	"tubeprompt/internal/delivery"
	"tubeprompt/internal/logging"
	"tubeprompt/internal/settings"
	"tubeprompt/internal/types"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

var (
	ErrNotStarted         = errors.New("browser host not started")
	ErrClosed             = errors.New("browser host closed")
	ErrTabGone            = errors.New("tab not found")
	ErrNoActiveTab        = errors.New("no focused tab")
	ErrUnsupportedMessage = errors.New("unsupported message type")
)

// readyStateTimeout bounds document.readyState probes; a page mid-navigation
// has no execution context to answer them.
const readyStateTimeout = 2 * time.Second

// Config holds host configuration.
type Config struct {
	DebuggerURL       string   // attach to an existing Chrome instead of launching
	Launch            []string // binary followed by flags
	Headless          bool
	NavigationTimeout time.Duration

	// MatchPattern selects destination tabs that get a delivery agent.
	MatchPattern string
	Selectors    Selectors
	Delivery     delivery.Config
}

// DefaultConfig returns a config that launches a visible Chrome.
func DefaultConfig() Config {
	return Config{
		NavigationTimeout: 30 * time.Second,
		MatchPattern:      "https://gemini.google.com/*",
		Selectors:         DefaultSelectors(),
		Delivery:          delivery.DefaultConfig(),
	}
}

// FromConfig maps the daemon configuration onto a host config.
func FromConfig(c *config.Config) Config {
	cfg := DefaultConfig()
	cfg.DebuggerURL = c.Browser.DebuggerURL
	cfg.Launch = c.Browser.Launch
	cfg.Headless = c.Browser.Headless
	cfg.NavigationTimeout = c.GetNavigationTimeout()
	if c.Destination.MatchPattern != "" {
		cfg.MatchPattern = c.Destination.MatchPattern
	}
	if c.Destination.EditorSelector != "" {
		cfg.Selectors.Editor = c.Destination.EditorSelector
	}
	if c.Destination.SubmitSelector != "" {
		cfg.Selectors.Submit = c.Destination.SubmitSelector
	}
	if c.Destination.DisabledAttribute != "" {
		cfg.Selectors.DisabledAttribute = c.Destination.DisabledAttribute
	}
	cfg.Delivery = delivery.Config{
		InputAttempts:  c.Delivery.InputAttempts,
		InputInterval:  c.GetInputInterval(),
		SubmitRetries:  c.Delivery.SubmitRetries,
		SubmitInterval: c.GetSubmitInterval(),
	}
	return cfg
}

type tabRecord struct {
	id     types.TabID
	page   *rod.Page
	agent  *delivery.Agent
	cancel context.CancelFunc
}

// Host owns the browser connection and the per-tab delivery agents.
type Host struct {
	cfg   Config
	store *settings.Store
	hub   *statusHub

	mu         sync.RWMutex
	browser    *rod.Browser
	controlURL string
	launched   bool
	closed     bool
	tabs       map[types.TabID]*tabRecord
	lastActive types.TabID // last tab this host brought to front
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	// OnResult, when set, receives every finished delivery attempt.
	OnResult func(types.TabID, delivery.Result)
}

var (
	_ types.TabHost   = (*Host)(nil)
	_ types.Messenger = (*Host)(nil)
)

// NewHost creates a host. Call Start before use.
func NewHost(cfg Config, store *settings.Store) *Host {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = DefaultConfig().NavigationTimeout
	}
	if cfg.Selectors == (Selectors{}) {
		cfg.Selectors = DefaultSelectors()
	}
	return &Host{
		cfg:   cfg,
		store: store,
		hub:   newStatusHub(),
		tabs:  make(map[types.TabID]*tabRecord),
	}
}

// Start connects to (or launches) Chrome, begins tracking targets and
// attaches an agent to every destination tab already open.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	if h.browser != nil {
		if _, err := h.browser.Version(); err == nil {
			h.mu.Unlock()
			return nil
		}
		h.mu.Unlock()
		return fmt.Errorf("browser connection lost")
	}

	controlURL, launched, err := h.resolveControlURL()
	if err != nil {
		h.mu.Unlock()
		return err
	}

	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b := rod.New().ControlURL(controlURL).Context(hctx)
	if err := b.Connect(); err != nil {
		cancel()
		h.mu.Unlock()
		return fmt.Errorf("connect to chrome: %w", err)
	}
	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b); err != nil {
		cancel()
		h.mu.Unlock()
		return fmt.Errorf("enable target discovery: %w", err)
	}

	h.browser = b
	h.controlURL = controlURL
	h.launched = launched
	h.ctx = hctx
	h.cancel = cancel
	h.wg.Add(1)
	h.mu.Unlock()

	go h.watchTargets(hctx, b)

	logging.Browser("Connected to Chrome at %s (launched=%v)", controlURL, launched)

	pages, err := b.Context(ctx).Pages()
	if err != nil {
		logging.BrowserWarn("List open pages: %v", err)
		return nil
	}
	for _, p := range pages {
		info, err := p.Info()
		if err != nil || !h.isDestination(info) {
			continue
		}
		if _, err := h.attach(ctx, types.TabID(info.TargetID)); err != nil {
			logging.BrowserWarn("Attach agent to %s: %v", info.URL, err)
		}
	}
	return nil
}

func (h *Host) resolveControlURL() (string, bool, error) {
	if h.cfg.DebuggerURL != "" {
		return h.cfg.DebuggerURL, false, nil
	}
	if len(h.cfg.Launch) > 0 {
		bin := h.cfg.Launch[0]
		launch := launcher.New().Bin(bin).Headless(h.cfg.Headless)
		for _, rawFlag := range h.cfg.Launch[1:] {
			flagStr := strings.TrimLeft(rawFlag, "-")
			name, val, hasVal := strings.Cut(flagStr, "=")
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}
		u, err := launch.Launch()
		if err == nil {
			return u, true, nil
		}
		fallback := launcher.New().Bin(bin).Headless(h.cfg.Headless)
		alt, altErr := fallback.Launch()
		if altErr != nil {
			return "", false, fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
		}
		return alt, true, nil
	}
	u, err := launcher.New().Headless(h.cfg.Headless).Launch()
	if err != nil {
		return "", false, fmt.Errorf("no debugger_url and failed to launch: %w", err)
	}
	return u, true, nil
}

// ControlURL returns the WebSocket debugger URL.
func (h *Host) ControlURL() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.controlURL
}

func (h *Host) isDestination(info *proto.TargetTargetInfo) bool {
	return info != nil && string(info.Type) == "page" && types.MatchURL(h.cfg.MatchPattern, info.URL)
}

func (h *Host) connected() (*rod.Browser, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil, ErrClosed
	}
	if h.browser == nil {
		return nil, ErrNotStarted
	}
	return h.browser, nil
}

// =============================================================================
// TabHost
// =============================================================================

// Tabs lists open page targets whose URL matches pattern.
func (h *Host) Tabs(ctx context.Context, pattern string) ([]types.Tab, error) {
	b, err := h.connected()
	if err != nil {
		return nil, err
	}
	pages, err := b.Context(ctx).Pages()
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	var tabs []types.Tab
	for _, p := range pages {
		info, err := p.Info()
		if err != nil || string(info.Type) != "page" {
			continue
		}
		if !types.MatchURL(pattern, info.URL) {
			continue
		}
		tabs = append(tabs, types.Tab{
			ID:     types.TabID(info.TargetID),
			URL:    info.URL,
			Title:  info.Title,
			Status: readyState(ctx, p),
		})
	}
	return tabs, nil
}

// activityJS reports "v" for a visible document and "f" when it also holds
// input focus. Only the selected tab of each window is visible, and focus
// is lost whenever another application is in front.
const activityJS = `() => (document.visibilityState === 'visible' ? 'v' : '') + (document.hasFocus() ? 'f' : '')`

// pageActivity is one page's visibility as seen by ActiveTab.
type pageActivity struct {
	tab     types.Tab
	visible bool
	focused bool
}

// pickActive chooses the tab the user is looking at: a focused page first,
// then the tab this host last activated, then the first visible page.
func pickActive(pages []pageActivity, last types.TabID) (types.Tab, bool) {
	for _, p := range pages {
		if p.visible && p.focused {
			return p.tab, true
		}
	}
	if last != "" {
		for _, p := range pages {
			if p.visible && p.tab.ID == last {
				return p.tab, true
			}
		}
	}
	for _, p := range pages {
		if p.visible {
			return p.tab, true
		}
	}
	return types.Tab{}, false
}

// ActiveTab returns the selected tab of the browser window in front. It does
// not require the browser itself to hold OS focus.
func (h *Host) ActiveTab(ctx context.Context) (types.Tab, error) {
	b, err := h.connected()
	if err != nil {
		return types.Tab{}, err
	}
	pages, err := b.Context(ctx).Pages()
	if err != nil {
		return types.Tab{}, fmt.Errorf("list pages: %w", err)
	}
	var seen []pageActivity
	for _, p := range pages {
		info, err := p.Info()
		if err != nil || string(info.Type) != "page" {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, readyStateTimeout)
		res, err := p.Context(pctx).Eval(activityJS)
		cancel()
		if err != nil {
			continue
		}
		flags := res.Value.Str()
		seen = append(seen, pageActivity{
			tab: types.Tab{
				ID:     types.TabID(info.TargetID),
				URL:    info.URL,
				Title:  info.Title,
				Status: readyState(ctx, p),
				Active: true,
			},
			visible: strings.Contains(flags, "v"),
			focused: strings.Contains(flags, "f"),
		})
	}

	h.mu.RLock()
	last := h.lastActive
	h.mu.RUnlock()
	if tab, ok := pickActive(seen, last); ok {
		return tab, nil
	}
	return types.Tab{}, ErrNoActiveTab
}

func (h *Host) markActive(id types.TabID) {
	h.mu.Lock()
	h.lastActive = id
	h.mu.Unlock()
}

// Update activates the tab and navigates it when url is non-empty.
func (h *Host) Update(ctx context.Context, id types.TabID, active bool, url string) (types.Tab, error) {
	rec, err := h.attach(ctx, id)
	if err != nil {
		return types.Tab{}, err
	}
	page := rec.page.Context(ctx)
	if active {
		if _, err := page.Activate(); err != nil {
			return types.Tab{}, fmt.Errorf("activate tab %s: %w", id, err)
		}
		h.markActive(id)
	}
	tab := types.Tab{ID: id, URL: url, Active: active, Status: types.TabLoading}
	if url == "" {
		info, err := page.Info()
		if err != nil {
			return types.Tab{}, fmt.Errorf("%w: %s: %v", ErrTabGone, id, err)
		}
		tab.URL, tab.Title = info.URL, info.Title
		tab.Status = readyState(ctx, rec.page)
		return tab, nil
	}
	if err := h.navigate(ctx, rec.page, url); err != nil {
		return types.Tab{}, fmt.Errorf("navigate tab %s: %w", id, err)
	}
	logging.BrowserDebug("Navigated tab %s to %s", id, url)
	return tab, nil
}

// Create opens a new tab at url.
func (h *Host) Create(ctx context.Context, url string, active bool) (types.Tab, error) {
	b, err := h.connected()
	if err != nil {
		return types.Tab{}, err
	}
	// Open blank first so the agent's load watcher sees the real load.
	page, err := b.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return types.Tab{}, fmt.Errorf("create tab: %w", err)
	}
	id := types.TabID(page.TargetID)
	rec, err := h.attach(ctx, id)
	if err != nil {
		return types.Tab{}, err
	}
	p := rec.page.Context(ctx)
	if active {
		if _, err := p.Activate(); err != nil {
			logging.BrowserDebug("Activate new tab %s: %v", id, err)
		} else {
			h.markActive(id)
		}
	}
	if err := h.navigate(ctx, rec.page, url); err != nil {
		return types.Tab{}, fmt.Errorf("navigate new tab: %w", err)
	}
	logging.Browser("Opened tab %s at %s", id, url)
	return types.Tab{ID: id, URL: url, Status: types.TabLoading, Active: active}, nil
}

// Subscribe streams load-status updates for id. A tab that has already
// finished loading reports complete right away.
func (h *Host) Subscribe(id types.TabID) (<-chan types.StatusUpdate, func(), error) {
	h.mu.RLock()
	hctx := h.ctx
	h.mu.RUnlock()
	if hctx == nil {
		return nil, nil, ErrNotStarted
	}
	rec, err := h.attach(hctx, id)
	if err != nil {
		return nil, nil, err
	}
	sub, unsubscribe := h.hub.subscribe(id)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if readyState(hctx, rec.page) == types.TabComplete {
			h.hub.send(sub, types.StatusUpdate{TabID: id, Status: types.TabComplete})
		}
	}()
	return sub.ch, unsubscribe, nil
}

// =============================================================================
// Messenger
// =============================================================================

// Send hands a message to the agent in tab id.
func (h *Host) Send(ctx context.Context, id types.TabID, msg types.Message) error {
	switch msg.Type {
	case types.MessageDeliverPrompt:
		var p types.DeliverPayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		rec, err := h.attach(ctx, id)
		if err != nil {
			return err
		}
		rec.agent.Deliver(p.ID)
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedMessage, msg.Type)
	}
}

// Agent returns the delivery agent attached to id, if any.
func (h *Host) Agent(id types.TabID) (*delivery.Agent, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rec, ok := h.tabs[id]
	if !ok {
		return nil, false
	}
	return rec.agent, true
}

// =============================================================================
// Tab tracking
// =============================================================================

// attach returns the record for id, creating its agent and load watcher on
// first use.
func (h *Host) attach(ctx context.Context, id types.TabID) (*tabRecord, error) {
	h.mu.RLock()
	rec := h.tabs[id]
	b, hctx, closed := h.browser, h.ctx, h.closed
	h.mu.RUnlock()
	if rec != nil {
		return rec, nil
	}
	if closed {
		return nil, ErrClosed
	}
	if b == nil {
		return nil, ErrNotStarted
	}

	page, err := b.Context(ctx).PageFromTarget(proto.TargetTargetID(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTabGone, id, err)
	}
	page = page.Context(hctx)

	h.mu.Lock()
	if existing := h.tabs[id]; existing != nil {
		h.mu.Unlock()
		return existing, nil
	}
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	tctx, cancel := context.WithCancel(hctx)
	agent := delivery.NewAgent(&pageDocument{page: page, sel: h.cfg.Selectors}, h.store, h.cfg.Delivery, string(id))
	if h.OnResult != nil {
		onResult := h.OnResult
		agent.OnResult = func(r delivery.Result) { onResult(id, r) }
	}
	rec = &tabRecord{id: id, page: page, agent: agent, cancel: cancel}
	h.tabs[id] = rec
	h.wg.Add(1)
	h.mu.Unlock()

	go h.watchLoads(tctx, rec)
	logging.BrowserDebug("Attached delivery agent to tab %s", id)
	return rec, nil
}

// watchLoads publishes load status and runs page-load delivery.
func (h *Host) watchLoads(ctx context.Context, rec *tabRecord) {
	defer h.wg.Done()
	wait := rec.page.Context(ctx).EachEvent(
		func(e *proto.PageFrameStartedLoading) {
			if string(e.FrameID) != string(rec.id) {
				return
			}
			h.hub.notify(types.StatusUpdate{TabID: rec.id, Status: types.TabLoading})
		},
		func(e *proto.PageLoadEventFired) {
			info, err := rec.page.Context(ctx).Info()
			if err != nil {
				return
			}
			h.hub.notify(types.StatusUpdate{TabID: rec.id, Status: types.TabComplete, URL: info.URL})
			if types.MatchURL(h.cfg.MatchPattern, info.URL) {
				rec.agent.PageLoaded()
			}
		},
	)
	wait()
}

// watchTargets attaches agents to destination tabs as they appear and drops
// tabs that go away.
func (h *Host) watchTargets(ctx context.Context, b *rod.Browser) {
	defer h.wg.Done()
	wait := b.Context(ctx).EachEvent(
		func(e *proto.TargetTargetCreated) { h.onTarget(ctx, e.TargetInfo) },
		func(e *proto.TargetTargetInfoChanged) { h.onTarget(ctx, e.TargetInfo) },
		func(e *proto.TargetTargetDestroyed) { h.dropTab(types.TabID(e.TargetID)) },
	)
	wait()
}

func (h *Host) onTarget(ctx context.Context, info *proto.TargetTargetInfo) {
	if !h.isDestination(info) {
		return
	}
	if _, err := h.attach(ctx, types.TabID(info.TargetID)); err != nil {
		logging.BrowserDebug("Attach agent to %s: %v", info.URL, err)
	}
}

func (h *Host) dropTab(id types.TabID) {
	h.mu.Lock()
	rec := h.tabs[id]
	delete(h.tabs, id)
	if h.lastActive == id {
		h.lastActive = ""
	}
	h.mu.Unlock()

	h.hub.closeTab(id)
	if rec == nil {
		return
	}
	rec.cancel()
	rec.agent.Close()
	logging.BrowserDebug("Tab %s closed", id)
}

// Shutdown stops every agent and disconnects. A Chrome the host launched is
// closed; an attached one is left running.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	tabs := h.tabs
	h.tabs = make(map[types.TabID]*tabRecord)
	b, launched, cancel := h.browser, h.launched, h.cancel
	h.mu.Unlock()

	for _, rec := range tabs {
		rec.cancel()
		rec.agent.Close()
	}
	h.hub.closeAll()

	var err error
	if b != nil && launched {
		err = b.Close()
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// navigate starts loading url and returns once the navigation is committed,
// not when the page has loaded.
func (h *Host) navigate(ctx context.Context, p *rod.Page, url string) error {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.NavigationTimeout)
	defer cancel()
	return p.Context(ctx).Navigate(url)
}

func readyState(ctx context.Context, p *rod.Page) types.TabStatus {
	ctx, cancel := context.WithTimeout(ctx, readyStateTimeout)
	defer cancel()
	res, err := p.Context(ctx).Eval(`() => document.readyState`)
	if err != nil || res.Value.Str() != "complete" {
		return types.TabLoading
	}
	return types.TabComplete
}
