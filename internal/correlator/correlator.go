// Package correlator implements the Request Correlator: it binds each trigger
// to a fresh correlation id, persists the pending request, finds or opens the
// destination tab and hands the request off once that tab is ready.
//
// Last trigger wins. A new trigger invalidates the previous id and tears down
// the previous readiness wait before it does anything else, so at most one
// wait is armed at any time and only the newest id is ever signalled.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"tubeprompt/internal/logging"
	"tubeprompt/internal/metrics"
	"tubeprompt/internal/settings"
	"tubeprompt/internal/types"

	"github.com/google/uuid"
)

var (
	// ErrRejected is returned for triggers whose URL is empty, malformed or
	// not a recognized source page.
	ErrRejected = errors.New("trigger rejected")
	// ErrDestination is returned when the destination tab cannot be found,
	// created or activated.
	ErrDestination = errors.New("destination unreachable")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("correlator closed")
)

// DefaultReadyTimeout bounds a readiness wait.
const DefaultReadyTimeout = 15 * time.Second

// Config describes the source and destination the correlator works with.
type Config struct {
	SourceHosts        []string
	SourcePathPrefixes []string
	AppURL             string
	MatchPattern       string
	ReadyTimeout       time.Duration
}

// DefaultConfig returns the YouTube to Gemini configuration.
func DefaultConfig() Config {
	return Config{
		SourceHosts:        []string{"www.youtube.com"},
		SourcePathPrefixes: []string{"/watch", "/shorts"},
		AppURL:             "https://gemini.google.com/app",
		MatchPattern:       "https://gemini.google.com/*",
		ReadyTimeout:       DefaultReadyTimeout,
	}
}

// Wait describes the armed readiness wait.
type Wait struct {
	TabID     types.TabID
	RequestID string
	ArmedAt   time.Time
}

// readinessWait is a cancellable task watching one tab for load completion.
type readinessWait struct {
	Wait
	cancel context.CancelFunc
	done   chan struct{}
	reason string // why the wait was torn down, set under Correlator.mu
}

// Correlator owns the process-wide correlation state.
type Correlator struct {
	host  types.TabHost
	msgr  types.Messenger
	store *settings.Store
	cfg   Config

	now   func() time.Time
	newID func() string

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	// triggerMu orders minting an id with persisting its pending request, so
	// the stored request always belongs to the current id.
	triggerMu sync.Mutex

	mu        sync.Mutex
	currentID string
	wait      *readinessWait
	closed    bool
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithClock overrides the time source used for createdAt stamps.
func WithClock(now func() time.Time) Option {
	return func(c *Correlator) { c.now = now }
}

// WithIDGenerator overrides how correlation ids are minted.
func WithIDGenerator(fn func() string) Option {
	return func(c *Correlator) { c.newID = fn }
}

// New creates a Correlator.
func New(host types.TabHost, msgr types.Messenger, store *settings.Store, cfg Config, opts ...Option) *Correlator {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Correlator{
		host:       host,
		msgr:       msgr,
		store:      store,
		cfg:        cfg,
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
		baseCtx:    ctx,
		baseCancel: cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsSourceURL reports whether raw is an absolute URL on a recognized source
// host and path.
func (c *Correlator) IsSourceURL(raw string) bool {
	return c.checkSourceURL(raw) == nil
}

func (c *Correlator) checkSourceURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: empty url", ErrRejected)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: not an absolute url: %q", ErrRejected, raw)
	}
	hostOK := false
	for _, h := range c.cfg.SourceHosts {
		if strings.EqualFold(u.Hostname(), h) {
			hostOK = true
			break
		}
	}
	if !hostOK {
		return fmt.Errorf("%w: host %q is not a source host", ErrRejected, u.Hostname())
	}
	for _, p := range c.cfg.SourcePathPrefixes {
		if strings.HasPrefix(u.Path, p) {
			return nil
		}
	}
	return fmt.Errorf("%w: path %q is not a video page", ErrRejected, u.Path)
}

// CurrentID returns the most recently issued correlation id.
func (c *Correlator) CurrentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentID
}

// ActiveWait returns the armed readiness wait, if any.
func (c *Correlator) ActiveWait() (Wait, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wait == nil {
		return Wait{}, false
	}
	return c.wait.Wait, true
}

// Trigger handles one OPEN_GEMINI request. A nil error means the request was
// accepted and either signalled or left waiting for the destination tab.
func (c *Correlator) Trigger(ctx context.Context, payload types.TriggerPayload) error {
	p := payload.Normalize()
	if err := c.checkSourceURL(p.URL); err != nil {
		logging.Correlator("Ignoring trigger: %v", err)
		metrics.TriggersTotal.WithLabelValues("rejected").Inc()
		logging.Audit(logging.CategoryCorrelator).Log(logging.AuditEvent{
			EventType: logging.AuditTriggerRejected,
			Error:     err.Error(),
		})
		return err
	}

	c.triggerMu.Lock()
	id, err := c.supersede()
	if err != nil {
		c.triggerMu.Unlock()
		return err
	}
	log := logging.WithRequestID(logging.CategoryCorrelator, id)
	log.Info("Accepted trigger for %s", p.URL)
	metrics.TriggersTotal.WithLabelValues("accepted").Inc()
	logging.Audit(logging.CategoryCorrelator).Log(logging.AuditEvent{
		EventType: logging.AuditTriggerAccepted,
		RequestID: id,
		Success:   true,
		Message:   p.URL,
	})

	// Persistence is best effort; the in-memory correlation proceeds. The
	// write outlives the caller so a dropped client cannot orphan the id.
	_ = c.store.SetPending(context.WithoutCancel(ctx), settings.PendingRequest{
		ID:        id,
		URL:       p.URL,
		Title:     p.Title,
		Channel:   p.Channel,
		CreatedAt: c.now().UnixMilli(),
	})
	c.triggerMu.Unlock()

	tab, err := c.resolveTab(ctx)
	if err != nil {
		log.Warn("Failed to open destination tab: %v", err)
		metrics.TriggersTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("%w: %v", ErrDestination, err)
	}

	if tab.IsComplete() {
		log.Debug("Destination tab %s already complete, signalling now", tab.ID)
		c.deliver(c.baseCtx, tab.ID, id)
		return nil
	}
	c.arm(tab.ID, id)
	return nil
}

// TriggerLink handles a link-only request, as from a context menu on a
// video link. Title and channel are left empty.
func (c *Correlator) TriggerLink(ctx context.Context, link string) error {
	return c.Trigger(ctx, types.TriggerPayload{URL: link})
}

// TriggerActive triggers with the browser's focused tab when it is a source
// page.
func (c *Correlator) TriggerActive(ctx context.Context) error {
	tab, err := c.host.ActiveTab(ctx)
	if err != nil {
		logging.CorrelatorWarn("Failed to read active tab: %v", err)
		return fmt.Errorf("%w: %v", ErrDestination, err)
	}
	return c.Trigger(ctx, types.TriggerPayload{URL: tab.URL, Title: tab.Title})
}

// supersede mints a new id, makes it current and tears down any armed wait.
func (c *Correlator) supersede() (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	id := c.newID()
	c.currentID = id
	old := c.disarmLocked("superseded")
	c.mu.Unlock()

	if old != nil {
		<-old.done
	}
	return id, nil
}

// resolveTab focuses the first open destination tab and navigates it to the
// app URL, or opens a new one.
func (c *Correlator) resolveTab(ctx context.Context) (types.Tab, error) {
	tabs, err := c.host.Tabs(ctx, c.cfg.MatchPattern)
	if err != nil {
		return types.Tab{}, fmt.Errorf("query tabs: %w", err)
	}
	for _, t := range tabs {
		if t.ID == "" {
			continue
		}
		updated, err := c.host.Update(ctx, t.ID, true, c.cfg.AppURL)
		if err != nil {
			return types.Tab{}, fmt.Errorf("update tab %s: %w", t.ID, err)
		}
		if updated.ID == "" {
			updated = t
		}
		return updated, nil
	}
	created, err := c.host.Create(ctx, c.cfg.AppURL, true)
	if err != nil {
		return types.Tab{}, fmt.Errorf("create tab: %w", err)
	}
	if created.ID == "" {
		return types.Tab{}, errors.New("created tab has no id")
	}
	return created, nil
}

// arm replaces any existing wait with a new one for tabID. It is a no-op if
// requestID is no longer current.
func (c *Correlator) arm(tabID types.TabID, requestID string) {
	updates, unsubscribe, err := c.host.Subscribe(tabID)
	if err != nil {
		logging.WithRequestID(logging.CategoryCorrelator, requestID).
			Warn("Failed to watch destination tab %s: %v", tabID, err)
		return
	}

	c.mu.Lock()
	if c.closed || c.currentID != requestID {
		c.mu.Unlock()
		unsubscribe()
		logging.CorrelatorDebug("Not arming wait for superseded request %s", requestID)
		return
	}
	old := c.disarmLocked("superseded")
	ctx, cancel := context.WithCancel(c.baseCtx)
	w := &readinessWait{
		Wait:   Wait{TabID: tabID, RequestID: requestID, ArmedAt: time.Now()},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.wait = w
	c.wg.Add(1)
	c.mu.Unlock()

	if old != nil {
		<-old.done
	}
	metrics.ActiveWaits.Set(1)
	logging.Audit(logging.CategoryCorrelator).Log(logging.AuditEvent{
		EventType: logging.AuditWaitArmed,
		RequestID: requestID,
		TabID:     string(tabID),
		Success:   true,
	})
	go c.watch(ctx, w, updates, unsubscribe)
}

// disarmLocked detaches and cancels the current wait. Callers must wait on
// the returned wait's done channel after releasing c.mu.
func (c *Correlator) disarmLocked(reason string) *readinessWait {
	w := c.wait
	if w == nil {
		return nil
	}
	c.wait = nil
	w.reason = reason
	w.cancel()
	return w
}

// release detaches w if it is still the current wait and reports whether its
// request id is still current.
func (c *Correlator) release(w *readinessWait) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wait == w {
		c.wait = nil
		w.cancel()
	}
	return !c.closed && c.currentID == w.RequestID
}

func (c *Correlator) watch(ctx context.Context, w *readinessWait, updates <-chan types.StatusUpdate, unsubscribe func()) {
	defer c.wg.Done()
	defer close(w.done)
	defer unsubscribe()

	log := logging.WithRequestID(logging.CategoryCorrelator, w.RequestID)
	timer := time.NewTimer(c.cfg.ReadyTimeout)
	defer timer.Stop()

	finish := func(outcome string, ev logging.AuditEventType, success bool, errMsg string) {
		metrics.WaitsTotal.WithLabelValues(outcome).Inc()
		c.mu.Lock()
		if c.wait == nil {
			metrics.ActiveWaits.Set(0)
		}
		c.mu.Unlock()
		logging.Audit(logging.CategoryCorrelator).Log(logging.AuditEvent{
			EventType:  ev,
			RequestID:  w.RequestID,
			TabID:      string(w.TabID),
			Outcome:    outcome,
			Success:    success,
			DurationMs: time.Since(w.ArmedAt).Milliseconds(),
			Error:      errMsg,
		})
	}

	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			reason := w.reason
			c.mu.Unlock()
			if reason == "" {
				reason = "closed"
			}
			log.Debug("Readiness wait on tab %s torn down (%s)", w.TabID, reason)
			finish(reason, logging.AuditWaitSuperseded, false, "")
			return

		case <-timer.C:
			if c.release(w) {
				log.Warn("Destination tab %s did not finish loading within %s", w.TabID, c.cfg.ReadyTimeout)
			}
			finish("timeout", logging.AuditWaitTimeout, false, "timeout")
			return

		case u, ok := <-updates:
			if !ok {
				c.release(w)
				log.Warn("Destination tab %s went away before it finished loading", w.TabID)
				finish("closed", logging.AuditWaitTimeout, false, "tab closed")
				return
			}
			if u.TabID != w.TabID || u.Status != types.TabComplete {
				continue
			}
			current := c.release(w)
			finish("ready", logging.AuditWaitReady, true, "")
			if current {
				c.deliver(c.baseCtx, w.TabID, w.RequestID)
			} else {
				log.Debug("Tab %s ready but request superseded", w.TabID)
			}
			return
		}
	}
}

// deliver sends DELIVER_PROMPT for requestID if it is still current. Send
// failures are logged and dropped.
func (c *Correlator) deliver(ctx context.Context, tabID types.TabID, requestID string) {
	log := logging.WithRequestID(logging.CategoryCorrelator, requestID)
	if c.CurrentID() != requestID {
		log.Debug("Dropping stale delivery signal for tab %s", tabID)
		metrics.SignalsTotal.WithLabelValues("stale").Inc()
		return
	}
	msg, err := types.NewMessage(types.MessageDeliverPrompt, types.DeliverPayload{ID: requestID})
	if err != nil {
		log.Error("Failed to build delivery signal: %v", err)
		return
	}
	if err := c.msgr.Send(ctx, tabID, msg); err != nil {
		log.Warn("Failed to deliver prompt to tab %s: %v", tabID, err)
		metrics.SignalsTotal.WithLabelValues("failed").Inc()
		logging.Audit(logging.CategoryCorrelator).Log(logging.AuditEvent{
			EventType: logging.AuditSignalFailed,
			RequestID: requestID,
			TabID:     string(tabID),
			Error:     err.Error(),
		})
		return
	}
	log.Debug("Delivery signal sent to tab %s", tabID)
	metrics.SignalsTotal.WithLabelValues("sent").Inc()
	logging.Audit(logging.CategoryCorrelator).Log(logging.AuditEvent{
		EventType: logging.AuditSignalSent,
		RequestID: requestID,
		TabID:     string(tabID),
		Success:   true,
	})
}

// Close tears down any armed wait and rejects further triggers.
func (c *Correlator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	old := c.disarmLocked("closed")
	c.mu.Unlock()

	if old != nil {
		<-old.done
	}
	c.baseCancel()
	c.wg.Wait()
	metrics.ActiveWaits.Set(0)
}
