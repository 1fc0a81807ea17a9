// Package delivery implements the Delivery Agent that runs against one
// destination page. It fetches the pending request, fills the input surface
// and, when auto-send is on, presses the submit control. The pending request
// is cleared only after a confirmed submit.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tubeprompt/internal/logging"
	"tubeprompt/internal/metrics"
	"tubeprompt/internal/settings"
)

// State is a step of one delivery attempt.
type State string

const (
	StateIdle             State = "IDLE"
	StateFetching         State = "FETCHING"
	StateLocatingInput    State = "LOCATING_INPUT"
	StateInjecting        State = "INJECTING"
	StateSubmitDisabled   State = "SUBMIT_DISABLED"
	StateAttemptingSubmit State = "ATTEMPTING_SUBMIT"
	StateDone             State = "DONE"
)

// Outcome is how one attempt ended.
type Outcome string

const (
	OutcomeSubmitted     Outcome = "submitted"
	OutcomeFilled        Outcome = "filled"         // fill-only mode
	OutcomeNoPending     Outcome = "no_pending"     // nothing to deliver
	OutcomeStale         Outcome = "stale"          // expected id does not match
	OutcomeSkipped       Outcome = "skipped"        // page load with auto-send off
	OutcomeInputNotFound Outcome = "input_not_found"
	OutcomeSubmitTimeout Outcome = "submit_unavailable"
	OutcomeError         Outcome = "error"
)

// Result records one finished attempt.
type Result struct {
	RequestID string
	Outcome   Outcome
	Trail     []State
	Err       error
	Duration  time.Duration
}

// Config bounds the agent's polling.
type Config struct {
	InputAttempts  int
	InputInterval  time.Duration
	SubmitRetries  int
	SubmitInterval time.Duration
}

// DefaultConfig polls the editor 5 times and the submit control 3 times,
// 300ms apart.
func DefaultConfig() Config {
	return Config{
		InputAttempts:  5,
		InputInterval:  300 * time.Millisecond,
		SubmitRetries:  2,
		SubmitInterval: 300 * time.Millisecond,
	}
}

type request struct {
	expectedID     string
	onlyIfAutoSend bool
}

// Agent serializes deliveries for one page. At most one attempt runs and at
// most one more is queued; a newer request replaces a queued one.
type Agent struct {
	doc   Document
	store *settings.Store
	cfg   Config
	name  string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	idle     *sync.Cond // signalled when running drops to false
	running  bool
	queued   *request
	closed   bool
	state    State
	last     Result
	OnResult func(Result) // optional; called after every attempt
}

// NewAgent creates an agent for doc. name identifies the page in logs.
func NewAgent(doc Document, store *settings.Store, cfg Config, name string) *Agent {
	def := DefaultConfig()
	if cfg.InputAttempts <= 0 {
		cfg.InputAttempts = def.InputAttempts
	}
	if cfg.InputInterval <= 0 {
		cfg.InputInterval = def.InputInterval
	}
	if cfg.SubmitRetries < 0 {
		cfg.SubmitRetries = def.SubmitRetries
	}
	if cfg.SubmitInterval <= 0 {
		cfg.SubmitInterval = def.SubmitInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		doc:    doc,
		store:  store,
		cfg:    cfg,
		name:   name,
		ctx:    ctx,
		cancel: cancel,
		state:  StateIdle,
	}
	a.idle = sync.NewCond(&a.mu)
	return a
}

// Deliver handles a DELIVER_PROMPT signal for id.
func (a *Agent) Deliver(id string) {
	a.schedule(request{expectedID: id})
}

// PageLoaded handles the page's own load. It delivers whatever is pending,
// but only when auto-send is enabled.
func (a *Agent) PageLoaded() {
	a.schedule(request{onlyIfAutoSend: true})
}

func (a *Agent) schedule(req request) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	if a.running {
		if a.queued != nil {
			logging.DeliveryDebug("[%s] replacing queued delivery", a.name)
		}
		a.queued = &req
		a.mu.Unlock()
		return
	}
	a.running = true
	a.wg.Add(1)
	a.mu.Unlock()

	go a.loop(req)
}

func (a *Agent) loop(req request) {
	defer a.wg.Done()
	for {
		res := a.run(req)

		a.mu.Lock()
		a.last = res
		onResult := a.OnResult
		a.mu.Unlock()

		if onResult != nil {
			onResult(res)
		}

		a.mu.Lock()
		next := a.queued
		a.queued = nil
		if next == nil || a.closed {
			a.running = false
			a.idle.Broadcast()
			a.mu.Unlock()
			return
		}
		a.mu.Unlock()
		req = *next
	}
}

// Wait blocks until no delivery is running or queued. It is safe to call
// concurrently with Deliver and PageLoaded.
func (a *Agent) Wait() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for a.running {
		a.idle.Wait()
	}
}

// Close cancels the running attempt, drops the queued one and waits.
func (a *Agent) Close() {
	a.mu.Lock()
	a.closed = true
	a.queued = nil
	a.mu.Unlock()
	a.cancel()
	a.wg.Wait()
}

// State returns the step the current attempt is in.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// LastResult returns the most recent finished attempt.
func (a *Agent) LastResult() Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// run executes one attempt. It never panics and never returns an error to the
// scheduler; failures end the attempt with the pending request untouched.
func (a *Agent) run(req request) (res Result) {
	start := time.Now()
	res.RequestID = req.expectedID
	log := logging.WithRequestID(logging.CategoryDelivery, req.expectedID)

	enter := func(s State) {
		a.mu.Lock()
		a.state = s
		a.mu.Unlock()
		res.Trail = append(res.Trail, s)
		log.Debug("[%s] %s", a.name, s)
	}

	defer func() {
		if r := recover(); r != nil {
			res.Outcome = OutcomeError
			res.Err = fmt.Errorf("panic during delivery: %v", r)
		}
		if res.Outcome == OutcomeError {
			log.Warn("[%s] Delivery failed, pending request retained: %v", a.name, res.Err)
		}
		enter(StateDone)
		a.mu.Lock()
		a.state = StateIdle
		a.mu.Unlock()
		res.Duration = time.Since(start)
		metrics.DeliveriesTotal.WithLabelValues(string(res.Outcome)).Inc()
		metrics.DeliveryDuration.Observe(res.Duration.Seconds())
		logging.Audit(logging.CategoryDelivery).Log(logging.AuditEvent{
			EventType:  logging.AuditDeliveryDone,
			RequestID:  res.RequestID,
			TabID:      a.name,
			Outcome:    string(res.Outcome),
			Success:    res.Outcome == OutcomeSubmitted || res.Outcome == OutcomeFilled,
			DurationMs: res.Duration.Milliseconds(),
			Error:      errString(res.Err),
		})
	}()

	ctx := a.ctx

	enter(StateFetching)
	cfg := a.store.Settings(ctx)
	if req.onlyIfAutoSend && !cfg.AutoSend {
		log.Debug("[%s] auto-send disabled, skipping page-load delivery", a.name)
		res.Outcome = OutcomeSkipped
		return res
	}
	pending, ok := a.store.Pending(ctx)
	if !ok {
		logging.Delivery("[%s] No pending prompt found", a.name)
		res.Outcome = OutcomeNoPending
		return res
	}
	if req.expectedID != "" && pending.ID != "" && req.expectedID != pending.ID {
		log.Debug("[%s] pending id %s does not match, ignoring delivery", a.name, pending.ID)
		res.Outcome = OutcomeStale
		return res
	}
	res.RequestID = pending.ID
	log = logging.WithRequestID(logging.CategoryDelivery, pending.ID)

	enter(StateLocatingInput)
	editor, err := a.locateEditor(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Warn("[%s] Input surface not found after %d attempts, pending prompt retained", a.name, a.cfg.InputAttempts)
			res.Outcome = OutcomeInputNotFound
		} else {
			res.Outcome = OutcomeError
		}
		res.Err = err
		return res
	}

	enter(StateInjecting)
	blocks := BuildBlocks(RenderTemplate(cfg.PromptTemplate, Fields{
		URL:     pending.URL,
		Title:   pending.Title,
		Channel: pending.Channel,
	}))
	if err := editor.Replace(ctx, blocks); err != nil {
		res.Outcome, res.Err = OutcomeError, fmt.Errorf("write input surface: %w", err)
		return res
	}

	if !cfg.AutoSend {
		enter(StateSubmitDisabled)
		log.Info("[%s] Auto-send disabled; prompt filled only", a.name)
		res.Outcome = OutcomeFilled
		return res
	}

	enter(StateAttemptingSubmit)
	sent, err := a.attemptSubmit(ctx, cfg.SendDelay())
	if err != nil {
		res.Outcome, res.Err = OutcomeError, err
		return res
	}
	if !sent {
		log.Warn("[%s] Submit control not ready, pending prompt retained", a.name)
		res.Outcome = OutcomeSubmitTimeout
		return res
	}

	// A newer trigger may have replaced the pending request meanwhile.
	if cur, ok := a.store.Pending(ctx); ok && cur.ID == pending.ID {
		_ = a.store.ClearPending(ctx)
	}
	log.Info("[%s] Prompt submitted", a.name)
	res.Outcome = OutcomeSubmitted
	return res
}

func (a *Agent) locateEditor(ctx context.Context) (Editor, error) {
	for attempt := 1; ; attempt++ {
		ed, err := a.doc.FindEditor(ctx)
		if err == nil {
			return ed, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("find input surface: %w", err)
		}
		if attempt >= a.cfg.InputAttempts {
			return nil, fmt.Errorf("input surface: %w", ErrNotFound)
		}
		if err := sleep(ctx, a.cfg.InputInterval); err != nil {
			return nil, err
		}
	}
}

// attemptSubmit waits delay, then tries to click an enabled submit control
// once plus SubmitRetries more times.
func (a *Agent) attemptSubmit(ctx context.Context, delay time.Duration) (bool, error) {
	if err := sleep(ctx, delay); err != nil {
		return false, err
	}
	for remaining := a.cfg.SubmitRetries; ; remaining-- {
		ctrl, err := a.doc.FindSubmit(ctx)
		switch {
		case err == nil:
			disabled, derr := ctrl.Disabled(ctx)
			if derr != nil {
				return false, fmt.Errorf("inspect submit control: %w", derr)
			}
			if !disabled {
				if err := ctrl.Click(ctx); err != nil {
					return false, fmt.Errorf("click submit control: %w", err)
				}
				return true, nil
			}
		case !errors.Is(err, ErrNotFound):
			return false, fmt.Errorf("find submit control: %w", err)
		}
		if remaining <= 0 {
			return false, nil
		}
		if err := sleep(ctx, a.cfg.SubmitInterval); err != nil {
			return false, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
