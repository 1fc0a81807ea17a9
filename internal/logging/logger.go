// Package logging provides categorized structured logging for tubeprompt.
// Every subsystem logs through a named category so output can be filtered per
// category; the underlying sink is a single zap core configured at startup.
// Until Initialize is called all loggers are no-ops.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot       Category = "boot"       // Startup, shutdown, wiring
	CategoryCorrelator Category = "correlator" // Trigger handling, readiness waits
	CategoryDelivery   Category = "delivery"   // Per-tab delivery agent
	CategoryStore      Category = "store"      // Key/value backends
	CategorySettings   Category = "settings"   // Settings and pending request access
	CategoryBrowser    Category = "browser"    // Chrome/CDP host
	CategoryServer     Category = "server"     // HTTP transport
	CategoryAudit      Category = "audit"      // Lifecycle audit events
)

// Options mirrors config.LoggingConfig to avoid an import cycle.
type Options struct {
	Level      string          // debug, info, warn, error
	Format     string          // json, console
	File       string          // empty = stderr
	Categories map[string]bool // per-category toggles, missing = enabled
}

// Logger is a category-scoped printf-style logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu         sync.RWMutex
	base       = zap.NewNop()
	categories map[string]bool
	closeSink  func()
)

// Initialize builds the process-wide zap core from opts.
// Safe to call more than once; the previous sink is closed.
func Initialize(opts Options) error {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return err
	}

	var encoder zapcore.Encoder
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	switch strings.ToLower(opts.Format) {
	case "", "json":
		encoder = zapcore.NewJSONEncoder(encCfg)
	case "console", "text":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	default:
		return fmt.Errorf("unknown log format %q", opts.Format)
	}

	sink := zapcore.Lock(zapcore.AddSync(os.Stderr))
	var closer func()
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		ws, c, err := zap.Open(opts.File)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", opts.File, err)
		}
		sink, closer = ws, c
	}

	core := zapcore.NewCore(encoder, sink, zap.NewAtomicLevelAt(level))

	mu.Lock()
	prevClose := closeSink
	base = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	categories = opts.Categories
	closeSink = closer
	mu.Unlock()

	if prevClose != nil {
		prevClose()
	}
	return nil
}

func parseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
}

// SetCore replaces the sink with core and returns a function restoring the
// previous one. Intended for tests using zaptest/observer.
func SetCore(core zapcore.Core) (restore func()) {
	mu.Lock()
	prev, prevCats := base, categories
	base = zap.New(core)
	categories = nil
	mu.Unlock()
	return func() {
		mu.Lock()
		base, categories = prev, prevCats
		mu.Unlock()
	}
}

// Sync flushes buffered entries and closes the file sink, if any.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	_ = base.Sync()
	if closeSink != nil {
		closeSink()
		closeSink = nil
	}
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	if categories == nil {
		return true
	}
	enabled, exists := categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns a logger for the given category.
// Returns a no-op logger if the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category, sugar: zap.NewNop().Sugar()}
	}
	mu.RLock()
	l := base
	mu.RUnlock()
	return &Logger{
		category: category,
		sugar:    l.With(zap.String("cat", string(category))).Sugar(),
	}
}

// With returns a copy of the logger carrying additional structured fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.Desugar().With(fields...).Sugar()}
}

func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// WithRequestID returns a category logger tagged with a correlation id.
func WithRequestID(category Category, requestID string) *Logger {
	return Get(category).With(zap.String("req", requestID))
}

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}

// =============================================================================
// CATEGORY SHORTCUTS
// =============================================================================

func Boot(format string, args ...interface{})     { Get(CategoryBoot).Info(format, args...) }
func BootWarn(format string, args ...interface{}) { Get(CategoryBoot).Warn(format, args...) }

func Correlator(format string, args ...interface{})      { Get(CategoryCorrelator).Info(format, args...) }
func CorrelatorDebug(format string, args ...interface{}) { Get(CategoryCorrelator).Debug(format, args...) }
func CorrelatorWarn(format string, args ...interface{})  { Get(CategoryCorrelator).Warn(format, args...) }

func Delivery(format string, args ...interface{})      { Get(CategoryDelivery).Info(format, args...) }
func DeliveryDebug(format string, args ...interface{}) { Get(CategoryDelivery).Debug(format, args...) }
func DeliveryWarn(format string, args ...interface{})  { Get(CategoryDelivery).Warn(format, args...) }

func Store(format string, args ...interface{})      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }
func StoreWarn(format string, args ...interface{})  { Get(CategoryStore).Warn(format, args...) }

func SettingsWarn(format string, args ...interface{}) { Get(CategorySettings).Warn(format, args...) }

func Browser(format string, args ...interface{})      { Get(CategoryBrowser).Info(format, args...) }
func BrowserDebug(format string, args ...interface{}) { Get(CategoryBrowser).Debug(format, args...) }
func BrowserWarn(format string, args ...interface{})  { Get(CategoryBrowser).Warn(format, args...) }

func Server(format string, args ...interface{})     { Get(CategoryServer).Info(format, args...) }
func ServerWarn(format string, args ...interface{}) { Get(CategoryServer).Warn(format, args...) }
