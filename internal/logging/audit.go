package logging

import (
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// AUDIT EVENTS - one entry per coordinator lifecycle transition
// =============================================================================

// AuditEventType names a lifecycle transition of a trigger or delivery.
type AuditEventType string

const (
	AuditTriggerAccepted AuditEventType = "trigger_accepted"
	AuditTriggerRejected AuditEventType = "trigger_rejected"
	AuditWaitArmed       AuditEventType = "wait_armed"
	AuditWaitReady       AuditEventType = "wait_ready"
	AuditWaitTimeout     AuditEventType = "wait_timeout"
	AuditWaitSuperseded  AuditEventType = "wait_superseded"
	AuditSignalSent      AuditEventType = "signal_sent"
	AuditSignalFailed    AuditEventType = "signal_failed"
	AuditDeliveryDone    AuditEventType = "delivery_done"
)

// AuditEvent is a structured audit log entry.
type AuditEvent struct {
	EventType  AuditEventType
	RequestID  string
	TabID      string
	Outcome    string
	Success    bool
	DurationMs int64
	Error      string
	Message    string
}

// AuditLogger writes audit events into the audit category.
type AuditLogger struct {
	source Category
}

// Audit returns an audit logger attributing events to source.
func Audit(source Category) *AuditLogger {
	return &AuditLogger{source: source}
}

// Log writes ev with a timestamp; empty fields are omitted.
func (a *AuditLogger) Log(ev AuditEvent) {
	fields := []zap.Field{
		zap.String("event", string(ev.EventType)),
		zap.String("source", string(a.source)),
		zap.Bool("success", ev.Success),
		zap.Int64("ts", time.Now().UnixMilli()),
	}
	if ev.RequestID != "" {
		fields = append(fields, zap.String("req", ev.RequestID))
	}
	if ev.TabID != "" {
		fields = append(fields, zap.String("tab", ev.TabID))
	}
	if ev.Outcome != "" {
		fields = append(fields, zap.String("outcome", ev.Outcome))
	}
	if ev.DurationMs > 0 {
		fields = append(fields, zap.Int64("dur_ms", ev.DurationMs))
	}
	if ev.Error != "" {
		fields = append(fields, zap.String("error", ev.Error))
	}
	msg := ev.Message
	if msg == "" {
		msg = string(ev.EventType)
	}
	Get(CategoryAudit).With(fields...).Info("%s", msg)
}
