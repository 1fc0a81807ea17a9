// Package types provides shared type definitions used across tubeprompt packages.
// This package exists to break import cycles between the correlator, the
// delivery agent and the browser host. Types here are plain data with no
// dependencies beyond the standard library.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// =============================================================================
// WIRE MESSAGES
// =============================================================================

// Message types exchanged between the trigger surface, the correlator and the
// delivery agent.
const (
	MessageOpenGemini    = "OPEN_GEMINI"
	MessageDeliverPrompt = "DELIVER_PROMPT"
)

// Message is the envelope every signal travels in.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage encodes payload into a message of the given type.
func NewMessage(typ string, payload interface{}) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return Message{Type: typ, Payload: raw}, nil
}

// Decode unmarshals the payload into dst. A missing payload decodes as the
// zero value.
func (m Message) Decode(dst interface{}) error {
	if len(m.Payload) == 0 || string(m.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(m.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// TriggerPayload carries the metadata of one actionable video.
type TriggerPayload struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Channel string `json:"channel"`
}

// Normalize trims surrounding whitespace from every field.
func (p TriggerPayload) Normalize() TriggerPayload {
	return TriggerPayload{
		URL:     strings.TrimSpace(p.URL),
		Title:   strings.TrimSpace(p.Title),
		Channel: strings.TrimSpace(p.Channel),
	}
}

// DeliverPayload tells a delivery agent which pending request it should run.
type DeliverPayload struct {
	ID string `json:"id"`
}

// Ack is the synchronous acknowledgement of a trigger.
type Ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// =============================================================================
// TAB MODEL
// =============================================================================

// TabID identifies a browser tab (a CDP target id for the rod host).
type TabID string

// TabStatus is the load status of a tab.
type TabStatus string

const (
	TabLoading  TabStatus = "loading"
	TabComplete TabStatus = "complete"
)

// Tab describes one open browser tab.
type Tab struct {
	ID     TabID     `json:"id"`
	URL    string    `json:"url"`
	Title  string    `json:"title,omitempty"`
	Status TabStatus `json:"status"`
	Active bool      `json:"active,omitempty"`
}

// IsComplete reports whether the tab has finished loading.
func (t Tab) IsComplete() bool {
	return t.Status == TabComplete
}

// StatusUpdate is one tab lifecycle notification.
type StatusUpdate struct {
	TabID  TabID
	Status TabStatus
	URL    string
}
