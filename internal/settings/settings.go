// Package settings implements the settings store contract: user settings and
// the single outstanding pending request, persisted as whole JSON values
// under two keys. Reads never fail observably; on any error the caller gets
// compiled-in defaults merged with whatever could be decoded.
package settings

import (
	"encoding/json"
	"time"
)

// Persisted keys.
const (
	KeySettings = "settings"
	KeyPending  = "pendingPrompt"
)

// Send delay bounds in milliseconds.
const (
	DefaultSendDelayMs = 150
	MaxSendDelayMs     = 2000
)

// Settings is the user-editable configuration.
type Settings struct {
	Language              string `json:"language"`
	AutoSend              bool   `json:"autoSend"`
	OpenInNewTab          bool   `json:"openInNewTab"`
	ShowButtonOnHoverOnly bool   `json:"showButtonOnHoverOnly"`
	SendDelayMs           int    `json:"sendDelayMs"`
	PromptTemplate        string `json:"promptTemplate"`
}

// Defaults returns the compiled-in settings for the host locale.
func Defaults() Settings {
	return DefaultsFor(HostLanguage())
}

// DefaultsFor returns the compiled-in settings for lang.
func DefaultsFor(lang string) Settings {
	lang = SanitizeLanguage(lang)
	return Settings{
		Language:              lang,
		AutoSend:              true,
		OpenInNewTab:          true,
		ShowButtonOnHoverOnly: true,
		SendDelayMs:           DefaultSendDelayMs,
		PromptTemplate:        DefaultPromptTemplate(lang),
	}
}

// ClampSendDelay bounds ms to [0, MaxSendDelayMs].
func ClampSendDelay(ms int) int {
	if ms < 0 {
		return 0
	}
	if ms > MaxSendDelayMs {
		return MaxSendDelayMs
	}
	return ms
}

// Normalize enforces the settings invariants.
func (s Settings) Normalize() Settings {
	s.Language = SanitizeLanguage(s.Language)
	s.SendDelayMs = ClampSendDelay(s.SendDelayMs)
	if s.PromptTemplate == "" {
		s.PromptTemplate = DefaultPromptTemplate(s.Language)
	}
	return s
}

// SendDelay returns the clamped delay before the first submit attempt.
func (s Settings) SendDelay() time.Duration {
	return time.Duration(ClampSendDelay(s.SendDelayMs)) * time.Millisecond
}

// mergeStored decodes raw field by field over def so that one malformed
// field does not discard the others.
func mergeStored(def Settings, raw []byte) (Settings, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return def, err
	}
	out := def
	var firstErr error
	decode := func(key string, dst interface{}) {
		v, ok := fields[key]
		if !ok || string(v) == "null" {
			return
		}
		if err := json.Unmarshal(v, dst); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	decode("language", &out.Language)
	decode("autoSend", &out.AutoSend)
	decode("openInNewTab", &out.OpenInNewTab)
	decode("showButtonOnHoverOnly", &out.ShowButtonOnHoverOnly)
	decode("sendDelayMs", &out.SendDelayMs)
	decode("promptTemplate", &out.PromptTemplate)
	return out, firstErr
}

// Patch is a partial settings update. Nil fields are left unchanged.
type Patch struct {
	Language              *string `json:"language,omitempty" yaml:"language"`
	AutoSend              *bool   `json:"autoSend,omitempty" yaml:"autoSend"`
	OpenInNewTab          *bool   `json:"openInNewTab,omitempty" yaml:"openInNewTab"`
	ShowButtonOnHoverOnly *bool   `json:"showButtonOnHoverOnly,omitempty" yaml:"showButtonOnHoverOnly"`
	SendDelayMs           *int    `json:"sendDelayMs,omitempty" yaml:"sendDelayMs"`
	PromptTemplate        *string `json:"promptTemplate,omitempty" yaml:"promptTemplate"`
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p == Patch{}
}

// Apply merges p over cur. When the language changes and cur's template is
// empty or still the previous language's default, the template follows the
// new language unless p sets one explicitly.
func (p Patch) Apply(cur Settings) Settings {
	out := cur
	if p.Language != nil {
		next := SanitizeLanguage(*p.Language)
		if next != cur.Language && p.PromptTemplate == nil &&
			(cur.PromptTemplate == "" || cur.PromptTemplate == DefaultPromptTemplate(cur.Language)) {
			out.PromptTemplate = DefaultPromptTemplate(next)
		}
		out.Language = next
	}
	if p.AutoSend != nil {
		out.AutoSend = *p.AutoSend
	}
	if p.OpenInNewTab != nil {
		out.OpenInNewTab = *p.OpenInNewTab
	}
	if p.ShowButtonOnHoverOnly != nil {
		out.ShowButtonOnHoverOnly = *p.ShowButtonOnHoverOnly
	}
	if p.SendDelayMs != nil {
		out.SendDelayMs = *p.SendDelayMs
	}
	if p.PromptTemplate != nil {
		out.PromptTemplate = *p.PromptTemplate
	}
	return out.Normalize()
}

// PendingRequest is the single outstanding prompt request.
type PendingRequest struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Title     string `json:"title"`
	Channel   string `json:"channel"`
	CreatedAt int64  `json:"createdAt"` // unix milliseconds
}

// Created returns CreatedAt as a time.
func (p PendingRequest) Created() time.Time {
	return time.UnixMilli(p.CreatedAt)
}
