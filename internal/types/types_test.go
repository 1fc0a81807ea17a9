package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_OpenGeminiWireFormat(t *testing.T) {
	raw := `{"type":"OPEN_GEMINI","payload":{"url":"https://www.youtube.com/watch?v=x","title":"T","channel":""}}`

	var msg Message
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	assert.Equal(t, MessageOpenGemini, msg.Type)

	var p TriggerPayload
	require.NoError(t, msg.Decode(&p))
	assert.Equal(t, "https://www.youtube.com/watch?v=x", p.URL)
	assert.Equal(t, "T", p.Title)
	assert.Empty(t, p.Channel)
}

func TestMessage_DeliverRoundTrip(t *testing.T) {
	msg, err := NewMessage(MessageDeliverPrompt, DeliverPayload{ID: "abc"})
	require.NoError(t, err)

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"DELIVER_PROMPT","payload":{"id":"abc"}}`, string(data))
}

func TestMessage_DecodeMissingPayload(t *testing.T) {
	var p TriggerPayload
	require.NoError(t, Message{Type: MessageOpenGemini}.Decode(&p))
	assert.Equal(t, TriggerPayload{}, p)

	err := Message{Type: MessageOpenGemini, Payload: json.RawMessage(`[1,2]`)}.Decode(&p)
	assert.Error(t, err)
}

func TestTriggerPayload_Normalize(t *testing.T) {
	p := TriggerPayload{URL: "  https://x  ", Title: "\tA\n", Channel: " "}.Normalize()
	assert.Equal(t, TriggerPayload{URL: "https://x", Title: "A"}, p)
}

func TestMatchURL(t *testing.T) {
	tests := []struct {
		pattern string
		url     string
		want    bool
	}{
		{"https://gemini.google.com/*", "https://gemini.google.com/app", true},
		{"https://gemini.google.com/*", "https://gemini.google.com/app/abc?hl=en", true},
		{"https://gemini.google.com/*", "https://gemini.google.com", true},
		{"https://gemini.google.com/*", "http://gemini.google.com/app", false},
		{"https://gemini.google.com/*", "https://evil.com/gemini.google.com/app", false},
		{"https://gemini.google.com/app", "https://gemini.google.com/app", true},
		{"https://gemini.google.com/app", "https://gemini.google.com/app/x", false},
		{"*://*.google.com/*", "https://gemini.google.com/app", true},
		{"*://*.google.com/*", "https://google.com/", true},
		{"https://gemini.google.com/*", "about:blank", false},
		{"no-scheme", "https://gemini.google.com/app", false},
		{"http://127.0.0.1:8080/*", "http://127.0.0.1:41234/app", true},
		{"http://127.0.0.1/*", "http://127.0.0.1:41234/app", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchURL(tt.pattern, tt.url), "%s vs %s", tt.pattern, tt.url)
	}
}
