package backend

import (
	"bytes"
	"encoding/json"
	"strings"
)

// EventKind identifies a variant of the droid stream protocol.
type EventKind string

const (
	KindInit      EventKind = "init"
	KindAssistant EventKind = "assistant"
	KindResult    EventKind = "result"
	KindError     EventKind = "error"
	KindRawText   EventKind = "raw"
	KindStderr    EventKind = "stderr"
)

// StreamEvent is one decoded record from a droid process.
// The set of implementations is closed: InitEvent, AssistantEvent, ResultEvent,
// ErrorEvent, RawTextEvent and StderrEvent.
type StreamEvent interface {
	Kind() EventKind
	// Record returns the event as a single JSON object for the per-task event log.
	Record() json.RawMessage
	sealed()
}

// Usage is the token accounting reported by a result event.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// InitEvent carries the session identifier assigned by the droid.
type InitEvent struct {
	SessionID string
	raw       json.RawMessage
}

// AssistantEvent carries assistant text.
type AssistantEvent struct {
	Text string
	raw  json.RawMessage
}

// ResultEvent closes a run and carries usage totals.
type ResultEvent struct {
	Usage Usage
	Text  string
	raw   json.RawMessage
}

// ErrorEvent is an error reported by the droid on stdout.
type ErrorEvent struct {
	Message string
	raw     json.RawMessage
}

// RawTextEvent is a stdout line that did not decode as a known record.
// It is treated as unstructured assistant text.
type RawTextEvent struct {
	Text string
}

// StderrEvent is a chunk of standard error output.
type StderrEvent struct {
	Text string
}

func (InitEvent) Kind() EventKind      { return KindInit }
func (AssistantEvent) Kind() EventKind { return KindAssistant }
func (ResultEvent) Kind() EventKind    { return KindResult }
func (ErrorEvent) Kind() EventKind     { return KindError }
func (RawTextEvent) Kind() EventKind   { return KindRawText }
func (StderrEvent) Kind() EventKind    { return KindStderr }

func (e InitEvent) Record() json.RawMessage      { return e.raw }
func (e AssistantEvent) Record() json.RawMessage { return e.raw }
func (e ResultEvent) Record() json.RawMessage    { return e.raw }
func (e ErrorEvent) Record() json.RawMessage     { return e.raw }
func (e RawTextEvent) Record() json.RawMessage   { return synthesize(KindRawText, e.Text) }
func (e StderrEvent) Record() json.RawMessage    { return synthesize(KindStderr, e.Text) }

func (InitEvent) sealed()      {}
func (AssistantEvent) sealed() {}
func (ResultEvent) sealed()    {}
func (ErrorEvent) sealed()     {}
func (RawTextEvent) sealed()   {}
func (StderrEvent) sealed()    {}

// wireRecord is the union of every field a droid stream line may carry.
type wireRecord struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Result    string `json:"result"`
	Usage     *Usage `json:"usage"`
	Error     any    `json:"error"`
}

// ParseStreamLine decodes one newline-delimited record.
// Lines that are not JSON objects, carry an unknown type, or lack the payload
// their type requires fall back to RawTextEvent so no output is lost.
func ParseStreamLine(line []byte) StreamEvent {
	line = bytes.TrimSpace(line)
	raw := func() RawTextEvent { return RawTextEvent{Text: string(line)} }

	if len(line) == 0 || line[0] != '{' {
		return raw()
	}

	var rec wireRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return raw()
	}

	verbatim := json.RawMessage(append([]byte(nil), line...))

	switch strings.TrimSpace(rec.Type) {
	case string(KindInit):
		if rec.SessionID == "" {
			return raw()
		}
		return InitEvent{SessionID: rec.SessionID, raw: verbatim}
	case string(KindAssistant):
		return AssistantEvent{Text: rec.Text, raw: verbatim}
	case string(KindResult):
		ev := ResultEvent{Text: rec.Result, raw: verbatim}
		if rec.Usage != nil {
			ev.Usage = *rec.Usage
		}
		return ev
	case string(KindError):
		return ErrorEvent{Message: errorText(rec.Error), raw: verbatim}
	default:
		return raw()
	}
}

// errorText flattens the error field, which droids emit either as a string or
// as an object with a message.
func errorText(v any) string {
	switch e := v.(type) {
	case nil:
		return ""
	case string:
		return e
	case map[string]any:
		if msg, ok := e["message"].(string); ok {
			return msg
		}
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func synthesize(kind EventKind, text string) json.RawMessage {
	encoded, err := json.Marshal(struct {
		Type EventKind `json:"type"`
		Text string    `json:"text"`
	}{kind, text})
	if err != nil {
		return nil
	}
	return encoded
}
