package events

import (
	"encoding/json"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var sensitiveKeys = []string{"password", "token", "secret", "key", "hash"}

// IsSensitiveKey reports whether a payload key must never leave the gateway.
// Matching is case-insensitive on substrings, so accessToken and
// passwordHash are caught as well.
func IsSensitiveKey(k string) bool {
	lk := strings.ToLower(k)
	for _, s := range sensitiveKeys {
		if strings.Contains(lk, s) {
			return true
		}
	}
	return false
}

// Sanitizer scrubs event payloads.
type Sanitizer struct {
	html *bluemonday.Policy
}

type Option func(*Sanitizer)

// WithHTMLPolicy strips markup from string values that contain angle
// brackets. Other strings pass through untouched.
func WithHTMLPolicy(p *bluemonday.Policy) Option {
	return func(s *Sanitizer) {
		s.html = p
	}
}

func NewSanitizer(opts ...Option) *Sanitizer {
	s := &Sanitizer{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var keysOnly = NewSanitizer()

// SanitizeEventData returns a copy of data with every denylisted key removed
// at any depth. The input is not modified.
func SanitizeEventData(data map[string]any) map[string]any {
	return keysOnly.Sanitize(data)
}

func (s *Sanitizer) Sanitize(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	return s.object(data)
}

// Event returns e with its payload sanitized.
func (s *Sanitizer) Event(e Event) Event {
	e.Payload = s.Sanitize(e.Payload)
	return e
}

func (s *Sanitizer) object(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSensitiveKey(k) {
			continue
		}
		out[k] = s.value(v)
	}
	return out
}

func (s *Sanitizer) value(v any) any {
	switch val := v.(type) {
	case nil, bool, float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return val
	case string:
		if s.html != nil && strings.ContainsAny(val, "<>") {
			return s.html.Sanitize(val)
		}
		return val
	case map[string]any:
		return s.object(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = s.value(item)
		}
		return out
	}

	// structs, typed maps and slices: reduce to the JSON data model so the
	// key filter reaches every level
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil
	}
	return s.value(generic)
}
