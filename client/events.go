package client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Event types emitted by the Copilot CLI. Other types are delivered unchanged.
const (
	EventAssistantMessageDelta = "assistant.message_delta"
	EventAssistantMessage      = "assistant.message"
	EventAssistantUsage        = "assistant.usage"
	EventSessionUsage          = "session.usage"
	EventSessionIdle           = "session.idle"
	EventSessionError          = "session.error"
)

// Event is one session event pushed by the peer. Data is kept raw; use Decode or the
// typed accessors to read it.
type Event struct {
	SessionID  string
	Type       string
	Data       json.RawMessage
	ReceivedAt time.Time
}

// MessageDelta is the payload of assistant.message_delta.
type MessageDelta struct {
	MessageID    string `json:"messageId"`
	DeltaContent string `json:"deltaContent"`
}

// AssistantMessage is the payload of assistant.message.
type AssistantMessage struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

// QuotaSnapshot reports a premium request quota.
type QuotaSnapshot struct {
	EntitlementRequests    float64 `json:"entitlementRequests"`
	UsedRequests           float64 `json:"usedRequests"`
	RemainingPercentage    float64 `json:"remainingPercentage"`
	IsUnlimitedEntitlement bool    `json:"isUnlimitedEntitlement"`
}

// RequestStats counts the requests billed for one model.
type RequestStats struct {
	Count float64 `json:"count"`
	Cost  float64 `json:"cost"`
}

// Usage is the payload of session.usage and assistant.usage.
type Usage struct {
	Model            string                   `json:"model"`
	InputTokens      int64                    `json:"inputTokens"`
	OutputTokens     int64                    `json:"outputTokens"`
	CacheReadTokens  int64                    `json:"cacheReadTokens"`
	CacheWriteTokens int64                    `json:"cacheWriteTokens"`
	Cost             float64                  `json:"cost"`
	Duration         float64                  `json:"duration"`
	QuotaSnapshots   map[string]QuotaSnapshot `json:"quotaSnapshots"`
	Requests         map[string]RequestStats  `json:"requests"`
}

// Merge overlays the non-zero fields of other onto u.
func (u *Usage) Merge(other Usage) {
	if other.Model != "" {
		u.Model = other.Model
	}
	if other.InputTokens != 0 {
		u.InputTokens = other.InputTokens
	}
	if other.OutputTokens != 0 {
		u.OutputTokens = other.OutputTokens
	}
	if other.CacheReadTokens != 0 {
		u.CacheReadTokens = other.CacheReadTokens
	}
	if other.CacheWriteTokens != 0 {
		u.CacheWriteTokens = other.CacheWriteTokens
	}
	if other.Cost != 0 {
		u.Cost = other.Cost
	}
	if other.Duration != 0 {
		u.Duration = other.Duration
	}
	if len(other.QuotaSnapshots) > 0 {
		u.QuotaSnapshots = other.QuotaSnapshots
	}
	if len(other.Requests) > 0 {
		u.Requests = other.Requests
	}
}

// Decode maps the event data onto target, a pointer to a struct or map. Field names
// follow json tags; numbers are converted across numeric kinds.
func (e Event) Decode(target any) error {
	var raw any
	if len(e.Data) > 0 {
		if err := json.Unmarshal(e.Data, &raw); err != nil {
			return fmt.Errorf("invalid %s event data: %w", e.Type, err)
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           target,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(raw); err != nil {
		return fmt.Errorf("decode %s event: %w", e.Type, err)
	}
	return nil
}

// Delta decodes an assistant.message_delta event.
func (e Event) Delta() (MessageDelta, error) {
	var d MessageDelta
	err := e.Decode(&d)
	return d, err
}

// Message decodes an assistant.message event.
func (e Event) Message() (AssistantMessage, error) {
	var m AssistantMessage
	err := e.Decode(&m)
	return m, err
}

// Usage decodes a usage event.
func (e Event) Usage() (Usage, error) {
	var u Usage
	err := e.Decode(&u)
	return u, err
}

// IsUsage reports whether the event carries token usage.
func (e Event) IsUsage() bool {
	return e.Type == EventSessionUsage || e.Type == EventAssistantUsage
}
