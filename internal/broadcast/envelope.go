package broadcast

import (
	"time"
)

// Event types carried on the push channel.
const (
	EventMetrics = "metrics"
	EventAnomaly = "anomaly"
	EventLog     = "log"
	EventStatus  = "status"
)

// Envelope is the typed message pushed to every subscriber.
type Envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
}

// NewEnvelope wraps data in an envelope stamped with the current time.
func NewEnvelope(eventType string, data any) Envelope {
	return Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Publisher fans out envelopes to connected subscribers. Implementations
// must tolerate individual delivery failures without failing the publish.
type Publisher interface {
	Publish(envelope Envelope)
}
