package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrMalformedPayload  = errors.New("malformed webhook payload")
	ErrMissingExternalID = errors.New("missing external id")
)

// Outcome is what an event means for a payment.
type Outcome int

const (
	OutcomeOther Outcome = iota
	OutcomeSuccess
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	default:
		return "other"
	}
}

// Event type names. The "payment.*" names are the gateway's legacy scheme;
// card and bank-transfer rails each report their own intent events.
var eventOutcomes = map[string]Outcome{
	"payment.succeeded":              OutcomeSuccess,
	"payment_intent.succeeded":       OutcomeSuccess,
	"bank_transfer.succeeded":        OutcomeSuccess,
	"bank_transfer_intent.succeeded": OutcomeSuccess,
	"payment.failed":                 OutcomeFailure,
	"payment_intent.failed":          OutcomeFailure,
	"payment_intent.canceled":        OutcomeFailure,
	"bank_transfer.failed":           OutcomeFailure,
	"bank_transfer_intent.failed":    OutcomeFailure,
	"bank_transfer_intent.canceled":  OutcomeFailure,
}

// Classify maps an event type to its outcome.
func Classify(eventType string) Outcome {
	return eventOutcomes[strings.ToLower(strings.TrimSpace(eventType))]
}

// Event is the canonical form of a gateway callback, independent of which
// envelope shape delivered it.
type Event struct {
	Type       string
	ExternalID string
	PaymentRef string
	Metadata   map[string]any
	Raw        json.RawMessage
}

// Outcome classifies the event type.
func (e Event) Outcome() Outcome {
	return Classify(e.Type)
}

// ParseEvent normalizes a verified callback body. Two envelope shapes exist:
// {"type": ..., "data": {...}} and a flat object carrying "event_type" and
// the intent fields at the root.
func ParseEvent(body []byte) (Event, error) {
	var root map[string]any
	if err := json.Unmarshal(body, &root); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if root == nil {
		return Event{}, ErrMalformedPayload
	}

	evt := Event{Raw: json.RawMessage(body)}
	evt.Type = firstString(root["type"], root["event_type"])

	data := object(root["data"])
	if len(data) == 0 {
		data = root
	}
	checkout := object(data["checkout"])

	evt.ExternalID = firstString(
		data["id"],
		object(data["payment"])["id"],
		object(checkout["latest_intent"])["id"],
		checkout["id"],
		root["id"],
	)
	if evt.ExternalID == "" {
		return evt, ErrMissingExternalID
	}

	evt.Metadata = firstObject(data["metadata"], root["metadata"], checkout["metadata"])
	evt.PaymentRef = firstString(evt.Metadata["pago_id"])
	return evt, nil
}

func object(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func firstObject(values ...any) map[string]any {
	for _, v := range values {
		if m := object(v); len(m) > 0 {
			return m
		}
	}
	return map[string]any{}
}

// firstString returns the first value that renders as a non-empty id. Numeric
// ids are accepted because older payloads sent integer references.
func firstString(values ...any) string {
	for _, v := range values {
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				return s
			}
		case float64:
			if t != 0 {
				return strconv.FormatFloat(t, 'f', -1, 64)
			}
		}
	}
	return ""
}
