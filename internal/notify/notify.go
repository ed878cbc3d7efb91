// Package notify announces round events to downstream labelling tooling
// through a signed webhook and/or a NATS subject.
package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-AL-Signature"

const (
	EventBatchCarved   = "batch.carved"
	EventBatchResolved = "batch.resolved"
	EventAppended      = "training.appended"
)

// Event is the payload of every notification.
type Event struct {
	Type      string         `json:"type"`
	RunID     string         `json:"run_id"`
	Batch     int            `json:"batch,omitempty"`
	Seed      uint64         `json:"seed,omitempty"`
	Records   int            `json:"records"`
	PerDomain map[string]int `json:"per_domain,omitempty"`
	Location  string         `json:"location,omitempty"`
	At        time.Time      `json:"at"`
}

// Notifier delivers an event.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sign returns the signature of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret.
func Verify(secret string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(Sign(secret, body)))
}
