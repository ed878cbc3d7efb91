package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Conn is the part of a NATS connection the publisher uses.
type Conn interface {
	Publish(subj string, data []byte) error
	FlushTimeout(timeout time.Duration) error
}

// NATS publishes events on subject. The event type is appended as the
// last subject token, so subscribers can filter on e.g. al.events.batch.*.
type NATS struct {
	conn    Conn
	subject string
	logger  *zap.Logger
}

// ConnectNATS dials url and returns a publisher with its connection.
func ConnectNATS(url, subject string, logger *zap.Logger) (*NATS, *nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("al-sampler"),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return NewNATS(conn, subject, logger), conn, nil
}

func NewNATS(conn Conn, subject string, logger *zap.Logger) *NATS {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATS{conn: conn, subject: subject, logger: logger}
}

func (n *NATS) Notify(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	subj := n.subject + "." + e.Type
	if err := n.conn.Publish(subj, body); err != nil {
		return fmt.Errorf("publish %s: %w", subj, err)
	}

	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if err := n.conn.FlushTimeout(timeout); err != nil {
		return fmt.Errorf("flush %s: %w", subj, err)
	}
	n.logger.Info("event published", zap.String("subject", subj))
	return nil
}
