package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// SubjectPrefix prefixes every published subject; the kind is appended.
const SubjectPrefix = "tally.events."

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes each record as JSON on tally.events.<kind>.
type NATSSink struct {
	pub Publisher
}

// NewNATSSink wraps an existing publisher.
func NewNATSSink(pub Publisher) *NATSSink {
	return &NATSSink{pub: pub}
}

// ConnectNATS dials url and returns a sink together with the connection so
// the caller can drain it on shutdown.
func ConnectNATS(url string) (*NATSSink, *nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("tally"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return NewNATSSink(conn), conn, nil
}

// Subject returns the subject records of kind are published on.
func Subject(kind Kind) string {
	return SubjectPrefix + string(kind)
}

func (s *NATSSink) Deliver(ctx context.Context, records []Record) error {
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", rec.ID, err)
		}
		if err := s.pub.Publish(Subject(rec.Kind), data); err != nil {
			return fmt.Errorf("publish event %s: %w", rec.ID, err)
		}
	}
	return nil
}
