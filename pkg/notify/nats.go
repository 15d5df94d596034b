// Package notify fans audit records out to NATS subscribers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	apperrors "github.com/odvcencio/guardrail/pkg/errors"
)

// DefaultSubject is the base subject; records go to <subject>.<pipeline>.<outcome>.
const DefaultSubject = "guardrail.audit"

// conn is the part of *nats.Conn the publisher uses.
type conn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Close()
}

// NATSPublisher publishes audit records to NATS.
type NATSPublisher struct {
	conn    conn
	subject string
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	// URL is the NATS server URL
	URL string

	// Subject is the base subject for records
	Subject string

	// ConnectTimeout is the connection timeout
	ConnectTimeout time.Duration

	// Name identifies the client to the server.
	Name string
}

// NewNATSPublisher connects to NATS. The connection retries in the
// background, so a server that is down at startup is not an error;
// publishes are buffered until it comes back.
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "guardrail"
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeConfigInvalid, "connect to NATS").
			WithContext("url", cfg.URL)
	}
	return newPublisher(nc, cfg.Subject), nil
}

func newPublisher(c conn, subject string) *NATSPublisher {
	subject = strings.Trim(strings.TrimSpace(subject), ".")
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSPublisher{conn: c, subject: subject}
}

// Subject returns the subject a record with these tokens is published on.
func (p *NATSPublisher) Subject(tokens ...string) string {
	parts := []string{p.subject}
	for _, t := range tokens {
		if t = subjectToken(t); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, ".")
}

// subjectToken strips characters NATS treats as separators or wildcards.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, strings.TrimSpace(s))
}

// Publish marshals v as JSON and publishes it on Subject(tokens...).
func (p *NATSPublisher) Publish(ctx context.Context, v any, tokens ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "encode NATS payload")
	}
	subject := p.Subject(tokens...)
	if err := p.conn.Publish(subject, data); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeTransientExecution, fmt.Sprintf("publish to %s", subject)).
			WithRetryable(true)
	}
	return nil
}

// Flush waits until the server has acknowledged everything published.
func (p *NATSPublisher) Flush(ctx context.Context) error {
	return p.conn.FlushWithContext(ctx)
}

// Close closes the NATS connection.
func (p *NATSPublisher) Close() error {
	p.conn.Close()
	return nil
}
