package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/odvcencio/guardrail/pkg/errors"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	msgs    []published
	err     error
	flushed bool
	closed  bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{subject, data})
	return nil
}

func (f *fakeConn) FlushWithContext(ctx context.Context) error {
	f.flushed = true
	return ctx.Err()
}

func (f *fakeConn) Close() { f.closed = true }

func TestSubject(t *testing.T) {
	tests := []struct {
		base   string
		tokens []string
		want   string
	}{
		{"", nil, DefaultSubject},
		{"guardrail.audit", []string{"sql", "rejected"}, "guardrail.audit.sql.rejected"},
		{"acme.audit.", []string{"chart", "timed_out"}, "acme.audit.chart.timed_out"},
		{"guardrail.audit", []string{"a.b", "*", ">", ""}, "guardrail.audit.a_b._._"},
	}
	for _, tt := range tests {
		p := newPublisher(&fakeConn{}, tt.base)
		if got := p.Subject(tt.tokens...); got != tt.want {
			t.Errorf("Subject(%q, %v) = %q, want %q", tt.base, tt.tokens, got, tt.want)
		}
	}
}

func TestPublish(t *testing.T) {
	fc := &fakeConn{}
	p := newPublisher(fc, "")

	err := p.Publish(context.Background(), map[string]any{"id": "01J", "outcome": "succeeded"}, "sql", "succeeded")
	require.NoError(t, err)
	require.Len(t, fc.msgs, 1)
	assert.Equal(t, "guardrail.audit.sql.succeeded", fc.msgs[0].subject)

	var body map[string]any
	require.NoError(t, json.Unmarshal(fc.msgs[0].data, &body))
	assert.Equal(t, "01J", body["id"])

	require.NoError(t, p.Flush(context.Background()))
	assert.True(t, fc.flushed)
	require.NoError(t, p.Close())
	assert.True(t, fc.closed)
}

func TestPublish_Errors(t *testing.T) {
	fc := &fakeConn{err: errors.New("connection closed")}
	p := newPublisher(fc, "")

	err := p.Publish(context.Background(), "x", "sql")
	assert.True(t, apperrors.IsRetryable(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Publish(ctx, "x"), context.Canceled)

	err = p.Publish(context.Background(), make(chan int))
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInternal))
}
