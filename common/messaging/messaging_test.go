package messaging

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewMessage(t *testing.T) {
	before := time.Now().UTC()
	msg := NewMessage("intel.observables.created", []byte(`{"id":"1"}`), WithHeader(HeaderProvider, "example.org"))

	if msg.Subject != "intel.observables.created" {
		t.Errorf("expected Subject 'intel.observables.created', got %q", msg.Subject)
	}
	if string(msg.Data) != `{"id":"1"}` {
		t.Errorf("unexpected Data %q", string(msg.Data))
	}
	if msg.Metadata[HeaderProvider] != "example.org" {
		t.Errorf("expected provider header 'example.org', got %q", msg.Metadata[HeaderProvider])
	}
	if msg.Timestamp.Before(before) {
		t.Errorf("expected Timestamp after %v, got %v", before, msg.Timestamp)
	}
}

func TestNewMessage_NoHeaders(t *testing.T) {
	msg := NewMessage("s", nil)
	if msg.Metadata != nil {
		t.Errorf("expected nil Metadata, got %v", msg.Metadata)
	}
}

func TestWithHeader(t *testing.T) {
	tests := []struct {
		name     string
		headers  []struct{ key, value string }
		expected map[string]string
	}{
		{
			name:     "single header",
			headers:  []struct{ key, value string }{{HeaderOType, "ipv4"}},
			expected: map[string]string{HeaderOType: "ipv4"},
		},
		{
			name: "multiple headers",
			headers: []struct{ key, value string }{
				{HeaderOType, "fqdn"},
				{HeaderRelated, "abc"},
			},
			expected: map[string]string{HeaderOType: "fqdn", HeaderRelated: "abc"},
		},
		{
			name: "overwrite header",
			headers: []struct{ key, value string }{
				{HeaderReason, "decode"},
				{HeaderReason, "backend"},
			},
			expected: map[string]string{HeaderReason: "backend"},
		},
		{
			name:     "empty value dropped",
			headers:  []struct{ key, value string }{{HeaderRelated, ""}},
			expected: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := &publishOptions{}
			for _, h := range tt.headers {
				WithHeader(h.key, h.value)(opts)
			}

			if len(opts.headers) != len(tt.expected) {
				t.Fatalf("expected %d headers, got %d", len(tt.expected), len(opts.headers))
			}
			for k, v := range tt.expected {
				if opts.headers[k] != v {
					t.Errorf("expected header %q=%q, got %q", k, v, opts.headers[k])
				}
			}
		})
	}
}

type fakeConn struct {
	connected bool
	flushErr  error
}

func (f fakeConn) IsConnected() bool { return f.connected }

func (f fakeConn) FlushContext(context.Context) error { return f.flushErr }

type plainConn bool

func (p plainConn) IsConnected() bool { return bool(p) }

func TestCheckHealth(t *testing.T) {
	tests := []struct {
		name    string
		conn    Connection
		healthy bool
	}{
		{name: "nil", conn: nil},
		{name: "disconnected", conn: fakeConn{}},
		{name: "flush fails", conn: fakeConn{connected: true, flushErr: errors.New("timeout")}},
		{name: "healthy", conn: fakeConn{connected: true}, healthy: true},
		{name: "no flusher", conn: plainConn(true), healthy: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := CheckHealth(context.Background(), tt.conn)
			if status.Healthy() != tt.healthy {
				t.Errorf("expected healthy=%v, got %+v", tt.healthy, status)
			}
		})
	}
}

type plainPublisher struct {
	subject string
}

func (p *plainPublisher) Publish(_ context.Context, subject string, _ []byte) error {
	p.subject = subject
	return nil
}

func (p *plainPublisher) Close() error { return nil }

type headerPublisher struct {
	plainPublisher
	msg *Message
}

func (p *headerPublisher) PublishMsg(_ context.Context, msg *Message) error {
	p.msg = msg
	return nil
}

func TestPublishWithHeaders(t *testing.T) {
	ctx := context.Background()

	plain := &plainPublisher{}
	if err := PublishWithHeaders(ctx, plain, "a", nil, WithHeader(HeaderOType, "ipv4")); err != nil {
		t.Fatal(err)
	}
	if plain.subject != "a" {
		t.Errorf("expected plain publish to subject a, got %q", plain.subject)
	}

	hp := &headerPublisher{}
	if err := PublishWithHeaders(ctx, hp, "b", []byte("x"), WithHeader(HeaderOType, "ipv4")); err != nil {
		t.Fatal(err)
	}
	if hp.subject != "" {
		t.Errorf("expected PublishMsg, got plain publish to %q", hp.subject)
	}
	if hp.msg == nil || hp.msg.Subject != "b" || hp.msg.Metadata[HeaderOType] != "ipv4" {
		t.Errorf("unexpected message %+v", hp.msg)
	}
}
