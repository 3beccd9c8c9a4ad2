package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Event is one session lifecycle record. It never carries tokens or passwords.
type Event struct {
	At        time.Time         `json:"at"`
	Type      string            `json:"type"`
	Success   bool              `json:"success"`
	UserID    string            `json:"user_id,omitempty"`
	Username  string            `json:"username,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Sink receives events from the dispatcher worker, one at a time.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink drops events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// ChannelSink hands events to a consumer goroutine. Emit blocks while the buffer is
// full, which in turn backs up the dispatcher queue.
type ChannelSink struct {
	ch chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{ch: make(chan Event, max(buffer, 1))}
}

func (s *ChannelSink) Emit(ctx context.Context, event Event) {
	select {
	case <-ctx.Done():
	case s.ch <- event:
	}
}

func (s *ChannelSink) Events() <-chan Event { return s.ch }

// JSONWriterSink encodes each event as a single JSON line.
type JSONWriterSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	if w == nil {
		return &JSONWriterSink{}
	}
	return &JSONWriterSink{enc: json.NewEncoder(w)}
}

func (s *JSONWriterSink) Emit(_ context.Context, event Event) {
	if s == nil || s.enc == nil {
		return
	}
	s.mu.Lock()
	_ = s.enc.Encode(event)
	s.mu.Unlock()
}

// LogrusSink logs each event as a structured entry; failures go out at warn level.
type LogrusSink struct {
	log logrus.FieldLogger
}

func NewLogrusSink(l logrus.FieldLogger) *LogrusSink {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &LogrusSink{log: l}
}

func (s *LogrusSink) Emit(_ context.Context, event Event) {
	entry := s.log.WithFields(logrus.Fields{
		"event":   event.Type,
		"success": event.Success,
	})
	for key, val := range map[string]string{
		"user_id":    event.UserID,
		"username":   event.Username,
		"request_id": event.RequestID,
		"error":      event.Error,
	} {
		if val != "" {
			entry = entry.WithField(key, val)
		}
	}
	for k, v := range event.Metadata {
		entry = entry.WithField("meta_"+k, v)
	}

	if event.Success {
		entry.Info("session audit")
	} else {
		entry.Warn("session audit")
	}
}
