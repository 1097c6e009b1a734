// Package calllog records the outcome of every call.
package calllog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// Outcome tags a log entry.
type Outcome string

const (
	OutcomeAccept  Outcome = "ACCEPT"
	OutcomeDecline Outcome = "DECLINE"
	OutcomeOut     Outcome = "OUT"
	OutcomeMissed  Outcome = "MISSED"
	OutcomeBusy    Outcome = "BUSY"
)

// Entry is one call log line.
type Entry struct {
	Time    time.Time `json:"timestamp"`
	Peer    string    `json:"peer"`
	Outcome Outcome   `json:"outcome"`
	Session string    `json:"session,omitempty"`
}

// String formats the entry as a log file line, without the newline.
func (e Entry) String() string {
	return fmt.Sprintf("%s %s %s", e.Time.UTC().Format(time.RFC3339), e.Outcome, e.Peer)
}

// MarshalJSON renders the timestamp as RFC 3339 UTC.
func (e Entry) MarshalJSON() ([]byte, error) {
	type alias Entry
	return json.Marshal(struct {
		alias
		Time string `json:"timestamp"`
	}{alias(e), e.Time.UTC().Format(time.RFC3339)})
}

// Sink stores call log entries.
type Sink interface {
	Append(ctx context.Context, e Entry) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Entry) error

// Append calls f.
func (f SinkFunc) Append(ctx context.Context, e Entry) error {
	return f(ctx, e)
}

// FileSink appends entries to a text file, one per line.
type FileSink struct {
	path string
	mu   sync.Mutex
}

// NewFileSink creates a sink writing to path. The file is created on first
// append.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// Append writes e to the end of the file.
func (s *FileSink) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open call log: %w", err)
	}
	if _, err := fmt.Fprintln(f, e.String()); err != nil {
		f.Close()
		return fmt.Errorf("write call log: %w", err)
	}
	return f.Close()
}

// Multi fans an entry out to every sink. All sinks are tried; their errors
// are joined.
type Multi []Sink

// Append writes e to every sink.
func (m Multi) Append(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Fake records entries for test assertions.
type Fake struct {
	mu sync.Mutex

	// Entries contains every appended entry.
	Entries []Entry

	// AppendError, if set, will be returned by Append.
	AppendError error
}

// Append records e.
func (f *Fake) Append(_ context.Context, e Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AppendError != nil {
		return f.AppendError
	}
	f.Entries = append(f.Entries, e)
	return nil
}

// Outcomes returns the recorded outcomes in order.
func (f *Fake) Outcomes() []Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Outcome, len(f.Entries))
	for i, e := range f.Entries {
		out[i] = e.Outcome
	}
	return out
}
