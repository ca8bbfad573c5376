// Package trace writes the append-only JSONL event trail of a run.
package trace

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/ormasoftchile/gantry/pkg/credentials"
)

// EventType enumerates trace event types.
type EventType string

const (
	EventRunStart          EventType = "run_start"
	EventRunComplete       EventType = "run_complete"
	EventStageStart        EventType = "stage_start"
	EventStageComplete     EventType = "stage_complete"
	EventStageSkipped      EventType = "stage_skipped"
	EventStepComplete      EventType = "step_complete"
	EventParallelFork      EventType = "parallel_fork"
	EventParallelMerge     EventType = "parallel_merge"
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalResolved  EventType = "approval_resolved"
	EventSlotAcquired      EventType = "slot_acquired"
	EventCleanup           EventType = "cleanup"
)

// genesis is the prev_hash of the first event.
var genesis = strings.Repeat("0", 64)

// Event is a single line of the trail. PrevHash chains each line to the
// bytes of the line before it.
type Event struct {
	Seq       int            `json:"seq"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	Stage     string         `json:"stage,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	PrevHash  string         `json:"prev_hash"`
}

// Writer appends events to a JSONL stream. A nil *Writer discards.
type Writer struct {
	mu       sync.Mutex
	w        io.Writer
	closer   io.Closer
	runID    string
	seq      int
	prevHash string
	redactor *credentials.Redactor
	now      func() time.Time
}

// NewWriter creates a trace writer on w.
func NewWriter(w io.Writer, runID string) *Writer {
	return &Writer{w: w, runID: runID, prevHash: genesis, now: time.Now}
}

// NewFileWriter creates a trace writer appending to path.
func NewFileWriter(path, runID string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	tw := NewWriter(f, runID)
	tw.closer = f
	return tw, nil
}

// SetRedactor masks the values known to r in every string written.
func (tw *Writer) SetRedactor(r *credentials.Redactor) {
	if tw == nil {
		return
	}
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.redactor = r
}

// Emit writes one event.
func (tw *Writer) Emit(eventType EventType, stage string, data map[string]any) error {
	if tw == nil {
		return nil
	}
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.redactor != nil && !tw.redactor.Empty() {
		data = redactMap(tw.redactor, data)
	}
	tw.seq++
	line, err := json.Marshal(Event{
		Seq:       tw.seq,
		Type:      eventType,
		Timestamp: tw.now().UTC(),
		RunID:     tw.runID,
		Stage:     stage,
		Data:      data,
		PrevHash:  tw.prevHash,
	})
	if err != nil {
		return fmt.Errorf("encode trace event: %w", err)
	}
	sum := blake3.Sum256(line)
	tw.prevHash = hex.EncodeToString(sum[:])
	_, err = tw.w.Write(append(line, '\n'))
	return err
}

// Close closes the underlying file, if any.
func (tw *Writer) Close() error {
	if tw == nil || tw.closer == nil {
		return nil
	}
	return tw.closer.Close()
}

func redactMap(r *credentials.Redactor, data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = redactValue(r, v)
	}
	return out
}

func redactValue(r *credentials.Redactor, v any) any {
	switch x := v.(type) {
	case string:
		return r.Redact(x)
	case []string:
		out := make([]string, len(x))
		for i, s := range x {
			out[i] = r.Redact(s)
		}
		return out
	case map[string]any:
		return redactMap(r, x)
	case error:
		return r.Redact(x.Error())
	default:
		return v
	}
}
