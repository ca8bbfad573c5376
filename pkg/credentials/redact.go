package credentials

import (
	"bytes"
	"io"
	"slices"
	"strings"
	"sync"
)

// Mask replaces every redacted secret value.
const Mask = "****"

// Redactor masks known secret values in text.
type Redactor struct {
	mu     sync.RWMutex
	values []string
}

// NewRedactor returns a Redactor for values; empty values are ignored.
func NewRedactor(values ...string) *Redactor {
	r := &Redactor{}
	for _, v := range values {
		r.Add(v)
	}
	return r
}

// Add registers another value to mask.
func (r *Redactor) Add(v string) {
	if v == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if slices.Contains(r.values, v) {
		return
	}
	r.values = append(r.values, v)
	// Longest first, so a secret containing another is masked whole.
	slices.SortFunc(r.values, func(a, b string) int { return len(b) - len(a) })
}

// Merge returns a new Redactor masking the values of r and others.
func (r *Redactor) Merge(others ...*Redactor) *Redactor {
	out := NewRedactor(r.snapshot()...)
	for _, o := range others {
		if o == nil {
			continue
		}
		for _, v := range o.snapshot() {
			out.Add(v)
		}
	}
	return out
}

// Absorb adds the values of others to r in place.
func (r *Redactor) Absorb(others ...*Redactor) {
	for _, o := range others {
		for _, v := range o.snapshot() {
			r.Add(v)
		}
	}
}

func (r *Redactor) snapshot() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.values)
}

// Empty reports whether no value is registered.
func (r *Redactor) Empty() bool {
	return len(r.snapshot()) == 0
}

// Redact returns s with every registered value masked.
func (r *Redactor) Redact(s string) string {
	for _, v := range r.snapshot() {
		s = strings.ReplaceAll(s, v, Mask)
	}
	return s
}

// Contains reports whether data holds any registered value.
func (r *Redactor) Contains(data []byte) bool {
	for _, v := range r.snapshot() {
		if bytes.Contains(data, []byte(v)) {
			return true
		}
	}
	return false
}

// maxLen returns the length of the longest registered value.
func (r *Redactor) maxLen() int {
	values := r.snapshot()
	if len(values) == 0 {
		return 0
	}
	return len(values[0])
}

// Writer returns a WriteCloser that masks secrets before they reach w.
// A value split across Write calls is still masked; up to the longest
// secret's length minus one byte is held back until more data or Close.
func (r *Redactor) Writer(w io.Writer) io.WriteCloser {
	return &redactingWriter{r: r, w: w}
}

type redactingWriter struct {
	r   *Redactor
	w   io.Writer
	mu  sync.Mutex
	buf []byte
}

func (rw *redactingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.buf = append(rw.buf, p...)
	rw.buf = []byte(rw.r.Redact(string(rw.buf)))

	hold := rw.r.maxLen() - 1
	if hold < 0 {
		hold = 0
	}
	if len(rw.buf) <= hold {
		return len(p), nil
	}
	emit := len(rw.buf) - hold
	if _, err := rw.w.Write(rw.buf[:emit]); err != nil {
		return 0, err
	}
	rw.buf = append(rw.buf[:0], rw.buf[emit:]...)
	return len(p), nil
}

// Close flushes what was held back. It does not close the underlying
// writer.
func (rw *redactingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if len(rw.buf) == 0 {
		return nil
	}
	_, err := rw.w.Write([]byte(rw.r.Redact(string(rw.buf))))
	rw.buf = nil
	return err
}
