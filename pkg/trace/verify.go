package trace

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// VerifyResult is the outcome of verifying a trace file.
type VerifyResult struct {
	EventCount int
	Valid      bool
	BrokenAt   int // -1 if no break
	Complete   bool
	Error      string
}

// VerifyFile verifies the hash chain of a trace file.
func VerifyFile(path string) (*VerifyResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()
	return Verify(f)
}

// Verify checks that every event links to the line before it. Complete
// reports whether the trail ends with run_complete.
func Verify(r io.Reader) (*VerifyResult, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	expected := genesis
	count := 0
	var last Event
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		count++
		var evt Event
		if err := json.Unmarshal(line, &evt); err != nil {
			return broken(count, fmt.Sprintf("event %d: invalid JSON: %v", count, err)), nil
		}
		if evt.PrevHash != expected {
			return broken(count, fmt.Sprintf("event %d: prev_hash mismatch", count)), nil
		}
		if evt.Seq != count {
			return broken(count, fmt.Sprintf("event %d: sequence %d out of order", count, evt.Seq)), nil
		}
		sum := blake3.Sum256(line)
		expected = hex.EncodeToString(sum[:])
		last = evt
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	return &VerifyResult{
		EventCount: count,
		Valid:      true,
		BrokenAt:   -1,
		Complete:   last.Type == EventRunComplete,
	}, nil
}

func broken(at int, msg string) *VerifyResult {
	return &VerifyResult{EventCount: at, BrokenAt: at, Error: msg}
}
