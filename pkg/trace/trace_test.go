package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ormasoftchile/gantry/pkg/credentials"
)

func TestWriter_Emit(t *testing.T) {
	var buf bytes.Buffer
	tw := NewWriter(&buf, "run-1")

	if err := tw.Emit(EventStageStart, "Build", map[string]any{"agent": "linux"}); err != nil {
		t.Fatalf("Emit error: %v", err)
	}

	var evt Event
	if err := json.Unmarshal(buf.Bytes(), &evt); err != nil {
		t.Fatalf("JSON unmarshal: %v (raw: %s)", err, buf.String())
	}
	if evt.Type != EventStageStart || evt.Stage != "Build" || evt.RunID != "run-1" {
		t.Errorf("event = %+v", evt)
	}
	if evt.Seq != 1 || evt.PrevHash != genesis {
		t.Errorf("first event seq=%d prev=%s", evt.Seq, evt.PrevHash)
	}
}

func TestWriter_Redacts(t *testing.T) {
	var buf bytes.Buffer
	tw := NewWriter(&buf, "run-1")
	tw.SetRedactor(credentials.NewRedactor("hunter2"))

	tw.Emit(EventStepComplete, "Push", map[string]any{
		"error":  "login failed for hunter2",
		"nested": map[string]any{"cmd": "echo hunter2"},
		"err":    errors.New("bad token hunter2"),
		"code":   1,
	})
	if strings.Contains(buf.String(), "hunter2") {
		t.Errorf("secret leaked into trace: %s", buf.String())
	}
}

func TestVerify(t *testing.T) {
	var buf bytes.Buffer
	tw := NewWriter(&buf, "run-1")
	tw.Emit(EventRunStart, "", map[string]any{"pipeline": "release"})
	tw.Emit(EventStageStart, "Build", nil)
	tw.Emit(EventRunComplete, "", map[string]any{"status": "succeeded"})

	res, err := Verify(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.EventCount != 3 || !res.Complete {
		t.Errorf("result = %+v", res)
	}

	tampered := strings.Replace(buf.String(), `"Build"`, `"Deploy"`, 1)
	res, err = Verify(strings.NewReader(tampered))
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || res.BrokenAt != 3 {
		t.Errorf("tampered trail: %+v", res)
	}
}

func TestFileWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	tw, err := NewFileWriter(path, "run-2")
	if err != nil {
		t.Fatal(err)
	}
	tw.Emit(EventRunStart, "", nil)
	tw.Emit(EventRunComplete, "", nil)
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	res, err := VerifyFile(path)
	if err != nil || !res.Valid || res.EventCount != 2 {
		t.Errorf("verify: %+v %v", res, err)
	}

	var nilWriter *Writer
	if err := nilWriter.Emit(EventRunStart, "", nil); err != nil {
		t.Errorf("nil writer: %v", err)
	}
}
