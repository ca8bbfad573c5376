//go:build ignore

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ormasoftchile/gantry/pkg/pipeline"
)

const out = "schemas/pipeline-v1.json"

func main() {
	data, err := pipeline.GenerateJSONSchema()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "mkdir: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("wrote " + out)
}
