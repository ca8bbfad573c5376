package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// LoadFile reads a definition. .json and .jsonc files are read as JSON
// with comments; anything else as YAML. Unknown fields are rejected in
// both forms.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open definition: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		return LoadJSON(data)
	default:
		return Load(bytes.NewReader(data))
	}
}

// Load decodes a YAML definition.
func Load(r io.Reader) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("structural decode: %w", err)
	}
	return &def, nil
}

// LoadJSON decodes a JSON definition; comments and trailing commas are
// allowed.
func LoadJSON(data []byte) (*Definition, error) {
	var def Definition
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("structural decode: %w", err)
	}
	return &def, nil
}
