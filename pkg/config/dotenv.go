package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// LoadDotEnv reads KEY=VALUE lines from path and sets the variables
// that are not already set. Blank lines and # comments are skipped,
// an "export " prefix and surrounding quotes are stripped. A missing
// file is not an error. It returns the keys it set.
func LoadDotEnv(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var set []string
	scanner := bufio.NewScanner(f)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return set, fmt.Errorf("%s:%d: want KEY=VALUE", path, n)
		}
		key = strings.TrimSpace(key)
		val = unquote(strings.TrimSpace(val))
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return set, fmt.Errorf("%s:%d: %w", path, n, err)
		}
		set = append(set, key)
	}
	return set, scanner.Err()
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}
