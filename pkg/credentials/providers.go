package credentials

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"filippo.io/age"
	"gopkg.in/yaml.v3"
)

// MemoryProvider serves credentials from a map. Used by tests and for
// inline configuration.
type MemoryProvider struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryProvider returns a provider over a copy of values.
func NewMemoryProvider(values map[string]string) *MemoryProvider {
	m := &MemoryProvider{values: make(map[string]string, len(values))}
	for k, v := range values {
		m.values[k] = v
	}
	return m
}

func (m *MemoryProvider) Name() string { return "memory" }

// Set adds or replaces a credential.
func (m *MemoryProvider) Set(id, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[id] = value
}

func (m *MemoryProvider) Lookup(_ context.Context, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return []byte(v), nil
}

// EnvProvider reads credential "registry-token" from the variable
// <Prefix>REGISTRY_TOKEN.
type EnvProvider struct {
	Prefix string
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

func (e *EnvProvider) Name() string { return "env" }

// VariableFor returns the environment variable consulted for id.
func (e *EnvProvider) VariableFor(id string) string {
	r := strings.NewReplacer("-", "_", ".", "_", "/", "_")
	return e.Prefix + strings.ToUpper(r.Replace(id))
}

func (e *EnvProvider) Lookup(_ context.Context, id string) ([]byte, error) {
	lookup := e.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(e.VariableFor(id))
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return []byte(v), nil
}

// AgeFileProvider serves credentials from an age-encrypted YAML mapping
// of ID to value. The file is decrypted on first lookup.
type AgeFileProvider struct {
	path         string
	identityPath string

	once   sync.Once
	values map[string]string
	err    error
}

// NewAgeFileProvider returns a provider for the encrypted file at path,
// decrypted with the identities in identityPath.
func NewAgeFileProvider(path, identityPath string) *AgeFileProvider {
	return &AgeFileProvider{path: path, identityPath: identityPath}
}

func (a *AgeFileProvider) Name() string { return "age-file" }

func (a *AgeFileProvider) Lookup(_ context.Context, id string) ([]byte, error) {
	a.once.Do(func() { a.values, a.err = a.load() })
	if a.err != nil {
		return nil, a.err
	}
	v, ok := a.values[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return []byte(v), nil
}

func (a *AgeFileProvider) load() (map[string]string, error) {
	idFile, err := os.Open(a.identityPath)
	if err != nil {
		return nil, fmt.Errorf("open age identity: %w", err)
	}
	defer idFile.Close()
	identities, err := age.ParseIdentities(idFile)
	if err != nil {
		return nil, fmt.Errorf("parse age identity: %w", err)
	}
	ciphertext, err := os.ReadFile(a.path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	return DecryptValues(ciphertext, identities...)
}

// DecryptValues decrypts an age ciphertext holding a YAML mapping.
func DecryptValues(ciphertext []byte, identities ...age.Identity) (map[string]string, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypting credentials: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted credentials: %w", err)
	}
	defer func() {
		for i := range plaintext {
			plaintext[i] = 0
		}
	}()
	values := map[string]string{}
	if err := yaml.Unmarshal(plaintext, &values); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return values, nil
}

// EncryptValues encrypts a mapping of ID to value to recipients, in the
// format AgeFileProvider reads.
func EncryptValues(values map[string]string, recipients ...age.Recipient) ([]byte, error) {
	plaintext, err := yaml.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("encode credentials: %w", err)
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipients...)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing credentials: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return buf.Bytes(), nil
}
