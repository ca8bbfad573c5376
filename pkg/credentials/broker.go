// Package credentials resolves the secrets a stage declares and binds
// them for exactly the lifetime of that stage.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"sync"

	"github.com/ormasoftchile/gantry/pkg/pipeline"
)

// ErrNotFound is returned by a Provider that does not hold a credential.
var ErrNotFound = errors.New("credential not found")

// ResolutionError reports a credential that could not be resolved.
type ResolutionError struct {
	ID  string
	Err error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve credential %q: %v", e.ID, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Provider looks credentials up by ID.
type Provider interface {
	Name() string
	// Lookup returns the value of id, or an error wrapping ErrNotFound.
	Lookup(ctx context.Context, id string) ([]byte, error)
}

// Broker resolves credential references against an ordered provider
// chain. The first provider that holds an ID wins.
type Broker struct {
	providers []Provider
	log       *slog.Logger
	tempDir   string
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithLogger sets the logger used for degradation warnings.
func WithLogger(log *slog.Logger) BrokerOption {
	return func(b *Broker) { b.log = log }
}

// WithTempDir sets where file-bound credentials are written.
func WithTempDir(dir string) BrokerOption {
	return func(b *Broker) { b.tempDir = dir }
}

// NewBroker returns a Broker over providers, consulted in order.
func NewBroker(providers []Provider, opts ...BrokerOption) *Broker {
	b := &Broker{providers: providers, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Resolve looks up one credential.
func (b *Broker) Resolve(ctx context.Context, ref pipeline.CredentialRef) (*ScopedSecret, error) {
	for _, p := range b.providers {
		v, err := p.Lookup(ctx, ref.ID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, &ResolutionError{ID: ref.ID, Err: fmt.Errorf("%s: %w", p.Name(), err)}
		}
		return &ScopedSecret{id: ref.ID, value: v}, nil
	}
	return nil, &ResolutionError{ID: ref.ID, Err: ErrNotFound}
}

// Acquire resolves every ref and binds it under its variable name. On a
// resolution failure the placeholder policy binds an empty value and
// records the ID in Scope.Missing; any other policy releases what was
// already acquired and returns the error, leaving the policy decision
// to the caller. The returned Scope must be released on every path.
func (b *Broker) Acquire(ctx context.Context, refs []pipeline.CredentialRef, policy string) (*Scope, error) {
	s := &Scope{env: make(map[string]string, len(refs)), redactor: NewRedactor()}
	for _, ref := range refs {
		secret, err := b.Resolve(ctx, ref)
		if err != nil {
			if policy != pipeline.OnMissingPlaceholder {
				s.Release()
				return nil, err
			}
			b.log.Warn("credential missing, binding placeholder", "credential", ref.ID, "variable", ref.VariableName())
			s.Missing = append(s.Missing, ref.ID)
			s.env[ref.VariableName()] = ""
			continue
		}
		s.secrets = append(s.secrets, secret)
		s.redactor.Add(string(secret.value))

		switch ref.Binding() {
		case pipeline.BindFile:
			path, err := b.writeFile(secret)
			if err != nil {
				s.Release()
				return nil, &ResolutionError{ID: ref.ID, Err: err}
			}
			s.files = append(s.files, path)
			s.env[ref.VariableName()] = path
		default:
			s.env[ref.VariableName()] = string(secret.value)
		}
	}
	return s, nil
}

func (b *Broker) writeFile(secret *ScopedSecret) (string, error) {
	f, err := os.CreateTemp(b.tempDir, "gantry-cred-*")
	if err != nil {
		return "", fmt.Errorf("create credential file: %w", err)
	}
	defer f.Close()
	if err := f.Chmod(0o600); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("chmod credential file: %w", err)
	}
	if _, err := f.Write(secret.value); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("write credential file: %w", err)
	}
	return f.Name(), nil
}

// ScopedSecret is a resolved credential value. Destroy zeroes it.
type ScopedSecret struct {
	id    string
	value []byte
}

// ID returns the credential ID.
func (s *ScopedSecret) ID() string { return s.id }

// Value returns the value; empty after Destroy.
func (s *ScopedSecret) Value() string { return string(s.value) }

// Destroy zeroes the value.
func (s *ScopedSecret) Destroy() {
	for i := range s.value {
		s.value[i] = 0
	}
	s.value = nil
}

// Scope owns the secrets bound for one stage.
type Scope struct {
	// Missing lists IDs bound to a placeholder.
	Missing []string

	mu       sync.Mutex
	secrets  []*ScopedSecret
	files    []string
	env      map[string]string
	redactor *Redactor
	released bool
}

// Env returns a copy of the variable bindings, empty once released.
func (s *Scope) Env() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return map[string]string{}
	}
	return maps.Clone(s.env)
}

// Redactor returns the redactor for the secrets in this scope. It keeps
// working after Release so that late log lines stay masked.
func (s *Scope) Redactor() *Redactor { return s.redactor }

// Degraded reports whether any credential was bound to a placeholder.
func (s *Scope) Degraded() bool { return len(s.Missing) > 0 }

// Release destroys every secret, removes credential files and drops the
// bindings. It is safe to call more than once.
func (s *Scope) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	s.released = true
	var errs []error
	for _, path := range s.files {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	for _, secret := range s.secrets {
		secret.Destroy()
	}
	s.secrets = nil
	s.files = nil
	clear(s.env)
	return errors.Join(errs...)
}
