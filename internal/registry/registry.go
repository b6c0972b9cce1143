// Package registry reads and updates the client registry document.
//
// The registry is a single JSON file, {"clients": {<key>: {...}}}, read and
// written whole. Writes go through targeted in-place edits so fields the
// deployer does not own keep their exact bytes. There is no locking: two
// processes editing the same registry at once can lose an update.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/natefinch/atomic"
	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"
)

var (
	// ErrMissing indicates the registry file does not exist.
	ErrMissing = errors.New("client registry not found")

	// ErrInvalid indicates the registry file is not a valid registry document.
	ErrInvalid = errors.New("client registry is malformed")

	// ErrEmpty indicates the registry has no clients.
	ErrEmpty = errors.New("no clients configured")

	// ErrNotFound indicates that no client has the requested key.
	ErrNotFound = errors.New("client not found")

	// ErrAlreadyExists indicates a client with the same key exists.
	ErrAlreadyExists = errors.New("client already exists")

	// ErrInactive indicates the client exists but is not active.
	ErrInactive = errors.New("client is inactive")

	// ErrInvalidArgument indicates a caller-provided value violates a
	// precondition.
	ErrInvalidArgument = errors.New("invalid argument")
)

// IsConfigError reports whether err means the registry itself is unusable
func IsConfigError(err error) bool {
	return errors.Is(err, ErrMissing) || errors.Is(err, ErrInvalid) || errors.Is(err, ErrEmpty)
}

// Registry is a loaded snapshot of the client registry
type Registry struct {
	targets []Target
}

// Targets returns every client in document order
func (r *Registry) Targets() []Target {
	return append([]Target(nil), r.targets...)
}

// Active returns the active clients in document order
func (r *Registry) Active() []Target {
	var active []Target
	for _, t := range r.targets {
		if t.Active() {
			active = append(active, t)
		}
	}
	return active
}

// Get returns the client with the given key
func (r *Registry) Get(key string) (Target, error) {
	for _, t := range r.targets {
		if t.Key == key {
			return t, nil
		}
	}
	return Target{}, fmt.Errorf("%w: %s", ErrNotFound, key)
}

// GetActive returns the client with the given key if it is active
func (r *Registry) GetActive(key string) (Target, error) {
	t, err := r.Get(key)
	if err != nil {
		return Target{}, err
	}
	if !t.Active() {
		return Target{}, fmt.Errorf("%w: %s", ErrInactive, key)
	}
	return t, nil
}

// Store owns the registry file for one process invocation
type Store struct {
	path string
}

// NewStore creates a store for the registry at path
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the registry file path
func (s *Store) Path() string {
	return s.path
}

// Load reads the whole registry. A missing, malformed, or empty registry is an
// error.
func (s *Store) Load() (*Registry, error) {
	doc, err := s.read()
	if err != nil {
		return nil, err
	}

	clients := gjson.GetBytes(doc, "clients")
	if !clients.Exists() || clients.Type == gjson.Null {
		return nil, fmt.Errorf("%w: %s", ErrEmpty, s.path)
	}
	if !clients.IsObject() {
		return nil, fmt.Errorf("%w: \"clients\" must be an object", ErrInvalid)
	}

	reg := &Registry{}
	var decodeErr error
	clients.ForEach(func(key, value gjson.Result) bool {
		var rec record
		if err := json.Unmarshal([]byte(value.Raw), &rec); err != nil {
			decodeErr = fmt.Errorf("%w: client %q: %v", ErrInvalid, key.String(), err)
			return false
		}
		reg.targets = append(reg.targets, rec.target(key.String()))
		return true
	})
	if decodeErr != nil {
		return nil, decodeErr
	}

	if len(reg.targets) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmpty, s.path)
	}
	return reg, nil
}

// Commit records a clean deploy of commit at time at for exactly one client.
// Only last_commit and last_deploy of that client change on disk.
func (s *Store) Commit(key, commit string, at time.Time) error {
	if commit == "" {
		return fmt.Errorf("%w: empty commit", ErrInvalidArgument)
	}

	doc, err := s.read()
	if err != nil {
		return err
	}

	base := clientPath(key)
	if !gjson.GetBytes(doc, base).IsObject() {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	if doc, err = sjson.SetBytes(doc, base+".last_commit", commit); err != nil {
		return fmt.Errorf("failed to set last_commit: %w", err)
	}
	if doc, err = sjson.SetBytes(doc, base+".last_deploy", at.In(time.Local).Format(TimeLayout)); err != nil {
		return fmt.Errorf("failed to set last_deploy: %w", err)
	}

	return s.write(doc)
}

// Add appends a new client with no checkpoint. The registry file is created
// when it does not exist yet.
func (s *Store) Add(t Target) error {
	t.LastCommit, t.LastDeploy = "", ""
	if err := t.Validate(); err != nil {
		return err
	}

	doc, err := s.read()
	switch {
	case errors.Is(err, ErrMissing):
		doc = []byte(`{"clients":{}}`)
	case err != nil:
		return err
	}

	base := clientPath(t.Key)
	if gjson.GetBytes(doc, base).Exists() {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, t.Key)
	}

	raw, err := json.Marshal(newRecord(t))
	if err != nil {
		return fmt.Errorf("failed to encode client: %w", err)
	}
	if doc, err = sjson.SetRawBytes(doc, base, raw); err != nil {
		return fmt.Errorf("failed to add client: %w", err)
	}

	return s.write(reformat(doc))
}

// Remove deletes a client from the registry
func (s *Store) Remove(key string) error {
	doc, err := s.read()
	if err != nil {
		return err
	}

	base := clientPath(key)
	if !gjson.GetBytes(doc, base).Exists() {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if doc, err = sjson.DeleteBytes(doc, base); err != nil {
		return fmt.Errorf("failed to remove client: %w", err)
	}

	return s.write(reformat(doc))
}

// SetStatus activates or deactivates a client
func (s *Store) SetStatus(key string, status Status) error {
	if status != StatusActive && status != StatusInactive {
		return fmt.Errorf("%w: status %q", ErrInvalidArgument, status)
	}

	doc, err := s.read()
	if err != nil {
		return err
	}

	base := clientPath(key)
	if !gjson.GetBytes(doc, base).IsObject() {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if doc, err = sjson.SetBytes(doc, base+".status", string(status)); err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}

	return s.write(doc)
}

func (s *Store) read() ([]byte, error) {
	doc, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissing, s.path)
		}
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}
	if !gjson.ValidBytes(doc) {
		return nil, fmt.Errorf("%w: %s is not valid JSON", ErrInvalid, s.path)
	}
	return doc, nil
}

// write replaces the registry via a temp file and rename
func (s *Store) write(doc []byte) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(doc)); err != nil {
		return fmt.Errorf("failed to write registry: %w", err)
	}
	return nil
}

// reformat re-indents the document the way the client manager writes it,
// keeping key order.
func reformat(doc []byte) []byte {
	return pretty.PrettyOptions(doc, &pretty.Options{Width: 80, Indent: "    "})
}

// clientPath builds the gjson/sjson path of a client entry
func clientPath(key string) string {
	return "clients." + escapePath(key)
}

// escapePath backslash-escapes every byte that is not a plain identifier
// character, so keys with dots or wildcards address a single member.
func escapePath(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
