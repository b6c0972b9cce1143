// Package transport moves files to a deployment target.
//
// Every variant offers the same capability set: connect, make sure a remote
// directory exists, upload one whole file, and disconnect. The session picks a
// variant once, by kind, and never branches on it again.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind names a transport variant
type Kind string

const (
	KindFTP  Kind = "ftp"
	KindSFTP Kind = "sftp"
)

// ErrAuth indicates the transport could not connect or log in.
var ErrAuth = errors.New("transport authentication failed")

// ErrUnknownKind indicates no transport is registered for a kind.
var ErrUnknownKind = errors.New("unknown transport")

// TransferError reports one file that could not be uploaded. Earlier bytes of
// the remote file may or may not have been written.
type TransferError struct {
	Path   string
	Reason string
	Err    error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("upload of %s failed: %s", e.Path, e.Reason)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Credentials identify a target account
type Credentials struct {
	Server   string
	Username string
	Password string
	// RemoteRoot is the directory every repository path is placed under
	RemoteRoot string
}

// Transport opens connections to targets
type Transport interface {
	// Connect logs in. Failures wrap ErrAuth.
	Connect(ctx context.Context, creds Credentials) (Conn, error)
}

// Conn is an open, exclusively owned connection to one target
type Conn interface {
	// EnsureDir creates every missing segment of dir. Existing directories
	// are not an error.
	EnsureDir(ctx context.Context, dir string) error
	// Upload overwrites remotePath with the contents of localPath. Failures
	// are *TransferError.
	Upload(ctx context.Context, localPath, remotePath string) error
	// Close releases the connection
	Close() error
}

// Set selects a transport by kind
type Set map[Kind]Transport

// For returns the transport registered for kind
func (s Set) For(kind Kind) (Transport, error) {
	t, ok := s[kind]
	if !ok {
		known := make([]string, 0, len(s))
		for k := range s {
			known = append(known, string(k))
		}
		sort.Strings(known)
		return nil, fmt.Errorf("%w %q (known: %s)", ErrUnknownKind, kind, strings.Join(known, ", "))
	}
	return t, nil
}
