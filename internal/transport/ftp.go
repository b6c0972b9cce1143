package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
)

// ftpConn is the subset of *ftp.ServerConn the transport uses
type ftpConn interface {
	Login(user, password string) error
	MakeDir(path string) error
	Stor(path string, r io.Reader) error
	Quit() error
}

type ftpDialFunc func(addr string, options ...ftp.DialOption) (ftpConn, error)

func dialFTP(addr string, options ...ftp.DialOption) (ftpConn, error) {
	c, err := ftp.Dial(addr, options...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// FTPOptions configures the FTP transport
type FTPOptions struct {
	Timeout time.Duration
	// DisableEPSV forces plain PASV negotiation for servers that mishandle
	// EPSV.
	DisableEPSV bool
}

// FTP uploads over plain FTP with username/password login. Data connections
// are always passive.
type FTP struct {
	opts FTPOptions
	dial ftpDialFunc
}

// NewFTP creates an FTP transport
func NewFTP(opts FTPOptions) *FTP {
	return &FTP{opts: opts, dial: dialFTP}
}

// Connect dials the server and logs in
func (f *FTP) Connect(ctx context.Context, creds Credentials) (Conn, error) {
	addr := ftpAddress(creds.Server)

	options := []ftp.DialOption{ftp.DialWithContext(ctx)}
	if f.opts.Timeout > 0 {
		options = append(options, ftp.DialWithTimeout(f.opts.Timeout))
	}
	if f.opts.DisableEPSV {
		options = append(options, ftp.DialWithDisabledEPSV(true))
	}

	conn, err := f.dial(addr, options...)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to %s: %v", ErrAuth, addr, err)
	}

	if err := conn.Login(creds.Username, creds.Password); err != nil {
		_ = conn.Quit()
		return nil, fmt.Errorf("%w: login as %s on %s: %v", ErrAuth, creds.Username, addr, err)
	}

	return &ftpSession{conn: conn, made: make(map[string]bool)}, nil
}

type ftpSession struct {
	conn ftpConn
	// made remembers directories already created during this session
	made map[string]bool
}

// EnsureDir issues one MKD per path segment. Errors are ignored because most
// servers report an existing directory as a failure.
func (s *ftpSession) EnsureDir(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	prefix := ""
	if strings.HasPrefix(dir, "/") {
		prefix = "/"
	}

	current := ""
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		if part == "" || part == "." {
			continue
		}
		if current == "" {
			current = prefix + part
		} else {
			current += "/" + part
		}
		if s.made[current] {
			continue
		}
		_ = s.conn.MakeDir(current)
		s.made[current] = true
	}
	return nil
}

// Upload stores localPath as remotePath in binary mode
func (s *ftpSession) Upload(ctx context.Context, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return &TransferError{Path: remotePath, Reason: err.Error(), Err: err}
	}

	f, err := os.Open(localPath)
	if err != nil {
		return &TransferError{Path: remotePath, Reason: "cannot open local file", Err: err}
	}
	defer func() {
		_ = f.Close()
	}()

	if err := s.conn.Stor(remotePath, f); err != nil {
		return &TransferError{Path: remotePath, Reason: err.Error(), Err: err}
	}
	return nil
}

func (s *ftpSession) Close() error {
	return s.conn.Quit()
}

// ftpAddress appends the default FTP port when the server has none
func ftpAddress(server string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(strings.Trim(server, "[]"), "21")
}
