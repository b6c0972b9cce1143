package transport

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/thiago95macedo/webhost/internal/shell"
)

// failureSignatures are the scp outputs that mark an upload as failed. Any
// other outcome counts as success unless StrictExitStatus is set.
var failureSignatures = []string{
	"Permission denied",
	"Connection refused",
}

// SFTPOptions configures the scp/ssh based transport
type SFTPOptions struct {
	SCP string
	SSH string
	// SSHPass, when set and the target has a password, wraps each
	// invocation as "sshpass -e ..." with SSHPASS in the environment.
	SSHPass               string
	ConnectTimeout        int
	StrictHostKeyChecking string
	// StrictExitStatus also treats a non-zero scp exit as a failure
	StrictExitStatus bool
	// LegacyProtocol runs scp -O. The legacy protocol expands the remote path
	// in the remote shell, so it is quoted; the default SFTP protocol takes it
	// verbatim.
	LegacyProtocol bool
}

// SFTP copies each file with an external scp and creates directories with a
// remote "mkdir -p" over ssh.
type SFTP struct {
	runner shell.Runner
	opts   SFTPOptions
}

// NewSFTP creates an SFTP transport running commands through runner
func NewSFTP(runner shell.Runner, opts SFTPOptions) *SFTP {
	if opts.SCP == "" {
		opts.SCP = "scp"
	}
	if opts.SSH == "" {
		opts.SSH = "ssh"
	}
	if opts.StrictHostKeyChecking == "" {
		opts.StrictHostKeyChecking = "no"
	}
	return &SFTP{runner: runner, opts: opts}
}

// Connect checks the credentials. No connection is held open between
// invocations, so nothing is dialled here.
func (s *SFTP) Connect(ctx context.Context, creds Credentials) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if creds.Server == "" || creds.Username == "" {
		return nil, fmt.Errorf("%w: server and username are required", ErrAuth)
	}
	return &sftpSession{runner: s.runner, opts: s.opts, creds: creds}, nil
}

type sftpSession struct {
	runner shell.Runner
	opts   SFTPOptions
	creds  Credentials
}

// EnsureDir runs mkdir -p remotely. Its output is discarded; only a failure to
// start ssh at all is reported.
func (s *sftpSession) EnsureDir(ctx context.Context, dir string) error {
	args := append(s.sshOptions(),
		s.destination(),
		"mkdir -p "+shell.Quote(dir),
	)
	_, err := s.runner.Run(ctx, s.command(s.opts.SSH, args...))
	if err != nil && !shell.IsExit(err) {
		return fmt.Errorf("remote mkdir %s: %w", dir, err)
	}
	return nil
}

// Upload copies localPath to remotePath with scp. The local operand is made
// absolute and follows "--", so names starting with "-" or holding a ":" are
// never read as options or as a host.
func (s *sftpSession) Upload(ctx context.Context, localPath, remotePath string) error {
	local, err := filepath.Abs(localPath)
	if err != nil {
		return &TransferError{Path: remotePath, Reason: err.Error(), Err: err}
	}

	remote := remotePath
	args := s.sshOptions()
	if s.opts.LegacyProtocol {
		args = append(args, "-O")
		remote = shell.Quote(remotePath)
	}
	args = append(args, "--", local, s.destination()+":"+remote)

	res, err := s.runner.Run(ctx, s.command(s.opts.SCP, args...))
	return s.classify(remotePath, res, err)
}

func (s *sftpSession) Close() error {
	return nil
}

// classify turns an scp outcome into nil or *TransferError
func (s *sftpSession) classify(remotePath string, res shell.Result, err error) error {
	if err != nil && !shell.IsExit(err) {
		return &TransferError{Path: remotePath, Reason: err.Error(), Err: err}
	}

	out := res.Combined()
	for _, sig := range failureSignatures {
		if strings.Contains(out, sig) {
			return &TransferError{Path: remotePath, Reason: strings.TrimSpace(out), Err: err}
		}
	}

	if s.opts.StrictExitStatus && err != nil {
		return &TransferError{Path: remotePath, Reason: err.Error(), Err: err}
	}
	return nil
}

func (s *sftpSession) sshOptions() []string {
	opts := []string{"-o", "StrictHostKeyChecking=" + s.opts.StrictHostKeyChecking}
	if s.opts.ConnectTimeout > 0 {
		opts = append(opts, "-o", "ConnectTimeout="+strconv.Itoa(s.opts.ConnectTimeout))
	}
	return opts
}

func (s *sftpSession) destination() string {
	return s.creds.Username + "@" + s.creds.Server
}

// command builds the invocation, wrapped in sshpass when a password is
// available.
func (s *sftpSession) command(name string, args ...string) shell.Command {
	if s.creds.Password != "" && s.opts.SSHPass != "" {
		return shell.Command{
			Name: s.opts.SSHPass,
			Args: append([]string{"-e", name}, args...),
			Env:  []string{"SSHPASS=" + s.creds.Password},
		}
	}
	return shell.Command{Name: name, Args: args}
}
