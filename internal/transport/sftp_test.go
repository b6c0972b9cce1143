package transport

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thiago95macedo/webhost/internal/shell"
)

type runResult struct {
	res shell.Result
	err error
}

// fakeRunner hands out canned results in order and records every command.
type fakeRunner struct {
	results []runResult
	calls   []shell.Command
}

func (f *fakeRunner) Run(_ context.Context, cmd shell.Command) (shell.Result, error) {
	f.calls = append(f.calls, cmd)
	if len(f.results) == 0 {
		return shell.Result{}, nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.res, r.err
}

func sftpCreds() Credentials {
	return Credentials{Server: "ssh.acme.example", Username: "deploy", Password: "pw", RemoteRoot: "/var/www/acme/"}
}

func connectSFTP(t *testing.T, runner *fakeRunner, opts SFTPOptions, creds Credentials) Conn {
	t.Helper()
	c, err := NewSFTP(runner, opts).Connect(context.Background(), creds)
	require.NoError(t, err)
	return c
}

func TestSFTPConnect_RequiresServerAndUser(t *testing.T) {
	_, err := NewSFTP(&fakeRunner{}, SFTPOptions{}).Connect(context.Background(), Credentials{Server: "h"})
	assert.ErrorIs(t, err, ErrAuth)
}

func TestSFTPEnsureDir(t *testing.T) {
	runner := &fakeRunner{}
	c := connectSFTP(t, runner, SFTPOptions{ConnectTimeout: 30}, Credentials{Server: "h", Username: "u"})

	require.NoError(t, c.EnsureDir(context.Background(), "/var/www/acme/it's here"))
	require.Len(t, runner.calls, 1)
	assert.Equal(t, shell.Command{
		Name: "ssh",
		Args: []string{"-o", "StrictHostKeyChecking=no", "-o", "ConnectTimeout=30", "u@h", `mkdir -p '/var/www/acme/it'\''s here'`},
	}, runner.calls[0])
}

func TestSFTPEnsureDir_IgnoresRemoteFailure(t *testing.T) {
	runner := &fakeRunner{results: []runResult{
		{res: shell.Result{Stderr: []byte("mkdir: cannot create directory")}, err: &shell.ExitError{Code: 1}},
		{err: errors.New("ssh: executable file not found")},
	}}
	c := connectSFTP(t, runner, SFTPOptions{}, Credentials{Server: "h", Username: "u"})

	assert.NoError(t, c.EnsureDir(context.Background(), "/a"))
	assert.Error(t, c.EnsureDir(context.Background(), "/b"), "failing to start ssh is reported")
}

func TestSFTPUpload_Command(t *testing.T) {
	t.Run("plain scp", func(t *testing.T) {
		runner := &fakeRunner{}
		c := connectSFTP(t, runner, SFTPOptions{ConnectTimeout: 30}, Credentials{Server: "h", Username: "u"})

		require.NoError(t, c.Upload(context.Background(), "/repo/a.txt", "/var/www/a.txt"))
		assert.Equal(t, shell.Command{
			Name: "scp",
			Args: []string{"-o", "StrictHostKeyChecking=no", "-o", "ConnectTimeout=30", "--", "/repo/a.txt", "u@h:/var/www/a.txt"},
		}, runner.calls[0])
	})

	t.Run("wrapped in sshpass", func(t *testing.T) {
		runner := &fakeRunner{}
		c := connectSFTP(t, runner, SFTPOptions{SSHPass: "sshpass", SCP: "/usr/bin/scp"}, sftpCreds())

		require.NoError(t, c.Upload(context.Background(), "/repo/a.txt", "/var/www/acme/a.txt"))
		call := runner.calls[0]
		assert.Equal(t, "sshpass", call.Name)
		assert.Equal(t, []string{"-e", "/usr/bin/scp", "-o", "StrictHostKeyChecking=no", "--", "/repo/a.txt", "deploy@ssh.acme.example:/var/www/acme/a.txt"}, call.Args)
		assert.Equal(t, []string{"SSHPASS=pw"}, call.Env)
		assert.NotContains(t, call.String(), "pw@", "password must not appear in arguments")
	})
}

func TestSFTPUpload_Operands(t *testing.T) {
	cwd, err := os.Getwd()
	require.NoError(t, err)

	tests := []struct {
		name       string
		local      string
		remote     string
		legacy     bool
		wantLocal  string
		wantRemote string
	}{
		{
			name:       "leading dash",
			local:      "-oProxyCommand=touch marker",
			remote:     "/www/-oProxyCommand=touch marker",
			wantLocal:  filepath.Join(cwd, "-oProxyCommand=touch marker"),
			wantRemote: "u@h:/www/-oProxyCommand=touch marker",
		},
		{
			name:       "colon before slash",
			local:      "a:b.txt",
			remote:     "/www/a:b.txt",
			wantLocal:  filepath.Join(cwd, "a:b.txt"),
			wantRemote: "u@h:/www/a:b.txt",
		},
		{
			name:       "legacy protocol quotes remote path",
			local:      "/repo/dir with space/x.css",
			remote:     "/www/dir with space/x.css",
			legacy:     true,
			wantLocal:  "/repo/dir with space/x.css",
			wantRemote: "u@h:'/www/dir with space/x.css'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			c := connectSFTP(t, runner, SFTPOptions{LegacyProtocol: tt.legacy}, Credentials{Server: "h", Username: "u"})

			require.NoError(t, c.Upload(context.Background(), tt.local, tt.remote))
			args := runner.calls[0].Args
			require.GreaterOrEqual(t, len(args), 3)

			operands := args[len(args)-3:]
			assert.Equal(t, []string{"--", tt.wantLocal, tt.wantRemote}, operands)
			assert.True(t, filepath.IsAbs(operands[1]), "local operand must be absolute")
			assert.Equal(t, tt.legacy, slices.Contains(args, "-O"))
		})
	}
}

func TestSFTPUpload_Classification(t *testing.T) {
	tests := []struct {
		name    string
		strict  bool
		result  runResult
		wantErr bool
	}{
		{name: "clean", result: runResult{}, wantErr: false},
		{
			name:    "permission denied",
			result:  runResult{res: shell.Result{Stderr: []byte("deploy@h: Permission denied (publickey,password).\r\nlost connection\n")}, err: &shell.ExitError{Code: 1}},
			wantErr: true,
		},
		{
			name:    "connection refused",
			result:  runResult{res: shell.Result{Stderr: []byte("ssh: connect to host h port 22: Connection refused\n")}, err: &shell.ExitError{Code: 255}},
			wantErr: true,
		},
		{
			name:    "other failure is treated as success",
			result:  runResult{res: shell.Result{Stderr: []byte("scp: /var/www/a.txt: No such file or directory\n")}, err: &shell.ExitError{Code: 1}},
			wantErr: false,
		},
		{
			name:    "other failure in strict mode",
			strict:  true,
			result:  runResult{res: shell.Result{Stderr: []byte("scp: /var/www/a.txt: No such file or directory\n")}, err: &shell.ExitError{Code: 1}},
			wantErr: true,
		},
		{
			name:    "scp missing",
			result:  runResult{err: errors.New("scp: executable file not found in $PATH")},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{results: []runResult{tt.result}}
			c := connectSFTP(t, runner, SFTPOptions{StrictExitStatus: tt.strict}, sftpCreds())

			err := c.Upload(context.Background(), "/repo/a.txt", "/var/www/a.txt")
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var transferErr *TransferError
			require.ErrorAs(t, err, &transferErr)
			assert.Equal(t, "/var/www/a.txt", transferErr.Path)
		})
	}
}

func TestSet(t *testing.T) {
	set := Set{KindFTP: NewFTP(FTPOptions{}), KindSFTP: NewSFTP(&fakeRunner{}, SFTPOptions{})}

	tr, err := set.For(KindSFTP)
	require.NoError(t, err)
	assert.IsType(t, &SFTP{}, tr)

	_, err = set.For("rsync")
	assert.ErrorIs(t, err, ErrUnknownKind)
	assert.Contains(t, err.Error(), "ftp, sftp")
}
