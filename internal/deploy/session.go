// Package deploy drives one deployment of the repository to one target.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/thiago95macedo/webhost/internal/changes"
	"github.com/thiago95macedo/webhost/internal/pathfilter"
	"github.com/thiago95macedo/webhost/internal/prompt"
	"github.com/thiago95macedo/webhost/internal/registry"
	"github.com/thiago95macedo/webhost/internal/transport"
)

// ConfirmQuestion is asked before any connection is opened
const ConfirmQuestion = "\nContinue with the deploy? (y/N): "

// Detector produces the candidate files for a target
type Detector interface {
	Detect(ctx context.Context, target registry.Target) (changes.Changes, error)
}

// Checkpointer records a clean deploy
type Checkpointer interface {
	Commit(key, commit string, at time.Time) error
}

// Transports selects a transport by kind
type Transports interface {
	For(kind transport.Kind) (transport.Transport, error)
}

// Options tunes a Session
type Options struct {
	// RepoDir is the working tree local paths are resolved against
	RepoDir string
	// DryRun stops after filtering
	DryRun bool
	// LogPath is mentioned to the operator when a run fails
	LogPath string
	Now     func() time.Time
}

// Session runs deploys. It holds no per-run state and can run several
// targets one after another.
type Session struct {
	detector   Detector
	filter     *pathfilter.Filter
	transports Transports
	store      Checkpointer
	asker      prompt.Asker
	logger     *slog.Logger
	opts       Options
}

// NewSession wires a session from its collaborators
func NewSession(detector Detector, filter *pathfilter.Filter, transports Transports, store Checkpointer, asker prompt.Asker, logger *slog.Logger, opts Options) *Session {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Session{
		detector:   detector,
		filter:     filter,
		transports: transports,
		store:      store,
		asker:      asker,
		logger:     logger,
		opts:       opts,
	}
}

// Run deploys target. Only per-file transfer failures are absorbed; every
// other error ends the run early and is returned together with the partial
// result. Declining the confirmation returns prompt.ErrAborted.
func (s *Session) Run(ctx context.Context, target registry.Target) (*Result, error) {
	res := &Result{RunID: uuid.NewString(), Target: target.Key}
	res.enter(StateIdle)
	logger := s.logger.With("run", res.RunID)

	if !target.Active() {
		return res, fmt.Errorf("%w: %s", registry.ErrInactive, target.Key)
	}
	tr, err := s.transports.For(transport.Kind(target.Protocol))
	if err != nil {
		return res, fmt.Errorf("client %s: %w", target.Key, err)
	}
	res.enter(StateTargetSelected)
	logger.Info("deploy started",
		"client", target.Key,
		"name", target.Name,
		"domain", target.Domain,
		"protocol", target.Protocol)

	detected, err := s.detector.Detect(ctx, target)
	if err != nil {
		logger.Error("change detection failed", "error", err)
		return res, err
	}
	res.enter(StateChangesDetected)
	res.Mode = detected.Mode
	res.Revision = detected.Revision
	res.Candidates = detected.Files

	switch detected.Mode {
	case changes.ModeFull:
		logger.Info("first deploy, sending all tracked files", "files", len(detected.Files))
	default:
		logger.Info("incremental deploy", "since", detected.Since, "head", detected.Revision, "changed", len(detected.Files))
	}

	if len(detected.Files) == 0 {
		logger.Info("no changes to deploy")
		res.NoChanges = true
		res.enter(StateFailedNoCommit)
		return res, nil
	}

	res.Eligible, res.Missing = s.filter.Split(detected.Files)
	res.enter(StateFilesFiltered)

	if len(res.Missing) > 0 {
		logger.Warn("files no longer exist locally and were skipped; remote copies are left untouched",
			"count", len(res.Missing))
		for _, f := range res.Missing {
			logger.Warn("  - " + f)
		}
	}

	if len(res.Eligible) == 0 {
		logger.Info("no eligible files to deploy")
		res.NoChanges = true
		res.enter(StateFailedNoCommit)
		return res, nil
	}

	logger.Info("files to deploy", "count", len(res.Eligible))
	for _, f := range res.Eligible {
		logger.Info("  • " + f)
	}

	if s.opts.DryRun {
		res.DryRun = true
		logger.Info("dry run complete, nothing transferred")
		return res, nil
	}

	res.enter(StateAwaitingConfirmation)
	ok, err := prompt.Confirm(s.asker, ConfirmQuestion)
	if err != nil {
		return res, err
	}
	if !ok {
		res.enter(StateAborted)
		logger.Info("deploy cancelled by operator")
		return res, prompt.ErrAborted
	}

	res.enter(StateTransferring)
	if err := s.transfer(ctx, logger, tr, target, res); err != nil {
		res.enter(StateFailedNoCommit)
		logger.Error("DEPLOY FAILED", "error", err)
		return res, err
	}

	uploaded, failed := res.Uploaded(), res.Failed()
	logger.Info("transfer finished", "uploaded", uploaded, "failed", failed)

	if failed > 0 {
		res.enter(StateFailedNoCommit)
		logger.Error("DEPLOY FAILED")
		if s.opts.LogPath != "" {
			logger.Error("check the log and try again", "log", s.opts.LogPath)
		} else {
			logger.Error("check the log and try again")
		}
		return res, nil
	}

	at := s.opts.Now()
	if err := s.store.Commit(target.Key, res.Revision, at); err != nil {
		res.enter(StateFailedNoCommit)
		logger.Error("failed to record checkpoint", "error", err)
		return res, fmt.Errorf("record checkpoint for %s: %w", target.Key, err)
	}
	res.enter(StateCommitted)

	logger.Info("DEPLOY COMPLETED SUCCESSFULLY")
	logger.Info("client checkpoint updated",
		"last_deploy", at.Format(registry.TimeLayout),
		"commit", res.Revision)
	logger.Info("next steps:")
	logger.Info("1. Verify the site is working")
	logger.Info("2. Test critical features")
	logger.Info("3. Validate with users")
	return res, nil
}

// transfer connects once, uploads every eligible file in order and always
// disconnects. Only connecting can fail the whole transfer.
func (s *Session) transfer(ctx context.Context, logger *slog.Logger, tr transport.Transport, target registry.Target, res *Result) error {
	creds := transport.Credentials{
		Server:     target.FTP.Server,
		Username:   target.FTP.Username,
		Password:   target.FTP.Password,
		RemoteRoot: target.FTP.RemoteDir,
	}

	logger.Info("connecting", "server", creds.Server, "user", creds.Username)
	conn, err := tr.Connect(ctx, creds)
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Warn("failed to close connection", "error", err)
		}
	}()

	for _, file := range res.Eligible {
		remote := path.Join(creds.RemoteRoot, file)
		outcome := Outcome{Path: file, Remote: remote, Status: Uploaded}

		if err := ctx.Err(); err != nil {
			outcome.Status, outcome.Reason = Failed, err.Error()
			res.Outcomes = append(res.Outcomes, outcome)
			continue
		}

		if err := s.upload(ctx, conn, file, remote); err != nil {
			outcome.Status, outcome.Reason = Failed, reason(err)
			logger.Error("upload failed", "file", file, "reason", outcome.Reason)
		} else {
			logger.Info("uploaded", "file", file)
		}
		res.Outcomes = append(res.Outcomes, outcome)
	}
	return nil
}

func (s *Session) upload(ctx context.Context, conn transport.Conn, file, remote string) error {
	if dir := path.Dir(remote); dir != "." && dir != "/" {
		if err := conn.EnsureDir(ctx, dir); err != nil {
			return err
		}
	}
	local := filepath.Join(s.opts.RepoDir, filepath.FromSlash(file))
	return conn.Upload(ctx, local, remote)
}

func reason(err error) string {
	var te *transport.TransferError
	if errors.As(err, &te) {
		return te.Reason
	}
	return err.Error()
}
