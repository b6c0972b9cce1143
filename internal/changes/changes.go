// Package changes decides which repository paths a deployment has to consider.
package changes

import (
	"context"
	"errors"
	"fmt"

	"github.com/thiago95macedo/webhost/internal/git"
	"github.com/thiago95macedo/webhost/internal/registry"
)

// ErrVCS marks a failed version-control query. The session aborts without
// touching the checkpoint.
var ErrVCS = errors.New("version control query failed")

// Mode tells whether a detection covered the whole tree or a revision range
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// Changes is the detector's result
type Changes struct {
	Mode  Mode
	Files []string
	// Since is the checkpoint the diff started from, empty in full mode
	Since string
	// Revision is the HEAD commit the file list was computed against. It is
	// the value recorded on a clean deploy.
	Revision string
}

// Detector computes candidate files for a target from its checkpoint
type Detector struct {
	vcs     git.Client
	repoDir string
}

// NewDetector creates a detector over the working tree at repoDir
func NewDetector(vcs git.Client, repoDir string) *Detector {
	return &Detector{vcs: vcs, repoDir: repoDir}
}

// Detect lists every tracked path when the target has never been deployed,
// otherwise the paths that differ between its last commit and HEAD.
func (d *Detector) Detect(ctx context.Context, target registry.Target) (Changes, error) {
	head, err := d.vcs.Head(ctx, d.repoDir)
	if err != nil {
		return Changes{}, fmt.Errorf("%w: %w", ErrVCS, err)
	}

	if !target.HasCheckpoint() {
		files, err := d.vcs.ListTracked(ctx, d.repoDir)
		if err != nil {
			return Changes{}, fmt.Errorf("%w: %w", ErrVCS, err)
		}
		return Changes{Mode: ModeFull, Files: files, Revision: head}, nil
	}

	files, err := d.vcs.DiffNames(ctx, d.repoDir, target.LastCommit, head)
	if err != nil {
		return Changes{}, fmt.Errorf("%w: %w", ErrVCS, err)
	}
	return Changes{Mode: ModeIncremental, Files: files, Since: target.LastCommit, Revision: head}, nil
}
