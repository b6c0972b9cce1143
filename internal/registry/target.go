package registry

import (
	"fmt"
	"regexp"
	"time"
)

// TimeLayout is how last_deploy timestamps are stored
const TimeLayout = "2006-01-02 15:04:05"

// Status controls whether a target can be selected for deployment
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Protocol selects the transport used to reach a target
type Protocol string

const (
	ProtocolFTP  Protocol = "ftp"
	ProtocolSFTP Protocol = "sftp"
)

// Credentials are the transport settings of a target. The password is kept in
// plaintext in the registry document.
type Credentials struct {
	Server    string `json:"server"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	RemoteDir string `json:"remote_dir"`
}

// Database is informational; the deployer never connects to it.
type Database struct {
	Host     string `json:"host"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

// Target is one deployment destination ("client") from the registry
type Target struct {
	Key      string
	Name     string
	Domain   string
	Status   Status
	Protocol Protocol
	FTP      Credentials
	Database Database

	// LastCommit and LastDeploy are empty until the first clean deploy.
	LastCommit string
	LastDeploy string
}

// Active reports whether the target can be selected
func (t Target) Active() bool {
	return t.Status == StatusActive
}

// HasCheckpoint reports whether a previous deploy was recorded
func (t Target) HasCheckpoint() bool {
	return t.LastCommit != ""
}

// DeployedAt parses LastDeploy in local time
func (t Target) DeployedAt() (time.Time, bool) {
	if t.LastDeploy == "" {
		return time.Time{}, false
	}
	at, err := time.ParseInLocation(TimeLayout, t.LastDeploy, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

// record is the on-disk shape of a client entry
type record struct {
	Name       string      `json:"name"`
	Domain     string      `json:"domain"`
	Status     Status      `json:"status"`
	Protocol   Protocol    `json:"protocol,omitempty"`
	FTP        Credentials `json:"ftp"`
	Database   Database    `json:"database"`
	LastDeploy *string     `json:"last_deploy"`
	LastCommit *string     `json:"last_commit"`
}

func (r record) target(key string) Target {
	t := Target{
		Key:      key,
		Name:     r.Name,
		Domain:   r.Domain,
		Status:   r.Status,
		Protocol: r.Protocol,
		FTP:      r.FTP,
		Database: r.Database,
	}
	if t.Protocol == "" {
		t.Protocol = ProtocolFTP
	}
	if r.LastCommit != nil {
		t.LastCommit = *r.LastCommit
	}
	if r.LastDeploy != nil {
		t.LastDeploy = *r.LastDeploy
	}
	return t
}

func newRecord(t Target) record {
	r := record{
		Name:     t.Name,
		Domain:   t.Domain,
		Status:   t.Status,
		Protocol: t.Protocol,
		FTP:      t.FTP,
		Database: t.Database,
	}
	if t.LastCommit != "" && t.LastDeploy != "" {
		commit, deploy := t.LastCommit, t.LastDeploy
		r.LastCommit, r.LastDeploy = &commit, &deploy
	}
	return r
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// Validate checks a target before it is added to the registry
func (t Target) Validate() error {
	if !keyPattern.MatchString(t.Key) {
		return fmt.Errorf("%w: key %q must be letters, digits, '-' or '_'", ErrInvalidArgument, t.Key)
	}
	if t.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidArgument)
	}
	switch t.Status {
	case StatusActive, StatusInactive:
	default:
		return fmt.Errorf("%w: status %q must be active or inactive", ErrInvalidArgument, t.Status)
	}
	switch t.Protocol {
	case ProtocolFTP, ProtocolSFTP:
	default:
		return fmt.Errorf("%w: protocol %q must be ftp or sftp", ErrInvalidArgument, t.Protocol)
	}
	if t.FTP.Server == "" || t.FTP.Username == "" {
		return fmt.Errorf("%w: server and username are required", ErrInvalidArgument)
	}
	return nil
}
