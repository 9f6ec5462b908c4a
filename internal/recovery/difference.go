package recovery

import (
	"fmt"
	"strings"

	"github.com/dreamware/shardsql/internal/directory"
)

// Kind classifies how the directory and a Local Shadow disagree about a key.
type Kind string

const (
	OnlyInDirectory Kind = "present-only-in-directory"
	OnlyInShadow    Kind = "present-only-in-shadow"
	StatusMismatch  Kind = "status-mismatch"
)

// Difference is one disagreement found on one shard. Differences are not
// persisted; they live for the duration of a reconciliation run.
type Difference struct {
	Shard           directory.Location `json:"shard"`
	Key             directory.Key      `json:"key"`
	Kind            Kind               `json:"kind"`
	DirectoryStatus directory.Status   `json:"directory_status,omitempty"`
	ShadowStatus    directory.Status   `json:"shadow_status,omitempty"`
}

func (d Difference) String() string {
	switch d.Kind {
	case OnlyInDirectory:
		return fmt.Sprintf("%s: tenant %s is in the directory (%s) but not in the shard", d.Shard, d.Key, d.DirectoryStatus)
	case OnlyInShadow:
		return fmt.Sprintf("%s: tenant %s is in the shard (%s) but not in the directory", d.Shard, d.Key, d.ShadowStatus)
	default:
		return fmt.Sprintf("%s: tenant %s is %s in the directory but %s in the shard", d.Shard, d.Key, d.DirectoryStatus, d.ShadowStatus)
	}
}

// Policy selects which side wins when resolving differences.
type Policy string

const (
	// PreferDirectory rewrites the Local Shadow to match the directory.
	PreferDirectory Policy = "prefer-directory"
	// PreferShadow rewrites the directory to match the Local Shadow.
	PreferShadow Policy = "prefer-shadow"
)

// ParsePolicy accepts the policy names in any case, with or without the dash.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ReplaceAll(strings.ToLower(s), "_", "-") {
	case "prefer-directory", "preferdirectory", "directory":
		return PreferDirectory, nil
	case "prefer-shadow", "prefershadow", "shadow", "prefer-shard", "shard":
		return PreferShadow, nil
	}
	return "", fmt.Errorf("unknown resolution policy %q", s)
}
