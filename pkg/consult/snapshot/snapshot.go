// Package snapshot persists the durable state of a paused consultation so it
// survives a process restart. Restoring is an explicit load-and-validate step;
// a corrupt or incompatible snapshot fails loudly instead of resuming wrong.
package snapshot

import (
	"fmt"
	"time"

	"github.com/harunnryd/scribeflow/pkg/errorsx"
)

// SchemaVersion is bumped whenever the snapshot layout changes. Snapshots
// written by a different version are rejected, never migrated silently.
const SchemaVersion = 1

// Snapshot is everything needed to pick a paused consultation back up: the
// identifiers, the upload high-water mark, and the unsealed audio retained at
// pause time. The session token is kept so the restored process can seal and
// upload the retained tail under the original session before minting a new one.
type Snapshot struct {
	TargetID       string
	ConsultationID string
	SessionID      string
	Token          string
	Version        int
	ElapsedSeconds float64
	ChunkHighWater int
	Buffered       []byte
	SavedAt        time.Time
}

// Validate rejects snapshots that cannot be safely resumed.
func (s Snapshot) Validate() error {
	if s.Version != SchemaVersion {
		return errorsx.Wrap(
			fmt.Errorf("snapshot schema version %d, expected %d", s.Version, SchemaVersion),
			errorsx.ReasonSnapshot)
	}
	if s.TargetID == "" || s.ConsultationID == "" || s.SessionID == "" {
		return errorsx.Wrap(
			fmt.Errorf("snapshot for target %q missing identifiers", s.TargetID),
			errorsx.ReasonSnapshot)
	}
	if s.ChunkHighWater < 0 {
		return errorsx.Wrap(
			fmt.Errorf("snapshot chunk high water %d is negative", s.ChunkHighWater),
			errorsx.ReasonSnapshot)
	}
	return nil
}
