package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/quantgrid/gridcore/internal/core"
)

// CurrentSchemaVersion is the schema version this build writes and the
// highest it knows how to read (§6/§9). It is distinct from
// GridState.Version, which is the monotone per-mutation counter
// (persisted as monotone_version below) — bumping CurrentSchemaVersion is
// a deliberate migration event, bumping Version happens on every mutate.
const CurrentSchemaVersion = 1

// snapshotEnvelope is the on-disk/on-row document shape (§6's "persisted
// snapshot format"): a schema version alongside the monotone-versioned
// state it wraps, so a future incompatible layout change can be detected
// at load time instead of silently misreading old data.
type snapshotEnvelope struct {
	SchemaVersion   int             `json:"version"`
	MonotoneVersion int64           `json:"monotone_version"`
	State           *core.GridState `json:"state"`
}

func encodeSnapshot(state *core.GridState) ([]byte, error) {
	env := snapshotEnvelope{
		SchemaVersion:   CurrentSchemaVersion,
		MonotoneVersion: state.Version,
		State:           state,
	}
	return json.Marshal(env)
}

// decodeSnapshot unmarshals a persisted envelope and refuses to return a
// state written by a schema version newer than this build understands
// (§9: "unknown higher versions must refuse to load").
func decodeSnapshot(data []byte) (*core.GridState, error) {
	var env snapshotEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot envelope: %w", err)
	}
	if env.SchemaVersion > CurrentSchemaVersion {
		return nil, fmt.Errorf("snapshot schema version %d is newer than this build understands (max %d)", env.SchemaVersion, CurrentSchemaVersion)
	}
	if env.State == nil {
		return nil, fmt.Errorf("snapshot envelope carries no state")
	}
	return env.State, nil
}
