package exchange

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/quantgrid/gridcore/internal/core"
)

// clientOrderIDPrefix tags every id this codec mints so ParseClientOrderID
// can cheaply reject ids that belong to something else before attempting a
// full parse.
const clientOrderIDPrefix = "ct"

// ShortInstanceID derives the short, ASCII-safe instance tag embedded in a
// client order id. A full UUID is 36 characters on its own, which leaves no
// room for the rest of the id under the 36-character budget (§6), so only
// the first 8 hex characters of the UUID (collision-negligible for the
// handful of concurrent instances a single deployment runs) are embedded —
// mirroring the teacher's own client-id truncation for exchange length
// limits in utils/orderid.go (AddBrokerPrefix/RemoveBrokerPrefix).
func ShortInstanceID(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")[:8]
}

func sideTag(s core.Side) string {
	if s == core.SideBuy {
		return "B"
	}
	return "S"
}

func sideFromTag(tag string) (core.Side, bool) {
	switch tag {
	case "B":
		return core.SideBuy, true
	case "S":
		return core.SideSell, true
	default:
		return "", false
	}
}

// NewClientOrderID encodes (instanceShortID, levelIdx, side, placementEpoch)
// into the deterministic idempotency key specified in §6:
// ct-<instance_uuid>-<level_idx>-<side>-<placement_epoch>.
func NewClientOrderID(instanceShortID string, levelIdx int, side core.Side, placementEpoch int64) string {
	id := fmt.Sprintf("%s-%s-%d-%s-%d", clientOrderIDPrefix, instanceShortID, levelIdx, sideTag(side), placementEpoch)
	if len(id) > 36 {
		// Defensive: should be unreachable with an 8-char instance tag and
		// realistic level/epoch ranges, but a silently truncated id would
		// break idempotency rather than just look ugly, so fail loudly.
		panic(fmt.Sprintf("client_order_id exceeds 36 chars: %s", id))
	}
	return id
}

// ParsedClientOrderID is the decoded form of a client_order_id, used by
// reconciliation to map an orphaned exchange order back to a level without
// any local state (§4.5).
type ParsedClientOrderID struct {
	InstanceShortID string
	LevelIndex      int
	Side            core.Side
	PlacementEpoch  int64
}

// ParseClientOrderID decodes an id produced by NewClientOrderID. It returns
// ok=false for any id that does not match this codec's shape, including
// ids placed by a different strategy instance's tooling.
func ParseClientOrderID(id string) (ParsedClientOrderID, bool) {
	parts := strings.Split(id, "-")
	if len(parts) != 5 || parts[0] != clientOrderIDPrefix {
		return ParsedClientOrderID{}, false
	}

	levelIdx, err := strconv.Atoi(parts[2])
	if err != nil {
		return ParsedClientOrderID{}, false
	}
	side, ok := sideFromTag(parts[3])
	if !ok {
		return ParsedClientOrderID{}, false
	}
	epoch, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil {
		return ParsedClientOrderID{}, false
	}

	return ParsedClientOrderID{
		InstanceShortID: parts[1],
		LevelIndex:      levelIdx,
		Side:            side,
		PlacementEpoch:  epoch,
	}, true
}
