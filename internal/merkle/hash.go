// Package merkle provides tamper evidence for score cycles: canonical
// snapshot hashing, binary Merkle trees with inclusion proofs, and the
// cycle chaining + checkpoint commit services.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crunchkit/coordinator/internal/entity"
)

// SnapshotContentHash computes the deterministic SHA-256 content hash of a
// snapshot. The payload is canonical JSON (sorted keys, no whitespace) so
// any implementation can independently reproduce the same hash. A summary
// that cannot be canonically encoded fails the commit rather than
// producing an empty hash: two distinct snapshots hashing to the same
// value would break tamper evidence silently.
func SnapshotContentHash(
	modelID string,
	periodStart, periodEnd time.Time,
	predictionCount int,
	resultSummary map[string]any,
) (string, error) {
	if resultSummary == nil {
		resultSummary = map[string]any{}
	}

	payload := map[string]any{
		"model_id":         modelID,
		"period_start":     entity.ISOTimestamp(periodStart),
		"period_end":       entity.ISOTimestamp(periodEnd),
		"prediction_count": predictionCount,
		"result_summary":   resultSummary,
	}

	// encoding/json sorts map keys and emits no whitespace, which is
	// exactly the canonical form the hash is defined over.
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode snapshot %s content: %w", modelID, err)
	}

	sum := sha256.Sum256(raw)

	return hex.EncodeToString(sum[:]), nil
}

// HashPair hashes two hex-encoded hashes together: SHA-256 over the
// ASCII concatenation left+right.
func HashPair(left, right string) string {
	sum := sha256.Sum256([]byte(left + right))

	return hex.EncodeToString(sum[:])
}
