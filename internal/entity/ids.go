package entity

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Timestamp layouts used in record identifiers. All identifiers are
// rendered from UTC wall time.
const (
	tsSecondsLayout = "20060102_150405"
	tsMillisLayout  = "20060102_150405.000"
)

// ISOTimestamp renders t in UTC as ISO-8601 with an explicit +00:00 offset.
// Microseconds are printed only when the sub-second part is nonzero, so
// whole-second events hash identically regardless of clock resolution.
func ISOTimestamp(t time.Time) string {
	t = t.UTC()

	if t.Nanosecond() == 0 {
		return t.Format("2006-01-02T15:04:05") + "+00:00"
	}

	return t.Format("2006-01-02T15:04:05.000000") + "+00:00"
}

// FeedRecordID derives the content identity of a feed record. Two records
// describing the same event always collide, which is what makes appends
// idempotent.
func FeedRecordID(source, subject, kind, granularity string, tsEvent time.Time) string {
	key := strings.Join([]string{source, subject, kind, granularity, ISOTimestamp(tsEvent)}, "|")
	sum := sha1.Sum([]byte(key))

	return hex.EncodeToString(sum[:])
}

// WatermarkID is the ingestion state identity for one feed scope.
func WatermarkID(source, subject, kind, granularity string) string {
	return source + ":" + subject + ":" + kind + ":" + granularity
}

// NewInputID returns an input identifier with millisecond resolution.
func NewInputID(now time.Time) string {
	return "INP_" + now.UTC().Format(tsMillisLayout)
}

// NewPredictionID builds a prediction identifier from the model, scope key,
// and wall time. Absent slots use the ABS prefix so they sort apart from
// real predictions.
func NewPredictionID(modelID, scopeKey string, absent bool, now time.Time) string {
	prefix := "PRE"
	if absent {
		prefix = "ABS"
	}

	return fmt.Sprintf("%s_%s_%s_%s", prefix, modelID, SafeKey(scopeKey), now.UTC().Format(tsMillisLayout))
}

// SafeKey replaces every character outside letters, digits, '-' and '_'
// with an underscore, making scope keys safe for identifiers.
func SafeKey(key string) string {
	var b strings.Builder

	b.Grow(len(key))

	for _, ch := range key {
		if unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '-' || ch == '_' {
			b.WriteRune(ch)
		} else {
			b.WriteByte('_')
		}
	}

	return b.String()
}

// NewScoreID derives the score identifier from its prediction.
func NewScoreID(predictionID string) string {
	return "SCR_" + predictionID
}

// NewSnapshotID returns a snapshot identifier for a model at second resolution.
func NewSnapshotID(modelID string, now time.Time) string {
	return fmt.Sprintf("SNAP_%s_%s", modelID, now.UTC().Format(tsSecondsLayout))
}

// NewCycleID returns a merkle cycle identifier with microsecond resolution.
func NewCycleID(now time.Time) string {
	now = now.UTC()

	return fmt.Sprintf("CYC_%s_%06d", now.Format(tsSecondsLayout), now.Nanosecond()/1000)
}

// NewCheckpointID returns a checkpoint identifier at second resolution.
func NewCheckpointID(now time.Time) string {
	return "CKP_" + now.UTC().Format(tsSecondsLayout)
}

// NewLeaderboardID returns a leaderboard identifier with millisecond resolution.
func NewLeaderboardID(now time.Time) string {
	return "LBR_" + now.UTC().Format(tsMillisLayout)
}

// NewMerkleNodeID names a persisted tree node by its owning cycle or
// checkpoint plus tree coordinates.
func NewMerkleNodeID(ownerID string, level, position int) string {
	return fmt.Sprintf("MRK_%s_%d_%d", ownerID, level, position)
}

// NewBackfillJobID returns a random job identifier.
func NewBackfillJobID() string {
	return uuid.NewString()
}
