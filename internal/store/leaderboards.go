package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/crunchkit/coordinator/internal/entity"
)

// LeaderboardRepo persists rebuilt standings documents. Each rebuild
// inserts a fresh row; readers only ever want the latest.
type LeaderboardRepo struct {
	q querier
}

type leaderboardRow struct {
	ID        string    `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	Entries   jsonList  `db:"entries"`
	Meta      jsonMap   `db:"meta"`
}

const leaderboardColumns = "id, created_at, entries, meta"

const insertLeaderboardSQL = `
INSERT INTO leaderboards (` + leaderboardColumns + `)
VALUES (:id, :created_at, :entries, :meta)`

// Save inserts a new standings document stamped now.
func (l *LeaderboardRepo) Save(
	ctx context.Context, entries []map[string]any, meta map[string]any, now time.Time,
) error {
	row := leaderboardRow{
		ID:        entity.NewLeaderboardID(now),
		CreatedAt: now.UTC(),
		Entries:   entries,
		Meta:      meta,
	}

	_, err := sqlx.NamedExecContext(ctx, l.q, insertLeaderboardSQL, row)
	if err != nil {
		return fmt.Errorf("save leaderboard %s: %w", row.ID, err)
	}

	return nil
}

// Latest returns the newest standings document, or (nil, nil).
func (l *LeaderboardRepo) Latest(ctx context.Context) (*entity.Leaderboard, error) {
	sql := "SELECT " + leaderboardColumns + " FROM leaderboards ORDER BY created_at DESC LIMIT 1"

	row, err := selectOne[leaderboardRow](ctx, l.q, sql, nil)
	if err != nil || row == nil {
		return nil, err
	}

	return &entity.Leaderboard{
		ID:        row.ID,
		CreatedAt: row.CreatedAt,
		Entries:   row.Entries,
		Meta:      row.Meta,
	}, nil
}

// Clear deletes every standings document.
func (l *LeaderboardRepo) Clear(ctx context.Context) error {
	_, err := l.q.ExecContext(ctx, "DELETE FROM leaderboards")
	if err != nil {
		return fmt.Errorf("clear leaderboards: %w", err)
	}

	return nil
}
