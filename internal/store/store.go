// Package store is the persistence layer: one sqlx repository per
// canonical table, plus embedded goose migrations. Single-row getters
// return (nil, nil) when no row matches; sentinel errors cover the
// conflict and missing-target cases callers branch on.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	// Registers the pgx stdlib driver under the "pgx" name.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/crunchkit/coordinator/internal/config"
)

var (
	// ErrNotFound indicates an update targeted a row that does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict indicates a write violated a uniqueness or state rule.
	ErrConflict = errors.New("store: conflict")
)

// migrationsDir is the embedded path goose reads migration files from.
const migrationsDir = "migrations"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// querier is the query surface repositories run on. Both *sqlx.DB and
// *sqlx.Tx satisfy it, so the same repositories serve autocommit reads
// and transactional cycle writes.
type querier interface {
	sqlx.ExtContext
}

// Repos bundles one repository per table, all bound to the same querier.
type Repos struct {
	Feeds        *FeedRepo
	Backfills    *BackfillRepo
	Inputs       *InputRepo
	Predictions  *PredictionRepo
	Scores       *ScoreRepo
	Models       *ModelRepo
	Snapshots    *SnapshotRepo
	Leaderboards *LeaderboardRepo
	Checkpoints  *CheckpointRepo
	Configs      *ConfigRepo
	Cycles       *CycleRepo
	Nodes        *NodeRepo
}

func newRepos(q querier) Repos {
	return Repos{
		Feeds:        &FeedRepo{q: q},
		Backfills:    &BackfillRepo{q: q},
		Inputs:       &InputRepo{q: q},
		Predictions:  &PredictionRepo{q: q},
		Scores:       &ScoreRepo{q: q},
		Models:       &ModelRepo{q: q},
		Snapshots:    &SnapshotRepo{q: q},
		Leaderboards: &LeaderboardRepo{q: q},
		Checkpoints:  &CheckpointRepo{q: q},
		Configs:      &ConfigRepo{q: q},
		Cycles:       &CycleRepo{q: q},
		Nodes:        &NodeRepo{q: q},
	}
}

// Store owns the database handle and the autocommit repositories.
type Store struct {
	Repos

	db *sqlx.DB
}

// Open connects to Postgres using the configured DSN and pool limits.
// It pings the database once so misconfiguration fails at startup, not
// on the first query.
func Open(ctx context.Context, cfg config.StoreConfig) (*Store, error) {
	db, err := sqlx.Open("pgx", cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	pingErr := db.PingContext(ctx)
	if pingErr != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping database: %w", pingErr)
	}

	return New(db), nil
}

// New wraps an existing handle. Tests hand in a sqlmock-backed handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, Repos: newRepos(db)}
}

// DB exposes the underlying handle for listeners that need raw access.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Ping reports database reachability; the readiness probe calls it.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies all pending embedded migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)

	dialectErr := goose.SetDialect("postgres")
	if dialectErr != nil {
		return fmt.Errorf("set migration dialect: %w", dialectErr)
	}

	upErr := goose.UpContext(ctx, s.db.DB, migrationsDir)
	if upErr != nil {
		return fmt.Errorf("apply migrations: %w", upErr)
	}

	return nil
}

// MigrationStatus prints the embedded migration ledger through goose.
func (s *Store) MigrationStatus(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)

	dialectErr := goose.SetDialect("postgres")
	if dialectErr != nil {
		return fmt.Errorf("set migration dialect: %w", dialectErr)
	}

	statusErr := goose.StatusContext(ctx, s.db.DB, migrationsDir)
	if statusErr != nil {
		return fmt.Errorf("migration status: %w", statusErr)
	}

	return nil
}

// WithTx runs fn against repositories bound to a single transaction.
// Any error rolls the whole transaction back, so a failed score cycle
// leaves no partial snapshots or scores behind.
func (s *Store) WithTx(ctx context.Context, fn func(Repos) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	fnErr := fn(newRepos(tx))
	if fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(fnErr, fmt.Errorf("rollback: %w", rbErr))
		}

		return fnErr
	}

	commitErr := tx.Commit()
	if commitErr != nil {
		return fmt.Errorf("commit transaction: %w", commitErr)
	}

	return nil
}

// jsonMap round-trips a JSONB object column as a plain map.
type jsonMap map[string]any

func (m jsonMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}

	return json.Marshal(map[string]any(m))
}

func (m *jsonMap) Scan(src any) error {
	return scanJSON(src, m, "{}")
}

// jsonList round-trips a JSONB array column as a slice of objects.
type jsonList []map[string]any

func (l jsonList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}

	return json.Marshal([]map[string]any(l))
}

func (l *jsonList) Scan(src any) error {
	return scanJSON(src, l, "[]")
}

func scanJSON(src, dest any, empty string) error {
	var raw []byte

	switch v := src.(type) {
	case nil:
		raw = []byte(empty)
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("%w: unsupported jsonb source %T", ErrConflict, src)
	}

	if len(raw) == 0 {
		raw = []byte(empty)
	}

	return json.Unmarshal(raw, dest)
}

// where accumulates AND-ed conditions with "?" placeholders. The final
// query goes through sqlx.In and Rebind, so slice arguments expand into
// IN lists and placeholders become Postgres positional parameters.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(expr string, args ...any) {
	w.conds = append(w.conds, expr)
	w.args = append(w.args, args...)
}

func (w *where) clause() string {
	if len(w.conds) == 0 {
		return ""
	}

	return " WHERE " + strings.Join(w.conds, " AND ")
}

// buildQuery expands list arguments and rebinds placeholders for q.
func buildQuery(q querier, query string, args []any) (string, []any, error) {
	expanded, expandedArgs, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, fmt.Errorf("expand query arguments: %w", err)
	}

	return q.Rebind(expanded), expandedArgs, nil
}

func selectAll[T any](ctx context.Context, q querier, query string, args []any) ([]T, error) {
	bound, boundArgs, err := buildQuery(q, query, args)
	if err != nil {
		return nil, err
	}

	var rows []T

	selectErr := sqlx.SelectContext(ctx, q, &rows, bound, boundArgs...)
	if selectErr != nil {
		return nil, fmt.Errorf("select: %w", selectErr)
	}

	return rows, nil
}

// selectOne returns (nil, nil) when no row matches.
func selectOne[T any](ctx context.Context, q querier, query string, args []any) (*T, error) {
	bound, boundArgs, err := buildQuery(q, query, args)
	if err != nil {
		return nil, err
	}

	var row T

	getErr := sqlx.GetContext(ctx, q, &row, bound, boundArgs...)
	if getErr != nil {
		if errors.Is(getErr, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("select one: %w", getErr)
	}

	return &row, nil
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}

	return fmt.Sprintf(" LIMIT %d", limit)
}
