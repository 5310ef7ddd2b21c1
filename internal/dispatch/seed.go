package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/crunchkit/coordinator/internal/entity"
)

// ErrInvalidSeed indicates a seed file that parsed but failed validation.
var ErrInvalidSeed = errors.New("dispatch: invalid schedule seed")

// seedEntry is one schedule config as written in the seed file.
type seedEntry struct {
	ID            string          `yaml:"id"             validate:"required"`
	ScopeKey      string          `yaml:"scope_key"`
	ScopeTemplate map[string]any  `yaml:"scope_template"`
	Schedule      entity.Schedule `yaml:"schedule"       validate:"required"`
	Active        *bool           `yaml:"active"`
	Meta          map[string]any  `yaml:"meta"`
}

type seedFile struct {
	Configs []seedEntry `yaml:"configs" validate:"dive"`
}

// SeedStore is the config repo surface the seeder writes through.
// *store.ConfigRepo satisfies it.
type SeedStore interface {
	Upsert(ctx context.Context, cfg *entity.ScheduledPredictionConfig) error
	DeactivateMissing(ctx context.Context, keepIDs []string) error
}

// LoadSeed parses and validates a schedule seed file. Entries keep file
// order; omitted active flags default to true.
func LoadSeed(path string) ([]entity.ScheduledPredictionConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedule seed: %w", err)
	}

	var file seedFile

	parseErr := yaml.Unmarshal(raw, &file)
	if parseErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSeed, parseErr)
	}

	validate := validator.New()

	configs := make([]entity.ScheduledPredictionConfig, 0, len(file.Configs))

	for position, entry := range file.Configs {
		structErr := validate.Struct(entry)
		if structErr != nil {
			return nil, fmt.Errorf("%w: entry %d: %w", ErrInvalidSeed, position, structErr)
		}

		active := true
		if entry.Active != nil {
			active = *entry.Active
		}

		scopeKey := entry.ScopeKey
		if scopeKey == "" {
			scopeKey = defaultScopeKey
		}

		configs = append(configs, entity.ScheduledPredictionConfig{
			ID:            entry.ID,
			ScopeKey:      scopeKey,
			ScopeTemplate: entry.ScopeTemplate,
			Schedule:      entry.Schedule,
			Active:        active,
			Order:         position,
			Meta:          entry.Meta,
		})
	}

	return configs, nil
}

// ApplySeed loads the seed file and reconciles the stored schedule with
// it: every entry is upserted and configs that vanished from the file
// are deactivated.
func ApplySeed(ctx context.Context, store SeedStore, path string, logger *slog.Logger) (int, error) {
	configs, err := LoadSeed(path)
	if err != nil {
		return 0, err
	}

	keepIDs := make([]string, 0, len(configs))

	for i := range configs {
		upsertErr := store.Upsert(ctx, &configs[i])
		if upsertErr != nil {
			return 0, fmt.Errorf("upsert schedule config %s: %w", configs[i].ID, upsertErr)
		}

		keepIDs = append(keepIDs, configs[i].ID)
	}

	deactivateErr := store.DeactivateMissing(ctx, keepIDs)
	if deactivateErr != nil {
		return 0, deactivateErr
	}

	logger.InfoContext(ctx, "schedule seed applied", "path", path, "configs", len(configs))

	return len(configs), nil
}

// WatchSeed re-applies the seed whenever the file changes, until the
// context ends. Editors that replace the file atomically emit create or
// rename events, so the watch sits on the parent directory.
func WatchSeed(ctx context.Context, store SeedStore, path string, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start seed watcher: %w", err)
	}

	defer func() { _ = watcher.Close() }()

	addErr := watcher.Add(filepath.Dir(path))
	if addErr != nil {
		return fmt.Errorf("watch seed dir: %w", addErr)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if event.Name != path {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			_, applyErr := ApplySeed(ctx, store, path, logger)
			if applyErr != nil {
				logger.ErrorContext(ctx, "seed reload failed", "error", applyErr)
			}
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.WarnContext(ctx, "seed watcher error", "error", watchErr)
		}
	}
}
