// Package feed defines the market data provider contract: subject
// discovery, pull-mode fetch for backfill and truth windows, and a
// poll-based listen helper for live ingestion. Concrete providers live
// in subpackages and register themselves by source name.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/crunchkit/coordinator/internal/entity"
)

// Feed data kinds.
const (
	KindTick    = "tick"
	KindCandle  = "candle"
	KindDepth   = "depth"
	KindFunding = "funding"
)

var (
	// ErrUnknownSource indicates no provider registered under the name.
	ErrUnknownSource = errors.New("feed: unknown source")
)

// SubjectDescriptor is a provider-native subject with its capabilities.
type SubjectDescriptor struct {
	Symbol        string         `json:"symbol"`
	DisplayName   string         `json:"display_name,omitempty"`
	Kinds         []string       `json:"kinds"`
	Granularities []string       `json:"granularities"`
	Source        string         `json:"source"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// FetchRequest is a pull-mode request over one kind and granularity.
// Start and End bound event time in whole seconds; zero means unbounded.
type FetchRequest struct {
	Subjects    []string
	Kind        string
	Granularity string
	Start       time.Time
	End         time.Time
	Limit       int
}

// Subscription is a listen-mode request.
type Subscription struct {
	Subjects    []string
	Kind        string
	Granularity string
}

// Provider is one upstream market data source.
type Provider interface {
	// Source is the stable provider name recorded on every record.
	Source() string

	// ListSubjects discovers available subjects. Providers degrade to a
	// fallback descriptor set when discovery fails upstream.
	ListSubjects(ctx context.Context) ([]SubjectDescriptor, error)

	// Fetch pulls normalized records for the request. Records carry
	// source, subject, kind, granularity, event time and values; the
	// caller stamps identity and ingest time.
	Fetch(ctx context.Context, req FetchRequest) ([]entity.FeedRecord, error)
}

// Settings configures a provider at build time.
type Settings struct {
	PollInterval time.Duration
	Timeout      time.Duration
	Options      map[string]string
}

// BuilderFunc constructs a provider from settings.
type BuilderFunc func(Settings) Provider

var (
	registryMu sync.RWMutex
	registry   = map[string]BuilderFunc{}
)

// Register installs a provider constructor under its source name.
// Provider packages call it from init.
func Register(source string, build BuilderFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()

	registry[source] = build
}

// Build constructs the named provider.
func Build(source string, settings Settings) (Provider, error) {
	registryMu.RLock()
	build, ok := registry[source]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}

	return build(settings), nil
}

// Sources lists registered provider names sorted.
func Sources() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Stamp fills the content-derived id and ingest timestamp on a record.
func Stamp(record *entity.FeedRecord, now time.Time) {
	record.ID = entity.FeedRecordID(
		record.Source, record.Subject, record.Kind, record.Granularity, record.TsEvent,
	)
	record.TsIngested = now.UTC()
}

// Listen polls the provider at the settings interval and hands each new
// record to sink. Per-subject watermarks enforce monotonic event time:
// a record at or before the subject's last seen event is dropped. Fetch
// errors are swallowed so one bad poll never kills the loop; Listen
// returns when ctx is cancelled.
func Listen(
	ctx context.Context,
	provider Provider,
	sub Subscription,
	interval time.Duration,
	sink func(entity.FeedRecord),
) {
	const minInterval = 500 * time.Millisecond

	if interval < minInterval {
		interval = minInterval
	}

	watermarks := make(map[string]time.Time, len(sub.Subjects))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		records, err := provider.Fetch(ctx, FetchRequest{
			Subjects:    sub.Subjects,
			Kind:        sub.Kind,
			Granularity: sub.Granularity,
			End:         time.Now().UTC(),
			Limit:       1,
		})
		if err == nil {
			for _, record := range records {
				last, seen := watermarks[record.Subject]
				if seen && !record.TsEvent.After(last) {
					continue
				}

				watermarks[record.Subject] = record.TsEvent
				sink(record)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
