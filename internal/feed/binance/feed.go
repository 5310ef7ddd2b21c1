package binance

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crunchkit/coordinator/internal/entity"
	"github.com/crunchkit/coordinator/internal/feed"
)

// SourceName is the provider name recorded on every Binance record.
const SourceName = "binance"

// maxSubjects caps subject discovery; exchangeInfo lists thousands.
const maxSubjects = 500

// defaultDepthLimit is how many book levels a depth snapshot keeps.
const defaultDepthLimit = 10

// fetchConcurrency bounds parallel per-subject upstream calls.
const fetchConcurrency = 4

func init() {
	feed.Register(SourceName, func(settings feed.Settings) feed.Provider {
		return New(settings)
	})
}

// Feed adapts the Binance REST APIs to the provider contract.
type Feed struct {
	client     *Client
	depthLimit int
}

// New builds the provider from settings. The "depth_limit" option
// overrides how many book levels depth snapshots keep.
func New(settings feed.Settings) *Feed {
	depthLimit := defaultDepthLimit

	if raw, ok := settings.Options["depth_limit"]; ok {
		parsed, err := strconv.Atoi(raw)
		if err == nil && parsed > 0 {
			depthLimit = parsed
		}
	}

	return &Feed{
		client:     NewClient(settings.Timeout),
		depthLimit: depthLimit,
	}
}

// Source returns the provider name.
func (f *Feed) Source() string {
	return SourceName
}

var subjectKinds = []string{feed.KindTick, feed.KindCandle}

var subjectGranularities = []string{"1m", "5m", "15m", "1h"}

// ListSubjects discovers tradable symbols from exchangeInfo. When the
// upstream call fails or returns nothing, a single BTCUSDT fallback
// descriptor keeps the pipeline alive.
func (f *Feed) ListSubjects(ctx context.Context) ([]feed.SubjectDescriptor, error) {
	info, err := f.client.exchangeInfo(ctx)
	if err != nil || len(info.Symbols) == 0 {
		return []feed.SubjectDescriptor{{
			Symbol:        "BTCUSDT",
			DisplayName:   "BTC / USDT",
			Kinds:         subjectKinds,
			Granularities: subjectGranularities,
			Source:        SourceName,
			Metadata:      map[string]any{"fallback": true},
		}}, nil
	}

	symbols := info.Symbols
	if len(symbols) > maxSubjects {
		symbols = symbols[:maxSubjects]
	}

	descriptors := make([]feed.SubjectDescriptor, 0, len(symbols))

	for _, symbol := range symbols {
		if symbol.Symbol == "" {
			continue
		}

		descriptors = append(descriptors, feed.SubjectDescriptor{
			Symbol:        symbol.Symbol,
			DisplayName:   symbol.Symbol,
			Kinds:         subjectKinds,
			Granularities: subjectGranularities,
			Source:        SourceName,
			Metadata: map[string]any{
				"status": symbol.Status,
				"base":   symbol.BaseAsset,
				"quote":  symbol.QuoteAsset,
			},
		})
	}

	return descriptors, nil
}

// Fetch pulls records for the requested kind. Per-subject upstream
// failures yield no records for that subject rather than failing the
// whole request; backfill treats an empty page as end of data.
func (f *Feed) Fetch(ctx context.Context, req feed.FetchRequest) ([]entity.FeedRecord, error) {
	switch req.Kind {
	case feed.KindCandle:
		return f.fetchCandles(ctx, req)
	case feed.KindDepth:
		return f.fetchDepth(ctx, req)
	case feed.KindFunding:
		return f.fetchFunding(ctx, req)
	default:
		return f.fetchTicks(ctx, req)
	}
}

// perSubject fans fetchOne out across the request subjects with bounded
// concurrency, preserving subject order in the combined result.
func perSubject(
	ctx context.Context,
	subjects []string,
	fetchOne func(ctx context.Context, subject string) []entity.FeedRecord,
) ([]entity.FeedRecord, error) {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(fetchConcurrency)

	var mu sync.Mutex

	bySubject := make([][]entity.FeedRecord, len(subjects))

	for i, subject := range subjects {
		group.Go(func() error {
			records := fetchOne(groupCtx, subject)

			mu.Lock()
			bySubject[i] = records
			mu.Unlock()

			return groupCtx.Err()
		})
	}

	waitErr := group.Wait()
	if waitErr != nil {
		return nil, waitErr
	}

	var combined []entity.FeedRecord
	for _, records := range bySubject {
		combined = append(combined, records...)
	}

	return combined, nil
}

func (f *Feed) fetchCandles(ctx context.Context, req feed.FetchRequest) ([]entity.FeedRecord, error) {
	interval := toInterval(req.Granularity)

	var startMS, endMS int64

	if !req.Start.IsZero() {
		startMS = req.Start.UnixMilli()
	}

	if !req.End.IsZero() {
		endMS = req.End.UnixMilli()
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 500
	}

	return perSubject(ctx, req.Subjects, func(ctx context.Context, subject string) []entity.FeedRecord {
		rows, err := f.client.klines(ctx, subject, interval, startMS, endMS, limit)
		if err != nil {
			return nil
		}

		records := make([]entity.FeedRecord, 0, len(rows))

		for _, row := range rows {
			if len(row) < 6 {
				continue
			}

			openMS, ok := row[0].(float64)
			if !ok {
				continue
			}

			records = append(records, entity.FeedRecord{
				Source:      SourceName,
				Subject:     subject,
				Kind:        feed.KindCandle,
				Granularity: req.Granularity,
				TsEvent:     time.Unix(int64(openMS)/1000, 0).UTC(),
				Values: map[string]any{
					"open":   parseFloat(row[1]),
					"high":   parseFloat(row[2]),
					"low":    parseFloat(row[3]),
					"close":  parseFloat(row[4]),
					"volume": parseFloat(row[5]),
				},
			})
		}

		return records
	})
}

func (f *Feed) fetchDepth(ctx context.Context, req feed.FetchRequest) ([]entity.FeedRecord, error) {
	now := time.Now().UTC().Truncate(time.Second)

	return perSubject(ctx, req.Subjects, func(ctx context.Context, subject string) []entity.FeedRecord {
		snapshot, err := f.client.depth(ctx, subject, f.depthLimit)
		if err != nil {
			return nil
		}

		return []entity.FeedRecord{{
			Source:      SourceName,
			Subject:     subject,
			Kind:        feed.KindDepth,
			Granularity: req.Granularity,
			TsEvent:     now,
			Values:      depthValues(snapshot, f.depthLimit),
		}}
	})
}

// depthValues derives the microstructure features models consume from
// a raw book snapshot.
func depthValues(snapshot *depthSnapshot, limit int) map[string]any {
	bids := topLevels(snapshot.Bids, limit)
	asks := topLevels(snapshot.Asks, limit)

	var bestBid, bestAsk float64

	if len(bids) > 0 {
		bestBid = bids[0][0]
	}

	if len(asks) > 0 {
		bestAsk = asks[0][0]
	}

	var bidDepth, askDepth float64

	for _, level := range bids {
		bidDepth += level[1]
	}

	for _, level := range asks {
		askDepth += level[1]
	}

	var midPrice float64
	if bestBid+bestAsk > 0 {
		midPrice = (bestBid + bestAsk) / 2
	}

	var imbalance float64
	if bidDepth+askDepth > 0 {
		imbalance = (bidDepth - askDepth) / (bidDepth + askDepth)
	}

	return map[string]any{
		"best_bid":  bestBid,
		"best_ask":  bestAsk,
		"spread":    bestAsk - bestBid,
		"mid_price": midPrice,
		"bid_depth": bidDepth,
		"ask_depth": askDepth,
		"imbalance": imbalance,
		"bids_top":  levelsToAny(bids),
		"asks_top":  levelsToAny(asks),
	}
}

func topLevels(raw [][]string, limit int) [][2]float64 {
	if len(raw) > limit {
		raw = raw[:limit]
	}

	levels := make([][2]float64, 0, len(raw))

	for _, level := range raw {
		if len(level) < 2 {
			continue
		}

		levels = append(levels, [2]float64{parseFloat(level[0]), parseFloat(level[1])})
	}

	return levels
}

func levelsToAny(levels [][2]float64) []any {
	out := make([]any, 0, len(levels))
	for _, level := range levels {
		out = append(out, []any{level[0], level[1]})
	}

	return out
}

func (f *Feed) fetchFunding(ctx context.Context, req feed.FetchRequest) ([]entity.FeedRecord, error) {
	now := time.Now().UTC().Truncate(time.Second)

	return perSubject(ctx, req.Subjects, func(ctx context.Context, subject string) []entity.FeedRecord {
		index, err := f.client.premiumIndex(ctx, subject)
		if err != nil {
			return nil
		}

		markPrice := parseFloat(index.MarkPrice)
		indexPrice := parseFloat(index.IndexPrice)

		var basis float64
		if indexPrice > 0 {
			basis = (markPrice - indexPrice) / indexPrice
		}

		return []entity.FeedRecord{{
			Source:      SourceName,
			Subject:     subject,
			Kind:        feed.KindFunding,
			Granularity: req.Granularity,
			TsEvent:     now,
			Values: map[string]any{
				"funding_rate":    parseFloat(index.LastFundingRate),
				"mark_price":      markPrice,
				"index_price":     indexPrice,
				"basis":           basis,
				"next_funding_ts": index.NextFundingTime / 1000,
			},
		}}
	})
}

func (f *Feed) fetchTicks(ctx context.Context, req feed.FetchRequest) ([]entity.FeedRecord, error) {
	now := time.Now().UTC().Truncate(time.Second)

	return perSubject(ctx, req.Subjects, func(ctx context.Context, subject string) []entity.FeedRecord {
		price, err := f.client.tickerPrice(ctx, subject)
		if err != nil {
			return nil
		}

		return []entity.FeedRecord{{
			Source:      SourceName,
			Subject:     subject,
			Kind:        feed.KindTick,
			Granularity: req.Granularity,
			TsEvent:     now,
			Values:      map[string]any{"price": price},
		}}
	})
}

// toInterval maps a feed granularity to the closest Binance interval.
// Sub-minute granularities degrade to 1m candles.
func toInterval(granularity string) string {
	switch granularity {
	case "1m", "5m", "15m", "1h":
		return granularity
	default:
		return "1m"
	}
}
