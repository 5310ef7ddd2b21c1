// Package assemble builds model input payloads from recent feed data:
// a window of one-minute candles, higher-timeframe rollups aggregated
// from them, and the latest microstructure readings.
package assemble

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/crunchkit/coordinator/internal/config"
	"github.com/crunchkit/coordinator/internal/entity"
	"github.com/crunchkit/coordinator/internal/feed"
	"github.com/crunchkit/coordinator/internal/store"
)

// Timeframe names one rollup target: bars of Minutes width, keeping the
// last Count of them.
type Timeframe struct {
	Minutes int
	Count   int
}

// MultiTF is the fixed rollup ladder attached to every input payload.
var MultiTF = []Timeframe{
	{Minutes: 5, Count: 60},
	{Minutes: 15, Count: 40},
	{Minutes: 60, Count: 24},
}

// Candle is one OHLCV bar keyed by its bucket start in unix seconds.
type Candle struct {
	Ts     int64   `json:"ts"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// RecordStore reads and repairs the feed window. *store.FeedRepo
// satisfies the read side; AppendRecords persists recovery fetches.
type RecordStore interface {
	Records(ctx context.Context, query store.RecordQuery) ([]entity.FeedRecord, error)
	Tail(ctx context.Context, query store.TailQuery) ([]entity.FeedRecord, error)
	AppendRecords(ctx context.Context, records []entity.FeedRecord) (int, error)
}

// Reader assembles inputs for one feed scope. When the stored window is
// too thin it fetches the gap straight from the provider before reading
// again.
type Reader struct {
	records     RecordStore
	provider    feed.Provider
	source      string
	subject     string
	kind        string
	granularity string
	window      int
	logger      *slog.Logger
}

// NewReader builds a reader for the configured feed scope. The provider
// is optional; without one, recovery is skipped.
func NewReader(
	records RecordStore, provider feed.Provider, cfg config.FeedConfig, logger *slog.Logger,
) *Reader {
	subject := ""
	if len(cfg.Subjects) > 0 {
		subject = cfg.Subjects[0]
	}

	window := cfg.CandlesWindow
	if window <= 0 {
		window = 120
	}

	return &Reader{
		records:     records,
		provider:    provider,
		source:      cfg.Source,
		subject:     subject,
		kind:        cfg.Kind,
		granularity: cfg.Granularity,
		window:      window,
		logger:      logger,
	}
}

// BuildInput assembles the raw input payload for one timestep: the 1m
// candle window, every MultiTF rollup, and the latest order book and
// funding readings when present.
func (r *Reader) BuildInput(ctx context.Context, now time.Time) (map[string]any, error) {
	maxNeeded := 0
	for _, tf := range MultiTF {
		if tf.Minutes*tf.Count > maxNeeded {
			maxNeeded = tf.Minutes * tf.Count
		}
	}

	loadLimit := r.window
	if maxNeeded > loadLimit {
		loadLimit = maxNeeded
	}

	candles, err := r.loadRecentCandles(ctx, loadLimit)
	if err != nil {
		return nil, err
	}

	if len(candles) < min(3, r.window) {
		recoverStart := now.Add(-time.Duration(max(5, loadLimit)) * time.Minute)
		r.recoverWindow(ctx, recoverStart, now)

		candles, err = r.loadRecentCandles(ctx, loadLimit)
		if err != nil {
			return nil, err
		}
	}

	asofTs := now.Unix()
	if len(candles) > 0 {
		asofTs = candles[len(candles)-1].Ts
	}

	result := map[string]any{
		"symbol":     r.subject,
		"asof_ts":    asofTs,
		"candles_1m": tailCandles(candles, r.window),
	}

	for _, tf := range MultiTF {
		result[timeframeKey(tf.Minutes)] = AggregateCandles(candles, tf.Minutes, tf.Count)
	}

	result["orderbook"] = r.latestValues(ctx, feed.KindDepth)
	result["funding"] = r.latestValues(ctx, feed.KindFunding)

	return result, nil
}

// FetchWindow reads the scope's records between start and end. An empty
// window triggers one recovery fetch with two minutes of slack on each
// side before re-reading.
func (r *Reader) FetchWindow(ctx context.Context, start, end time.Time) ([]entity.FeedRecord, error) {
	query := store.RecordQuery{
		Source:      r.source,
		Subject:     r.subject,
		Kind:        r.kind,
		Granularity: r.granularity,
		StartTs:     &start,
		EndTs:       &end,
	}

	records, err := r.records.Records(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("read feed window: %w", err)
	}

	if len(records) == 0 {
		r.recoverWindow(ctx, start.Add(-2*time.Minute), end.Add(2*time.Minute))

		records, err = r.records.Records(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("read feed window: %w", err)
		}
	}

	return records, nil
}

func (r *Reader) loadRecentCandles(ctx context.Context, limit int) ([]Candle, error) {
	rows, err := r.records.Tail(ctx, store.TailQuery{
		Source:      r.source,
		Subject:     r.subject,
		Kind:        r.kind,
		Granularity: r.granularity,
		Limit:       max(1, limit),
	})
	if err != nil {
		return nil, fmt.Errorf("read recent candles: %w", err)
	}

	// Tail is newest first; candles are consumed oldest first.
	candles := make([]Candle, 0, len(rows))

	for i := len(rows) - 1; i >= 0; i-- {
		candle, ok := recordCandle(rows[i])
		if !ok {
			continue
		}

		candles = append(candles, candle)
	}

	return candles, nil
}

// recoverWindow fetches the missing window straight from the provider
// and persists whatever came back. Failures leave the stored window as
// it was.
func (r *Reader) recoverWindow(ctx context.Context, start, end time.Time) {
	if r.provider == nil {
		return
	}

	kind := r.kind
	if kind != feed.KindTick && kind != feed.KindCandle {
		kind = feed.KindTick
	}

	records, err := r.provider.Fetch(ctx, feed.FetchRequest{
		Subjects:    []string{r.subject},
		Kind:        kind,
		Granularity: r.granularity,
		Start:       start.UTC(),
		End:         end.UTC(),
		Limit:       500,
	})
	if err != nil || len(records) == 0 {
		return
	}

	now := time.Now().UTC()
	for i := range records {
		feed.Stamp(&records[i], now)
	}

	written, appendErr := r.records.AppendRecords(ctx, records)
	if appendErr != nil {
		r.logger.WarnContext(ctx, "window recovery write failed", "error", appendErr)

		return
	}

	r.logger.InfoContext(ctx, "recovered feed window",
		"subject", r.subject,
		"records", written,
	)
}

func (r *Reader) latestValues(ctx context.Context, kind string) map[string]any {
	rows, err := r.records.Tail(ctx, store.TailQuery{
		Source:      r.source,
		Subject:     r.subject,
		Kind:        kind,
		Granularity: r.granularity,
		Limit:       1,
	})
	if err != nil || len(rows) == 0 || len(rows[0].Values) == 0 {
		return nil
	}

	return rows[0].Values
}

// AggregateCandles rolls 1m candles up into bars of targetMinutes width
// by flooring each candle's timestamp to the bar boundary. At most
// maxOutput bars come back, oldest first.
func AggregateCandles(candles []Candle, targetMinutes, maxOutput int) []Candle {
	if len(candles) == 0 {
		return []Candle{}
	}

	if targetMinutes <= 1 {
		return tailCandles(candles, maxOutput)
	}

	intervalSeconds := int64(targetMinutes) * 60
	buckets := make(map[int64]Candle)

	for _, candle := range candles {
		bucketTs := (candle.Ts / intervalSeconds) * intervalSeconds

		bar, seen := buckets[bucketTs]
		if !seen {
			bar = candle
			bar.Ts = bucketTs
		} else {
			bar.High = max(bar.High, candle.High)
			bar.Low = min(bar.Low, candle.Low)
			bar.Close = candle.Close
			bar.Volume += candle.Volume
		}

		buckets[bucketTs] = bar
	}

	bars := make([]Candle, 0, len(buckets))
	for _, bar := range buckets {
		bars = append(bars, bar)
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].Ts < bars[j].Ts })

	return tailCandles(bars, maxOutput)
}

// recordCandle normalizes one feed record into a bar. Candle records map
// straight through; anything else with a price collapses into a
// zero-range bar at that price.
func recordCandle(record entity.FeedRecord) (Candle, bool) {
	price, ok := recordPrice(record)
	if !ok {
		return Candle{}, false
	}

	ts := record.TsEvent.UTC().Unix()

	if record.Kind == feed.KindCandle {
		return Candle{
			Ts:     ts,
			Open:   valueOr(record.Values, "open", price),
			High:   valueOr(record.Values, "high", price),
			Low:    valueOr(record.Values, "low", price),
			Close:  valueOr(record.Values, "close", price),
			Volume: valueOr(record.Values, "volume", 0),
		}, true
	}

	return Candle{Ts: ts, Open: price, High: price, Low: price, Close: price}, true
}

func recordPrice(record entity.FeedRecord) (float64, bool) {
	for _, key := range []string{"close", "price"} {
		raw, present := record.Values[key]
		if !present {
			continue
		}

		return entity.AsNumber(raw)
	}

	return 0, false
}

func valueOr(values map[string]any, key string, fallback float64) float64 {
	num, ok := entity.AsNumber(values[key])
	if !ok {
		return fallback
	}

	return num
}

func timeframeKey(minutes int) string {
	if minutes < 60 {
		return fmt.Sprintf("candles_%dm", minutes)
	}

	return fmt.Sprintf("candles_%dh", minutes/60)
}

func tailCandles(candles []Candle, n int) []Candle {
	if n <= 0 || len(candles) <= n {
		return candles
	}

	return candles[len(candles)-n:]
}
