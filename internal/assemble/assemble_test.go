package assemble

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crunchkit/coordinator/internal/config"
	"github.com/crunchkit/coordinator/internal/entity"
	"github.com/crunchkit/coordinator/internal/feed"
	"github.com/crunchkit/coordinator/internal/store"
)

type fakeRecordStore struct {
	byKind   map[string][]entity.FeedRecord
	appended []entity.FeedRecord
}

func (s *fakeRecordStore) Records(_ context.Context, query store.RecordQuery) ([]entity.FeedRecord, error) {
	var out []entity.FeedRecord

	for _, record := range s.byKind[query.Kind] {
		if query.StartTs != nil && record.TsEvent.Before(*query.StartTs) {
			continue
		}

		if query.EndTs != nil && record.TsEvent.After(*query.EndTs) {
			continue
		}

		out = append(out, record)
	}

	return out, nil
}

func (s *fakeRecordStore) Tail(_ context.Context, query store.TailQuery) ([]entity.FeedRecord, error) {
	records := s.byKind[query.Kind]

	var out []entity.FeedRecord
	for i := len(records) - 1; i >= 0 && len(out) < query.Limit; i-- {
		out = append(out, records[i])
	}

	return out, nil
}

func (s *fakeRecordStore) AppendRecords(_ context.Context, records []entity.FeedRecord) (int, error) {
	s.appended = append(s.appended, records...)
	s.byKind[feed.KindCandle] = append(s.byKind[feed.KindCandle], records...)

	return len(records), nil
}

type fakeProvider struct {
	records []entity.FeedRecord
	fetched bool
}

func (p *fakeProvider) Source() string { return "fake" }

func (p *fakeProvider) ListSubjects(context.Context) ([]feed.SubjectDescriptor, error) {
	return nil, nil
}

func (p *fakeProvider) Fetch(context.Context, feed.FetchRequest) ([]entity.FeedRecord, error) {
	p.fetched = true

	return p.records, nil
}

func candleAt(ts time.Time, close float64) entity.FeedRecord {
	return entity.FeedRecord{
		Source:      "fake",
		Subject:     "BTCUSDT",
		Kind:        feed.KindCandle,
		Granularity: "1m",
		TsEvent:     ts,
		Values: map[string]any{
			"open":   close - 0.5,
			"high":   close + 1,
			"low":    close - 1,
			"close":  close,
			"volume": 2.0,
		},
	}
}

func feedCfg() config.FeedConfig {
	return config.FeedConfig{
		Source:        "fake",
		Subjects:      []string{"BTCUSDT"},
		Kind:          feed.KindCandle,
		Granularity:   "1m",
		CandlesWindow: 120,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildInputShape(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	records := &fakeRecordStore{byKind: map[string][]entity.FeedRecord{}}

	// 26 hours of 1m candles, enough to fill the 24x1h ladder.
	for i := range 26 * 60 {
		records.byKind[feed.KindCandle] = append(
			records.byKind[feed.KindCandle],
			candleAt(base.Add(time.Duration(i)*time.Minute), 100+float64(i)),
		)
	}

	records.byKind[feed.KindDepth] = []entity.FeedRecord{{
		Kind:    feed.KindDepth,
		TsEvent: base,
		Values:  map[string]any{"best_bid": 99.0, "best_ask": 101.0},
	}}

	reader := NewReader(records, nil, feedCfg(), testLogger())

	now := base.Add(26 * time.Hour)

	input, err := reader.BuildInput(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", input["symbol"])

	oneMinute, ok := input["candles_1m"].([]Candle)
	require.True(t, ok)
	assert.Len(t, oneMinute, 120)

	assert.Len(t, input["candles_5m"], 60)
	assert.Len(t, input["candles_15m"], 40)
	assert.Len(t, input["candles_1h"], 24)

	// asof pins to the newest candle, not the wall clock.
	last := oneMinute[len(oneMinute)-1]
	assert.Equal(t, last.Ts, input["asof_ts"])

	orderbook, ok := input["orderbook"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 99.0, orderbook["best_bid"])

	assert.Nil(t, input["funding"])
}

func TestBuildInputTickFallback(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	cfg := feedCfg()
	cfg.Kind = feed.KindTick

	records := &fakeRecordStore{byKind: map[string][]entity.FeedRecord{
		feed.KindTick: {
			{Kind: feed.KindTick, TsEvent: base, Values: map[string]any{"price": 42.0}},
			{Kind: feed.KindTick, TsEvent: base.Add(time.Minute), Values: map[string]any{"price": 43.0}},
			{Kind: feed.KindTick, TsEvent: base.Add(2 * time.Minute), Values: map[string]any{"price": 44.0}},
		},
	}}

	reader := NewReader(records, nil, cfg, testLogger())

	input, err := reader.BuildInput(context.Background(), base.Add(3*time.Minute))
	require.NoError(t, err)

	candles, ok := input["candles_1m"].([]Candle)
	require.True(t, ok)
	require.Len(t, candles, 3)

	// A tick flattens into a zero-range bar at its price.
	assert.Equal(t, 42.0, candles[0].Open)
	assert.Equal(t, 42.0, candles[0].High)
	assert.Equal(t, 42.0, candles[0].Low)
	assert.Equal(t, 42.0, candles[0].Close)
	assert.Zero(t, candles[0].Volume)
}

func TestBuildInputRecoversThinWindow(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	provider := &fakeProvider{records: []entity.FeedRecord{
		candleAt(base, 100),
		candleAt(base.Add(time.Minute), 101),
		candleAt(base.Add(2*time.Minute), 102),
	}}

	records := &fakeRecordStore{byKind: map[string][]entity.FeedRecord{}}
	reader := NewReader(records, provider, feedCfg(), testLogger())

	input, err := reader.BuildInput(context.Background(), base.Add(3*time.Minute))
	require.NoError(t, err)

	assert.True(t, provider.fetched)
	assert.Len(t, records.appended, 3)
	assert.Len(t, input["candles_1m"], 3)

	for _, record := range records.appended {
		assert.NotEmpty(t, record.ID)
	}
}

func TestFetchWindowRecoversEmpty(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	provider := &fakeProvider{records: []entity.FeedRecord{candleAt(base.Add(time.Minute), 100)}}
	records := &fakeRecordStore{byKind: map[string][]entity.FeedRecord{}}
	reader := NewReader(records, provider, feedCfg(), testLogger())

	window, err := reader.FetchWindow(context.Background(), base, base.Add(2*time.Minute))
	require.NoError(t, err)

	assert.True(t, provider.fetched)
	require.Len(t, window, 1)
	assert.Equal(t, base.Add(time.Minute), window[0].TsEvent)
}

func TestAggregateCandlesRollup(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC).Unix()

	candles := []Candle{
		{Ts: base, Open: 10, High: 12, Low: 9, Close: 11, Volume: 1},
		{Ts: base + 60, Open: 11, High: 15, Low: 10, Close: 14, Volume: 2},
		{Ts: base + 120, Open: 14, High: 14, Low: 8, Close: 9, Volume: 3},
		{Ts: base + 300, Open: 9, High: 10, Low: 9, Close: 10, Volume: 4},
	}

	bars := AggregateCandles(candles, 5, 10)
	require.Len(t, bars, 2)

	first := bars[0]
	assert.Equal(t, base, first.Ts)
	assert.Equal(t, 10.0, first.Open)
	assert.Equal(t, 15.0, first.High)
	assert.Equal(t, 8.0, first.Low)
	assert.Equal(t, 9.0, first.Close)
	assert.Equal(t, 6.0, first.Volume)

	second := bars[1]
	assert.Equal(t, base+300, second.Ts)
	assert.Equal(t, 4.0, second.Volume)
}

func TestAggregateCandlesProperties(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	base := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC).Unix()

	for range 50 {
		n := 1 + rng.Intn(600)
		targetMinutes := []int{5, 15, 60}[rng.Intn(3)]
		maxOutput := 1 + rng.Intn(60)

		candles := make([]Candle, 0, n)
		totalVolume := 0.0

		for i := range n {
			price := 100 + rng.Float64()*10
			volume := rng.Float64() * 5
			totalVolume += volume

			candles = append(candles, Candle{
				Ts:     base + int64(i)*60,
				Open:   price,
				High:   price + rng.Float64(),
				Low:    price - rng.Float64(),
				Close:  price + rng.Float64() - 0.5,
				Volume: volume,
			})
		}

		bars := AggregateCandles(candles, targetMinutes, maxOutput)

		assert.LessOrEqual(t, len(bars), maxOutput)

		interval := int64(targetMinutes) * 60
		for i, bar := range bars {
			assert.Zero(t, bar.Ts%interval, "bar ts must sit on the bucket boundary")
			assert.GreaterOrEqual(t, bar.High, bar.Low)

			if i > 0 {
				assert.Greater(t, bar.Ts, bars[i-1].Ts)
			}
		}

		// When no bars are trimmed, volume is conserved.
		fullBars := AggregateCandles(candles, targetMinutes, n)
		sum := 0.0
		for _, bar := range fullBars {
			sum += bar.Volume
		}

		assert.InDelta(t, totalVolume, sum, 1e-6)
	}
}

func TestAggregateCandlesPassThrough(t *testing.T) {
	t.Parallel()

	candles := []Candle{{Ts: 0}, {Ts: 60}, {Ts: 120}}

	assert.Len(t, AggregateCandles(candles, 1, 2), 2)
	assert.Empty(t, AggregateCandles(nil, 5, 10))
}
