package exporter

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/raterudder/spotexporter/pkg/pricing/pricingmock"
	"github.com/raterudder/spotexporter/pkg/retry"
	"github.com/raterudder/spotexporter/pkg/sink/sinkmock"
	"github.com/raterudder/spotexporter/pkg/storage"
	"github.com/raterudder/spotexporter/pkg/storage/storagemock"
	"github.com/raterudder/spotexporter/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	day1 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	day2 = day1.AddDate(0, 0, 1)
	day3 = day1.AddDate(0, 0, 2)

	// half past noon on day1, so H12..H23 of day1 have not ended yet
	runNow = day1.Add(12*time.Hour + 30*time.Minute)
)

func hourly(day time.Time, base float64) []types.SpotPrice {
	prices := make([]types.SpotPrice, 0, 24)
	for h := range 24 {
		energy := base + float64(h)*0.01
		prices = append(prices, types.NewSpotPrice(day.Add(time.Duration(h)*time.Hour), energy, energy*0.25))
	}
	return prices
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func testConfig() Config {
	return Config{
		Source: "tibber",
		Retry: retry.Policy{
			BaseDelay:   time.Millisecond,
			MaxAttempts: 3,
		},
	}
}

func newTestExporter(src *pricingmock.MockSource, snk *sinkmock.MockSink, store storage.StateStore, now time.Time) *Exporter {
	return New(
		testConfig(),
		src,
		snk,
		store,
		WithIDGenerator(sequentialIDs()),
		WithClock(func() time.Time { return now }),
	)
}

func okSink() *sinkmock.MockSink {
	snk := &sinkmock.MockSink{}
	snk.On("EnsureSchema", mock.Anything).Return(nil)
	snk.On("Insert", mock.Anything, mock.Anything).Return(nil)
	return snk
}

func inserted(snk *sinkmock.MockSink) []types.SpotPrice {
	var out []types.SpotPrice
	for _, c := range snk.Calls {
		if c.Method == "Insert" {
			out = append(out, c.Arguments.Get(1).(types.SpotPrice))
		}
	}
	return out
}

func seedState(t *testing.T, store *storage.MemoryStore, cursor time.Time) {
	t.Helper()
	require.NoError(t, store.Write(context.Background(), types.RunState{Cursor: cursor}))
}

func TestRunFirstRun(t *testing.T) {
	ctx := context.Background()
	today := hourly(day1, 0.2)

	src := &pricingmock.MockSource{}
	src.On("GetSpotPrices", mock.Anything).Return(today, nil).Once()
	snk := okSink()
	store := storage.NewMemoryStore()

	e := newTestExporter(src, snk, store, runNow)
	require.NoError(t, e.Run(ctx))

	written := inserted(snk)
	require.Len(t, written, 24)
	for i, p := range written {
		assert.True(t, today[i].From.Equal(p.From))
		assert.Equal(t, fmt.Sprintf("id-%d", i+1), p.ID)
		assert.Equal(t, "tibber", p.Source)
		assert.Equal(t, today[i].MarketPrice, p.MarketPrice)
	}

	state, ok := store.Read(ctx)
	require.True(t, ok)
	assert.True(t, day1.Add(23*time.Hour).Equal(state.Cursor))

	require.Len(t, state.CachedFutureRecords, 12)
	for i, p := range state.CachedFutureRecords {
		assert.True(t, day1.Add(time.Duration(12+i)*time.Hour).Equal(p.From))
		assert.True(t, p.Till.After(runNow))
		assert.Equal(t, fmt.Sprintf("id-%d", 13+i), p.ID)
		assert.Equal(t, "tibber", p.Source)
	}

	src.AssertExpectations(t)
	snk.AssertNumberOfCalls(t, "EnsureSchema", 1)
}

func TestRunNextDay(t *testing.T) {
	ctx := context.Background()

	src := &pricingmock.MockSource{}
	src.On("GetSpotPrices", mock.Anything).Return(append(hourly(day2, 0.3), hourly(day3, 0.4)...), nil).Once()
	snk := okSink()
	store := storage.NewMemoryStore()
	seedState(t, store, day1.Add(23*time.Hour))

	e := newTestExporter(src, snk, store, day2.Add(time.Hour))
	require.NoError(t, e.Run(ctx))

	assert.Len(t, inserted(snk), 48)
	state, ok := store.Read(ctx)
	require.True(t, ok)
	assert.True(t, day3.Add(23*time.Hour).Equal(state.Cursor))
	assert.Equal(t, 2, store.Writes())
}

func TestRunNothingNew(t *testing.T) {
	ctx := context.Background()

	src := &pricingmock.MockSource{}
	src.On("GetSpotPrices", mock.Anything).Return(hourly(day1, 0.2), nil).Once()
	snk := okSink()
	store := &storagemock.MockStateStore{}
	store.On("Read", mock.Anything).Return(types.RunState{Cursor: day1.Add(23 * time.Hour)}, true)

	e := newTestExporter(src, snk, store, runNow)
	require.NoError(t, e.Run(ctx))

	assert.Empty(t, inserted(snk))
	store.AssertNotCalled(t, "Write", mock.Anything, mock.Anything)
}

func TestRunFetchRetry(t *testing.T) {
	ctx := context.Background()
	flaky := types.Transient(errors.New("connection reset"))

	t.Run("RecoversWithinBudget", func(t *testing.T) {
		src := &pricingmock.MockSource{}
		src.On("GetSpotPrices", mock.Anything).Return(nil, flaky).Twice()
		src.On("GetSpotPrices", mock.Anything).Return(hourly(day1, 0.2), nil).Once()
		snk := okSink()
		store := storage.NewMemoryStore()

		e := newTestExporter(src, snk, store, runNow)
		require.NoError(t, e.Run(ctx))

		src.AssertNumberOfCalls(t, "GetSpotPrices", 3)
		assert.Len(t, inserted(snk), 24)
		assert.Equal(t, 1, store.Writes())
	})

	t.Run("BudgetExhausted", func(t *testing.T) {
		src := &pricingmock.MockSource{}
		src.On("GetSpotPrices", mock.Anything).Return(nil, flaky)
		snk := okSink()
		store := storage.NewMemoryStore()

		e := newTestExporter(src, snk, store, runNow)
		err := e.Run(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, flaky)
		assert.True(t, types.IsTransient(err))

		src.AssertNumberOfCalls(t, "GetSpotPrices", 3)
		assert.Empty(t, inserted(snk))
		assert.Equal(t, 0, store.Writes())
	})

	t.Run("FatalNotRetried", func(t *testing.T) {
		src := &pricingmock.MockSource{}
		src.On("GetSpotPrices", mock.Anything).Return(nil, types.Fatal(errors.New("invalid token")))
		snk := okSink()
		store := storage.NewMemoryStore()

		e := newTestExporter(src, snk, store, runNow)
		err := e.Run(ctx)
		require.Error(t, err)
		assert.True(t, types.IsFatal(err))
		src.AssertNumberOfCalls(t, "GetSpotPrices", 1)
		assert.Equal(t, 0, store.Writes())
	})
}

func TestRunCorruptState(t *testing.T) {
	ctx := context.Background()

	src := &pricingmock.MockSource{}
	src.On("GetSpotPrices", mock.Anything).Return(hourly(day1, 0.2), nil).Once()
	snk := okSink()
	store := storage.NewMemoryStore()
	store.Seed([]byte("cursor: {not: [valid"))

	e := newTestExporter(src, snk, store, runNow)
	require.NoError(t, e.Run(ctx))

	assert.Len(t, inserted(snk), 24)
	state, ok := store.Read(ctx)
	require.True(t, ok)
	assert.True(t, day1.Add(23*time.Hour).Equal(state.Cursor))
}

func TestRunIdempotent(t *testing.T) {
	ctx := context.Background()
	today := hourly(day1, 0.2)

	src := &pricingmock.MockSource{}
	src.On("GetSpotPrices", mock.Anything).Return(today, nil)
	snk := okSink()
	store := storage.NewMemoryStore()

	e := newTestExporter(src, snk, store, runNow)
	require.NoError(t, e.Run(ctx))
	require.Len(t, inserted(snk), 24)
	first, ok := store.Read(ctx)
	require.True(t, ok)

	require.NoError(t, e.Run(ctx))
	assert.Len(t, inserted(snk), 24)
	assert.Equal(t, 1, store.Writes())

	second, ok := store.Read(ctx)
	require.True(t, ok)
	assert.True(t, first.Cursor.Equal(second.Cursor))
}

func TestRunDedupAndMonotonic(t *testing.T) {
	ctx := context.Background()
	fetched := append(hourly(day1, 0.2), hourly(day2, 0.3)...)

	tests := []struct {
		name      string
		cursor    *time.Time
		wantCount int
	}{
		{name: "no state", cursor: nil, wantCount: 48},
		{name: "before all", cursor: ptr(day1.Add(-time.Hour)), wantCount: 48},
		{name: "equal to first", cursor: ptr(day1), wantCount: 47},
		{name: "mid day1", cursor: ptr(day1.Add(10 * time.Hour)), wantCount: 37},
		{name: "end of day1", cursor: ptr(day1.Add(23 * time.Hour)), wantCount: 24},
		{name: "equal to last", cursor: ptr(day2.Add(23 * time.Hour)), wantCount: 0},
		{name: "after all", cursor: ptr(day3.Add(5 * time.Hour)), wantCount: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &pricingmock.MockSource{}
			src.On("GetSpotPrices", mock.Anything).Return(fetched, nil)
			snk := okSink()
			store := storage.NewMemoryStore()
			if tt.cursor != nil {
				seedState(t, store, *tt.cursor)
			}

			e := newTestExporter(src, snk, store, runNow)
			require.NoError(t, e.Run(ctx))

			written := inserted(snk)
			require.Len(t, written, tt.wantCount)
			for _, p := range written {
				if tt.cursor != nil {
					assert.True(t, p.From.After(*tt.cursor), "wrote %s at or before cursor", p.From)
				}
			}

			state, ok := store.Read(ctx)
			if tt.cursor == nil {
				require.True(t, ok)
				assert.True(t, day2.Add(23*time.Hour).Equal(state.Cursor))
				return
			}
			require.True(t, ok)
			assert.False(t, state.Cursor.Before(*tt.cursor), "cursor moved backwards")
			if tt.wantCount == 0 {
				assert.True(t, tt.cursor.Equal(state.Cursor))
			}
		})
	}
}

func TestRunEmptyFetch(t *testing.T) {
	ctx := context.Background()

	src := &pricingmock.MockSource{}
	src.On("GetSpotPrices", mock.Anything).Return([]types.SpotPrice{}, nil)
	snk := okSink()
	store := &storagemock.MockStateStore{}
	store.On("Read", mock.Anything).Return(types.RunState{}, false)

	e := newTestExporter(src, snk, store, runNow)
	require.NoError(t, e.Run(ctx))

	snk.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "Write", mock.Anything, mock.Anything)
}

func TestRunEnsureSchemaFails(t *testing.T) {
	ctx := context.Background()
	schemaErr := types.Fatal(errors.New("incompatible schema"))

	src := &pricingmock.MockSource{}
	snk := &sinkmock.MockSink{}
	snk.On("EnsureSchema", mock.Anything).Return(schemaErr)
	store := storage.NewMemoryStore()

	e := newTestExporter(src, snk, store, runNow)
	err := e.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, schemaErr)

	src.AssertNotCalled(t, "GetSpotPrices", mock.Anything)
	snk.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
	assert.Equal(t, 0, store.Writes())
}

func TestRunInsertFails(t *testing.T) {
	ctx := context.Background()

	t.Run("FatalMidLoop", func(t *testing.T) {
		badRow := types.Fatal(errors.New("bad row"))
		src := &pricingmock.MockSource{}
		src.On("GetSpotPrices", mock.Anything).Return(hourly(day1, 0.2), nil)
		snk := &sinkmock.MockSink{}
		snk.On("EnsureSchema", mock.Anything).Return(nil)
		snk.On("Insert", mock.Anything, mock.Anything).Return(nil).Times(5)
		snk.On("Insert", mock.Anything, mock.Anything).Return(badRow).Once()
		store := storage.NewMemoryStore()

		e := newTestExporter(src, snk, store, runNow)
		err := e.Run(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, badRow)

		// the sixth record failed once and the rest were never attempted
		snk.AssertNumberOfCalls(t, "Insert", 6)
		assert.Equal(t, 0, store.Writes())
		_, ok := store.Read(ctx)
		assert.False(t, ok)
	})

	t.Run("TransientRetried", func(t *testing.T) {
		flaky := types.Transient(errors.New("503"))
		src := &pricingmock.MockSource{}
		src.On("GetSpotPrices", mock.Anything).Return(hourly(day1, 0.2), nil)
		snk := &sinkmock.MockSink{}
		snk.On("EnsureSchema", mock.Anything).Return(nil)
		snk.On("Insert", mock.Anything, mock.Anything).Return(flaky).Twice()
		snk.On("Insert", mock.Anything, mock.Anything).Return(nil)
		store := storage.NewMemoryStore()

		e := newTestExporter(src, snk, store, runNow)
		require.NoError(t, e.Run(ctx))

		snk.AssertNumberOfCalls(t, "Insert", 26)
		written := inserted(snk)
		// retries reuse the record, including its id
		assert.Equal(t, written[0].ID, written[2].ID)
		assert.Equal(t, 1, store.Writes())
	})

	t.Run("TransientExhausted", func(t *testing.T) {
		flaky := types.Transient(errors.New("503"))
		src := &pricingmock.MockSource{}
		src.On("GetSpotPrices", mock.Anything).Return(hourly(day1, 0.2), nil)
		snk := &sinkmock.MockSink{}
		snk.On("EnsureSchema", mock.Anything).Return(nil)
		snk.On("Insert", mock.Anything, mock.Anything).Return(nil).Once()
		snk.On("Insert", mock.Anything, mock.Anything).Return(flaky)
		store := storage.NewMemoryStore()

		e := newTestExporter(src, snk, store, runNow)
		err := e.Run(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, flaky)
		snk.AssertNumberOfCalls(t, "Insert", 4)
		assert.Equal(t, 0, store.Writes())
	})
}

func TestRunStateWriteFails(t *testing.T) {
	ctx := context.Background()
	diskFull := errors.New("disk full")

	src := &pricingmock.MockSource{}
	src.On("GetSpotPrices", mock.Anything).Return(hourly(day1, 0.2), nil)
	snk := okSink()
	store := storage.NewMemoryStore()
	store.FailWrites(diskFull)

	e := newTestExporter(src, snk, store, runNow)
	err := e.Run(ctx)
	require.Error(t, err)

	var storageErr *types.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.ErrorIs(t, err, diskFull)
	assert.Len(t, inserted(snk), 24)
}

func TestRunFutureClassification(t *testing.T) {
	ctx := context.Background()
	fetched := append(hourly(day1, 0.2), hourly(day2, 0.3)...)

	for _, now := range []time.Time{
		day1.Add(-time.Minute),
		day1.Add(23 * time.Hour),
		day1.Add(23*time.Hour + time.Nanosecond),
		day2.Add(24 * time.Hour),
	} {
		t.Run(now.Format(time.RFC3339Nano), func(t *testing.T) {
			src := &pricingmock.MockSource{}
			src.On("GetSpotPrices", mock.Anything).Return(fetched, nil)
			store := storage.NewMemoryStore()

			e := newTestExporter(src, okSink(), store, now)
			require.NoError(t, e.Run(ctx))

			state, ok := store.Read(ctx)
			require.True(t, ok)

			want := 0
			for _, p := range fetched {
				if p.Till.After(now) {
					want++
				}
			}
			require.Len(t, state.CachedFutureRecords, want)
			for _, p := range state.CachedFutureRecords {
				assert.True(t, p.Till.After(now))
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, testConfig().Validate())

	cfg := testConfig()
	cfg.Source = ""
	assert.Error(t, cfg.Validate())

	cfg = testConfig()
	cfg.Retry.MaxAttempts = 0
	assert.Error(t, cfg.Validate())

	cfg = testConfig()
	cfg.Retry.BaseDelay = -time.Second
	assert.Error(t, cfg.Validate())
}

func ptr[T any](v T) *T {
	return &v
}
