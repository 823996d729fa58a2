package sweeper

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ipfs/go-datastore"
	dss "github.com/ipfs/go-datastore/sync"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"github.com/gridnet/go-grid-market/market"
	"github.com/gridnet/go-grid-market/market/catalog"
	"github.com/gridnet/go-grid-market/market/props"
)

type fakeExpirer struct {
	idleCalls int64
	reapCalls int64
}

func (f *fakeExpirer) ExpireIdle(ctx context.Context, now time.Time) (int, error) {
	atomic.AddInt64(&f.idleCalls, 1)
	return 0, nil
}

func (f *fakeExpirer) Reap(ctx context.Context, retention time.Duration) (int, error) {
	atomic.AddInt64(&f.reapCalls, 1)
	return 0, nil
}

func TestSweepExpiresOverdueEntries(t *testing.T) {
	ctx := context.Background()
	cat := catalog.New(dss.MutexWrap(datastore.NewMapDatastore()))

	entry, err := market.NewEntry(market.KindOffer, "provider-1", props.PropertySet{
		"cpu.cores": props.Number(4),
	}, "", time.Now(), time.Hour)
	require.NoError(t, err)
	entry, err = cat.Insert(ctx, entry)
	require.NoError(t, err)

	clk := clock.NewMock()
	clk.Set(time.Now().Add(2 * time.Hour))
	threads := &fakeExpirer{}
	s := New(cat, threads, WithClock(clk))

	s.Sweep(ctx)

	got, err := cat.Get(ctx, entry.ID)
	require.NoError(t, err)
	require.True(t, got.Withdrawn)
	require.EqualValues(t, 1, atomic.LoadInt64(&threads.idleCalls))
	require.EqualValues(t, 1, atomic.LoadInt64(&threads.reapCalls))
}

func TestSweeperRunsOnInterval(t *testing.T) {
	ctx := context.Background()
	cat := catalog.New(dss.MutexWrap(datastore.NewMapDatastore()))
	threads := &fakeExpirer{}
	clk := clock.NewMock()

	s := New(cat, threads, WithClock(clk), WithInterval(time.Minute))
	s.Start(ctx)

	// the ticker is created asynchronously by the sweep loop
	require.Eventually(t, func() bool {
		clk.Add(time.Minute)
		return atomic.LoadInt64(&threads.idleCalls) >= 2
	}, 5*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))

	// no further sweeps after stop
	calls := atomic.LoadInt64(&threads.idleCalls)
	clk.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, calls, atomic.LoadInt64(&threads.idleCalls))
}
