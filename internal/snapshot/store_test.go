package snapshot_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sawpanic/fusiond/internal/model"
	"github.com/sawpanic/fusiond/internal/period"
	"github.com/sawpanic/fusiond/internal/snapshot"
)

// A disabled Store (empty addr, as produced when redis.addr is unset)
// must make every call a silent no-op rather than a nil-pointer panic,
// per §7's "pure-memory mode" degrade path.
func TestDisabledStoreIsNoop(t *testing.T) {
	s := snapshot.NewStore("", "", 0)
	assert.False(t, s.Enabled)

	ctx := context.Background()
	_, ok := s.GetLastSeen(ctx)
	assert.False(t, ok)

	s.SetLastSeen(ctx, time.Now())
	s.SaveBars(ctx, period.P1m, "BTCUSDT", []model.Bar{{Symbol: "BTCUSDT", Period: period.P1m}}, 10)
	s.SaveUnclosed(ctx, model.UnclosedState{Symbol: "BTCUSDT", Period: period.P1m})
	s.PublishBarUpdate(ctx, model.Bar{Symbol: "BTCUSDT"})

	bars, err := s.LoadBars(ctx, period.P1m, "BTCUSDT")
	assert.NoError(t, err)
	assert.Nil(t, bars)

	_, found := s.LoadUnclosed(ctx, period.P1m, "BTCUSDT")
	assert.False(t, found)

	assert.NoError(t, s.Close())
}

func TestNewStoreUnreachableDisables(t *testing.T) {
	// Port 1 is never a running Redis instance; construction must disable
	// the store rather than fail, per §7's startup-unreachable-is-a-warning
	// policy (distinct from the upstream store, which is fatal).
	s := snapshot.NewStore("127.0.0.1:1", "", 0)
	assert.False(t, s.Enabled)
}
