package housekeeping

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thunderlb/axapi"
	"thunderlb/compute"
	"thunderlb/config"
	"thunderlb/db"
)

func newKeeper(t *testing.T) (*Keeper, *db.Repositories, *compute.Fake) {
	t.Helper()
	cfg := config.Default()
	cfg.Housekeeping.SpareAmount = 2
	cfg.Housekeeping.ExpiryAge = time.Hour
	cfg.Device.BuildGraceSleep = 0
	cfg.Device.ReachableWait = time.Millisecond
	cfg.Device.ReachableRetries = 3

	repos := db.NewMemoryRepositories()
	computes := compute.NewFake()
	device := axapi.NewFake()
	keeper := New(cfg.Housekeeping, cfg.Device, repos, computes,
		func(*db.VThunder) axapi.Client { return device })
	return keeper, repos, computes
}

func TestReplenishBuildsUpToTarget(t *testing.T) {
	keeper, repos, computes := newKeeper(t)

	built, err := keeper.ReplenishSpares(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, built)
	assert.Equal(t, 2, computes.Active())

	spares, err := repos.VThunders.List(context.Background(),
		db.Filter{"status": db.DeviceStatusReady, "loadbalancer_id": ""})
	require.NoError(t, err)
	require.Len(t, spares, 2)
	for _, spare := range spares {
		assert.NotEmpty(t, spare.ComputeID)
		assert.NotEmpty(t, spare.IPAddress)
	}

	// Pool already full: the next cycle is a no-op.
	built, err = keeper.ReplenishSpares(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, built)
	assert.Equal(t, 2, computes.Active())
}

func TestReplenishTopsUpOnlyTheDeficit(t *testing.T) {
	keeper, repos, computes := newKeeper(t)
	require.NoError(t, repos.VThunders.Create(context.Background(), &db.VThunder{
		ID:     "spare-1",
		Status: db.DeviceStatusReady,
	}))

	built, err := keeper.ReplenishSpares(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, built)
	assert.Equal(t, 1, computes.Active())
}

func TestReplenishIgnoresBoundAndRetiredDevices(t *testing.T) {
	keeper, repos, _ := newKeeper(t)
	require.NoError(t, repos.VThunders.Create(context.Background(), &db.VThunder{
		ID: "bound", Status: db.DeviceStatusReady, LoadBalancerID: "lb-1",
	}))
	require.NoError(t, repos.VThunders.Create(context.Background(), &db.VThunder{
		ID: "retired", Status: db.DeviceStatusUsedSpare,
	}))

	built, err := keeper.ReplenishSpares(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, built, "bound and retired devices do not count toward the pool")
}

func TestFailedBuildLeavesNoInstanceBehind(t *testing.T) {
	keeper, repos, computes := newKeeper(t)
	unreachable := axapi.NewFake()
	unreachable.UnreachableFor = 100
	keeper.clients = func(*db.VThunder) axapi.Client { return unreachable }

	built, err := keeper.ReplenishSpares(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, built)
	assert.Equal(t, 0, computes.Active(), "unreachable instances are torn down")

	count, err := repos.VThunders.Count(context.Background(), db.Filter{})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestCleanupExpiresOldFinishedRecords(t *testing.T) {
	keeper, repos, _ := newKeeper(t)
	ctx := context.Background()
	require.NoError(t, repos.VThunders.Create(ctx, &db.VThunder{
		ID: "retired", Status: db.DeviceStatusUsedSpare,
	}))
	require.NoError(t, repos.VThunders.Create(ctx, &db.VThunder{
		ID: "gone", Status: db.DeviceStatusDeleted,
	}))
	require.NoError(t, repos.VThunders.Create(ctx, &db.VThunder{
		ID: "live", Status: db.DeviceStatusActive,
	}))
	require.NoError(t, repos.LoadBalancers.Create(ctx, &db.LoadBalancer{
		ID: "lb-old", ProvisioningStatus: db.StatusDeleted,
	}))
	require.NoError(t, repos.LoadBalancers.Create(ctx, &db.LoadBalancer{
		ID: "lb-live", ProvisioningStatus: db.StatusActive,
	}))

	// Nothing is old enough yet.
	removed, err := keeper.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	// Advance the clock past the expiry age.
	keeper.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	removed, err = keeper.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	_, err = repos.VThunders.Get(ctx, db.Filter{"id": "live"})
	assert.NoError(t, err)
	_, err = repos.VThunders.Get(ctx, db.Filter{"id": "retired"})
	assert.ErrorIs(t, err, db.ErrNotFound)
	_, err = repos.LoadBalancers.Get(ctx, db.Filter{"id": "lb-live"})
	assert.NoError(t, err)
	_, err = repos.LoadBalancers.Get(ctx, db.Filter{"id": "lb-old"})
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestRunStopsOnShutdown(t *testing.T) {
	keeper, _, _ := newKeeper(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- keeper.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("keeper did not stop on shutdown")
	}
}
