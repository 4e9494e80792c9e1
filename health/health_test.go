package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thunderlb/config"
	"thunderlb/db"
)

const testKey = "shared-heartbeat-key"

func healthConfig() config.HealthConfig {
	cfg := config.Default().Health
	cfg.HeartbeatKey = testKey
	return cfg
}

func seedDevice(t *testing.T, repos *db.Repositories, id, ip, role string, createdAgo, beatAgo time.Duration) {
	t.Helper()
	now := time.Now()
	require.NoError(t, repos.VThunders.Create(context.Background(), &db.VThunder{
		ID:            id,
		IPAddress:     ip,
		Role:          role,
		Status:        db.DeviceStatusActive,
		CreatedAt:     now.Add(-createdAgo),
		LastUDPUpdate: now.Add(-beatAgo),
	}))
}

func TestHeartbeatUpdatesExactlyOneDevice(t *testing.T) {
	repos := db.NewMemoryRepositories()
	seedDevice(t, repos, "dev-1", "10.0.0.1", db.RoleMaster, time.Hour, time.Hour)
	seedDevice(t, repos, "dev-2", "10.0.0.2", db.RoleMaster, time.Hour, time.Hour)
	listener := NewListener(healthConfig(), repos.VThunders)

	before := time.Now()
	packet := Seal(testKey, []byte(`{"uuid":"dev-1"}`))
	require.NoError(t, listener.Process(context.Background(), packet, "10.0.0.1"))

	dev1, err := repos.VThunders.Get(context.Background(), db.Filter{"id": "dev-1"})
	require.NoError(t, err)
	assert.False(t, dev1.LastUDPUpdate.Before(before))

	dev2, err := repos.VThunders.Get(context.Background(), db.Filter{"id": "dev-2"})
	require.NoError(t, err)
	assert.True(t, dev2.LastUDPUpdate.Before(before))
}

func TestHeartbeatRejectsTamperedPacket(t *testing.T) {
	repos := db.NewMemoryRepositories()
	seedDevice(t, repos, "dev-1", "10.0.0.1", db.RoleMaster, time.Hour, time.Hour)
	listener := NewListener(healthConfig(), repos.VThunders)

	packet := Seal(testKey, []byte("beat"))
	packet[0] ^= 0xff
	err := listener.Process(context.Background(), packet, "10.0.0.1")
	require.Error(t, err)

	short := []byte("tiny")
	require.Error(t, listener.Process(context.Background(), short, "10.0.0.1"))
}

func TestHeartbeatUnknownSourceIsAnError(t *testing.T) {
	repos := db.NewMemoryRepositories()
	listener := NewListener(healthConfig(), repos.VThunders)
	err := listener.Process(context.Background(), Seal(testKey, []byte("beat")), "10.9.9.9")
	require.Error(t, err)
}

func TestScanDispatchesMinOfStaleAndCapacity(t *testing.T) {
	repos := db.NewMemoryRepositories()
	cfg := healthConfig()
	cfg.FailoverThreads = 2

	// Three stale devices, two healthy ones.
	seedDevice(t, repos, "stale-1", "10.0.0.1", db.RoleMaster, time.Hour, 2*cfg.HeartbeatTimeout)
	seedDevice(t, repos, "stale-2", "10.0.0.2", db.RoleBackup, time.Hour, 2*cfg.HeartbeatTimeout)
	seedDevice(t, repos, "stale-3", "10.0.0.3", db.RoleMaster, time.Hour, 2*cfg.HeartbeatTimeout)
	seedDevice(t, repos, "fresh-1", "10.0.0.4", db.RoleMaster, time.Hour, 0)
	seedDevice(t, repos, "young-1", "10.0.0.5", db.RoleMaster, time.Minute, 2*cfg.HeartbeatTimeout)

	var (
		mu         sync.Mutex
		dispatched []string
	)
	monitor := NewMonitor(cfg, repos.VThunders, func(ctx context.Context, dev *db.VThunder) error {
		mu.Lock()
		dispatched = append(dispatched, dev.ID)
		mu.Unlock()
		return nil
	})

	stats := monitor.Scan(context.Background())
	assert.Equal(t, 2, stats.Attempted)
	assert.Equal(t, 2, stats.Successful())
	assert.Len(t, dispatched, 2)

	// The next cycle picks up the remaining stale device.
	stats = monitor.Scan(context.Background())
	assert.Equal(t, 1, stats.Attempted)

	// Every dispatched device was claimed to ERROR, none twice.
	seen := map[string]bool{}
	mu.Lock()
	for _, id := range dispatched {
		assert.False(t, seen[id], "device %s dispatched twice", id)
		seen[id] = true
	}
	mu.Unlock()

	young, err := repos.VThunders.Get(context.Background(), db.Filter{"id": "young-1"})
	require.NoError(t, err)
	assert.Equal(t, db.DeviceStatusActive, young.Status, "grace-period device must not be claimed")
	fresh, err := repos.VThunders.Get(context.Background(), db.Filter{"id": "fresh-1"})
	require.NoError(t, err)
	assert.Equal(t, db.DeviceStatusActive, fresh.Status)
}

func TestScanDispatchesStaleMaster(t *testing.T) {
	repos := db.NewMemoryRepositories()
	cfg := healthConfig()
	cfg.HeartbeatTimeout = 60 * time.Second

	seedDevice(t, repos, "dev-1", "10.0.0.1", db.RoleMaster, time.Hour, 90*time.Second)

	var dispatched int
	var mu sync.Mutex
	monitor := NewMonitor(cfg, repos.VThunders, func(ctx context.Context, dev *db.VThunder) error {
		mu.Lock()
		dispatched++
		mu.Unlock()
		assert.Equal(t, "dev-1", dev.ID)
		return nil
	})

	stats := monitor.Scan(context.Background())
	assert.Equal(t, 1, stats.Attempted)
	mu.Lock()
	assert.Equal(t, 1, dispatched)
	mu.Unlock()

	dev, err := repos.VThunders.Get(context.Background(), db.Filter{"id": "dev-1"})
	require.NoError(t, err)
	assert.Equal(t, db.DeviceStatusError, dev.Status)
}

func TestScanCountsFailedJobs(t *testing.T) {
	repos := db.NewMemoryRepositories()
	cfg := healthConfig()
	seedDevice(t, repos, "dev-1", "10.0.0.1", db.RoleMaster, time.Hour, 2*cfg.HeartbeatTimeout)

	monitor := NewMonitor(cfg, repos.VThunders, func(ctx context.Context, dev *db.VThunder) error {
		return errors.New("controller unavailable")
	})

	stats := monitor.Scan(context.Background())
	assert.Equal(t, 1, stats.Attempted)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, stats.Successful())
}

func TestScanReleasesDeviceAfterFailedFailover(t *testing.T) {
	repos := db.NewMemoryRepositories()
	cfg := healthConfig()
	seedDevice(t, repos, "dev-1", "10.0.0.1", db.RoleMaster, time.Hour, 2*cfg.HeartbeatTimeout)

	attempts := 0
	monitor := NewMonitor(cfg, repos.VThunders, func(ctx context.Context, dev *db.VThunder) error {
		attempts++
		return errors.New("controller unavailable")
	})

	stats := monitor.Scan(context.Background())
	assert.Equal(t, 1, stats.Failed)

	// The claim is returned, so the device is eligible again and the
	// next cycle retries the failover.
	dev, err := repos.VThunders.Get(context.Background(), db.Filter{"id": "dev-1"})
	require.NoError(t, err)
	assert.Equal(t, db.DeviceStatusActive, dev.Status)

	stats = monitor.Scan(context.Background())
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 2, attempts)
}

func TestScanCancelledJobsAreCounted(t *testing.T) {
	repos := db.NewMemoryRepositories()
	cfg := healthConfig()
	seedDevice(t, repos, "dev-1", "10.0.0.1", db.RoleMaster, time.Hour, 2*cfg.HeartbeatTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	monitor := NewMonitor(cfg, repos.VThunders, func(ctx context.Context, dev *db.VThunder) error {
		return ctx.Err()
	})
	cancel()

	stats := monitor.Scan(ctx)
	if stats.Attempted > 0 {
		assert.Equal(t, stats.Attempted, stats.Cancelled)
	}
}

func TestListenerStopsOnShutdown(t *testing.T) {
	repos := db.NewMemoryRepositories()
	cfg := healthConfig()
	cfg.BindAddr = "127.0.0.1"
	cfg.BindPort = 0
	listener := NewListener(cfg, repos.VThunders)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("listener did not stop on shutdown")
	}
}
