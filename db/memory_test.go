package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreFilterOperators(t *testing.T) {
	ctx := context.Background()
	repos := NewMemoryRepositories()

	stale := time.Now().Add(-2 * time.Minute)
	require.NoError(t, repos.VThunders.Create(ctx, &VThunder{
		ID: "d1", Status: DeviceStatusActive, Role: RoleMaster, LastUDPUpdate: stale,
	}))
	require.NoError(t, repos.VThunders.Create(ctx, &VThunder{
		ID: "d2", Status: DeviceStatusActive, Role: RoleStandalone, LastUDPUpdate: time.Now(),
	}))
	require.NoError(t, repos.VThunders.Create(ctx, &VThunder{
		ID: "d3", Status: DeviceStatusReady, Role: RoleBackup, LastUDPUpdate: stale,
	}))

	got, err := repos.VThunders.Get(ctx, Filter{
		"status":            DeviceStatusActive,
		"role in":           []string{RoleMaster, RoleBackup},
		"last_udp_update <": time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, "d1", got.ID)

	_, err = repos.VThunders.Get(ctx, Filter{"status": "NOPE"})
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := repos.VThunders.Count(ctx, Filter{"status !=": DeviceStatusReady})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestMemoryStoreCompareAndSet(t *testing.T) {
	ctx := context.Background()
	repos := NewMemoryRepositories()
	require.NoError(t, repos.LoadBalancers.Create(ctx, &LoadBalancer{
		ID: "lb1", ProvisioningStatus: StatusActive,
	}))

	// First CAS wins, second observes zero rows affected.
	affected, err := repos.LoadBalancers.Update(ctx,
		Filter{"id": "lb1", "provisioning_status in": MutableStatuses},
		map[string]interface{}{"provisioning_status": StatusPendingUpdate})
	require.NoError(t, err)
	assert.EqualValues(t, 1, affected)

	affected, err = repos.LoadBalancers.Update(ctx,
		Filter{"id": "lb1", "provisioning_status in": MutableStatuses},
		map[string]interface{}{"provisioning_status": StatusPendingUpdate})
	require.NoError(t, err)
	assert.EqualValues(t, 0, affected)
}

func TestMemoryStoreDeleteAndTimestamps(t *testing.T) {
	ctx := context.Background()
	repos := NewMemoryRepositories()
	require.NoError(t, repos.VRIDs.Create(ctx, &VRID{ID: "v1", TenantID: "t", SubnetID: "s1"}))
	require.NoError(t, repos.VRIDs.Create(ctx, &VRID{ID: "v2", TenantID: "t", SubnetID: "s2"}))

	created, err := repos.VRIDs.Get(ctx, Filter{"id": "v1"})
	require.NoError(t, err)
	assert.False(t, created.CreatedAt.IsZero())
	assert.False(t, created.UpdatedAt.IsZero())

	removed, err := repos.VRIDs.Delete(ctx, Filter{"subnet_id": "s1"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	remaining, err := repos.VRIDs.List(ctx, Filter{"tenant_id": "t"})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "v2", remaining[0].ID)
}
