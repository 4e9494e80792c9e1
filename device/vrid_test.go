package device

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thunderlb/axapi"
	"thunderlb/config"
	"thunderlb/db"
	"thunderlb/network"
)

func vridFixture(t *testing.T, floatingIP string, vrid int) (*VRIDAllocator, *db.Repositories, *network.Fake, *axapi.Fake) {
	t.Helper()
	cfg := config.Default()
	cfg.Tenants = map[string]config.TenantConfig{
		"tenant-1": {FloatingIP: floatingIP, VRID: vrid},
	}
	repos := db.NewMemoryRepositories()
	driver := network.NewFake()
	driver.AddSubnet("subnet-1", "10.10.12.0/24")
	driver.AddSubnet("subnet-2", "10.20.0.0/24")
	return NewVRIDAllocator(cfg, repos.VRIDs, driver), repos, driver, axapi.NewFake()
}

func TestReconcileDHCPCreatesEntryAndPort(t *testing.T) {
	alloc, repos, driver, client := vridFixture(t, config.FloatingIPDHCP, 5)
	ctx := context.Background()

	result, err := alloc.Reconcile(ctx, client, "tenant-1", "subnet-1")
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)
	assert.NotEmpty(t, result.Entries[0].FloatingIP)
	assert.Len(t, driver.CreatedPorts(), 1)
	assert.Equal(t, 1, result.Pushes)

	stored, err := repos.VRIDs.Get(ctx, db.Filter{"tenant_id": "tenant-1", "subnet_id": "subnet-1"})
	require.NoError(t, err)
	assert.Equal(t, 5, stored.VRIDValue)
	assert.Equal(t, result.Entries[0].PortID, stored.PortID)
}

func TestReconcileIsIdempotent(t *testing.T) {
	alloc, _, driver, client := vridFixture(t, config.FloatingIPDHCP, 5)
	ctx := context.Background()

	_, err := alloc.Reconcile(ctx, client, "tenant-1", "subnet-1")
	require.NoError(t, err)
	portsBefore := len(driver.CreatedPorts())
	pushesBefore := len(client.CallsTo("UpdateVRRPGroup"))

	// Unchanged policy, unchanged VRID set: nothing happens.
	result, err := alloc.Reconcile(ctx, client, "tenant-1", "subnet-1")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Pushes)
	assert.Len(t, driver.CreatedPorts(), portsBefore)
	assert.Len(t, driver.DeletedPorts(), 0)
	assert.Len(t, client.CallsTo("UpdateVRRPGroup"), pushesBefore)
}

func TestReconcileStaticReplacesAddress(t *testing.T) {
	alloc, repos, driver, client := vridFixture(t, config.FloatingIPDHCP, 5)
	ctx := context.Background()

	// Seed via dhcp, then flip the tenant to a static address.
	_, err := alloc.Reconcile(ctx, client, "tenant-1", "subnet-1")
	require.NoError(t, err)
	before, err := repos.VRIDs.Get(ctx, db.Filter{"tenant_id": "tenant-1"})
	require.NoError(t, err)
	oldPort := before.PortID
	oldIP := before.FloatingIP

	alloc.cfg.Tenants["tenant-1"] = config.TenantConfig{FloatingIP: "10.10.12.77", VRID: 5}
	client2 := axapi.NewFake()
	result, err := alloc.Reconcile(ctx, client2, "tenant-1", "subnet-1")
	require.NoError(t, err)

	// The old port is gone, a fixed-address port exists, and exactly one
	// VRRP push carries the new address and not the old one.
	assert.Contains(t, driver.DeletedPorts(), oldPort)
	require.Len(t, result.Entries, 1)
	assert.Equal(t, "10.10.12.77", result.Entries[0].FloatingIP)
	pushes := client2.CallsTo("UpdateVRRPGroup")
	require.Len(t, pushes, 1)
	assert.Contains(t, pushes[0].Arg, "10.10.12.77")
	assert.NotContains(t, pushes[0].Arg, oldIP)
}

func TestReconcilePatchesPartialStaticAddress(t *testing.T) {
	alloc, _, _, client := vridFixture(t, "0.0.0.7", 1)
	ctx := context.Background()

	result, err := alloc.Reconcile(ctx, client, "tenant-1", "subnet-1")
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)
	assert.Equal(t, "10.10.12.7", result.Entries[0].FloatingIP)
}

func TestReconcileVRIDValueChangePushesTwice(t *testing.T) {
	alloc, _, _, client := vridFixture(t, config.FloatingIPDHCP, 5)
	ctx := context.Background()
	_, err := alloc.Reconcile(ctx, client, "tenant-1", "subnet-1")
	require.NoError(t, err)

	// The configured VRID value moves from 5 to 9: the old group is
	// cleared before the full list lands under the new value.
	alloc.cfg.Tenants["tenant-1"] = config.TenantConfig{FloatingIP: config.FloatingIPDHCP, VRID: 9}
	client2 := axapi.NewFake()
	result, err := alloc.Reconcile(ctx, client2, "tenant-1", "subnet-1")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Pushes)

	pushes := client2.CallsTo("UpdateVRRPGroup")
	require.Len(t, pushes, 2)
	assert.Contains(t, pushes[0].Arg, "vrid=5 fips=[]")
	assert.Contains(t, pushes[1].Arg, "vrid=9")
}

func TestReconcileNoPolicyRemovesSubnetEntries(t *testing.T) {
	alloc, repos, driver, client := vridFixture(t, config.FloatingIPDHCP, 5)
	ctx := context.Background()
	_, err := alloc.Reconcile(ctx, client, "tenant-1", "subnet-1")
	require.NoError(t, err)
	_, err = alloc.Reconcile(ctx, client, "tenant-1", "subnet-2")
	require.NoError(t, err)

	alloc.cfg.Tenants["tenant-1"] = config.TenantConfig{}
	client2 := axapi.NewFake()
	result, err := alloc.Reconcile(ctx, client2, "tenant-1", "subnet-1")
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)
	assert.Equal(t, "subnet-2", result.Entries[0].SubnetID)
	assert.Len(t, client2.CallsTo("UpdateVRRPGroup"), 1)
	assert.Len(t, driver.DeletedPorts(), 1)

	_, err = repos.VRIDs.Get(ctx, db.Filter{"subnet_id": "subnet-1"})
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestReconcilePortCreateFailureAborts(t *testing.T) {
	alloc, _, driver, client := vridFixture(t, config.FloatingIPDHCP, 5)
	driver.CreateErr = errors.New("quota exceeded")

	_, err := alloc.Reconcile(context.Background(), client, "tenant-1", "subnet-1")
	var portErr network.ErrPortCreate
	require.ErrorAs(t, err, &portErr)
	assert.Empty(t, client.CallsTo("UpdateVRRPGroup"))
}

func TestReconcileRejectsPortWithoutFixedIP(t *testing.T) {
	alloc, repos, driver, client := vridFixture(t, config.FloatingIPDHCP, 5)
	driver.BareNextPort = true

	_, err := alloc.Reconcile(context.Background(), client, "tenant-1", "subnet-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no fixed IP")
	assert.Empty(t, client.CallsTo("UpdateVRRPGroup"))

	// The entry never records the useless port as its floating address.
	entry, err := repos.VRIDs.Get(context.Background(), db.Filter{"subnet_id": "subnet-1"})
	require.NoError(t, err)
	assert.Empty(t, entry.PortID)
	assert.Empty(t, entry.FloatingIP)
}

func TestRemoveLastReference(t *testing.T) {
	alloc, repos, driver, client := vridFixture(t, config.FloatingIPDHCP, 5)
	ctx := context.Background()
	result, err := alloc.Reconcile(ctx, client, "tenant-1", "subnet-1")
	require.NoError(t, err)
	port := result.Entries[0].PortID

	// Two references left: the entry stays.
	require.NoError(t, alloc.Remove(ctx, client, "tenant-1", "subnet-1", 2))
	_, err = repos.VRIDs.Get(ctx, db.Filter{"subnet_id": "subnet-1"})
	require.NoError(t, err)

	// Last reference: port deleted, reduced set pushed, record gone.
	client2 := axapi.NewFake()
	require.NoError(t, alloc.Remove(ctx, client2, "tenant-1", "subnet-1", 1))
	assert.Contains(t, driver.DeletedPorts(), port)
	require.Len(t, client2.CallsTo("UpdateVRRPGroup"), 1)
	_, err = repos.VRIDs.Get(ctx, db.Filter{"subnet_id": "subnet-1"})
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestRemoveSurfacesPortDeleteFailure(t *testing.T) {
	alloc, _, driver, client := vridFixture(t, config.FloatingIPDHCP, 5)
	ctx := context.Background()
	_, err := alloc.Reconcile(ctx, client, "tenant-1", "subnet-1")
	require.NoError(t, err)

	driver.DeleteErr = errors.New("port busy")
	err = alloc.Remove(ctx, client, "tenant-1", "subnet-1", 1)
	require.Error(t, err)
}
