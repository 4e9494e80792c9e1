package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thunderlb/axapi"
	"thunderlb/compute"
	"thunderlb/config"
	"thunderlb/db"
	"thunderlb/network"
	"thunderlb/workflow"
)

type env struct {
	cfg      *config.Config
	repos    *db.Repositories
	device   *axapi.Fake
	computes *compute.Fake
	net      *network.Fake
	catalog  *Catalog
	engine   *workflow.Engine
}

func newEnv() *env {
	cfg := config.Default()
	cfg.Device.BuildGraceSleep = 0
	cfg.Device.ReachableWait = time.Millisecond
	cfg.Device.ReachableRetries = 3

	repos := db.NewMemoryRepositories()
	fake := axapi.NewFake()
	computes := compute.NewFake()
	net := network.NewFake()
	clients := func(*db.VThunder) axapi.Client { return fake }

	return &env{
		cfg:      cfg,
		repos:    repos,
		device:   fake,
		computes: computes,
		net:      net,
		catalog:  New(cfg, repos, clients, computes, net),
		engine:   workflow.NewEngine(),
	}
}

func (e *env) run(t *testing.T, p *Prepared, err error) error {
	t.Helper()
	require.NoError(t, err)
	return e.engine.Run(context.Background(), p.Flow, p.Store)
}

func (e *env) seedLoadBalancer(t *testing.T, status, topology string) *db.LoadBalancer {
	t.Helper()
	lb := &db.LoadBalancer{
		ID:                 "lb-1",
		TenantID:           "tenant-1",
		Name:               "web",
		ProvisioningStatus: status,
		Topology:           topology,
		VIPAddress:         "192.168.1.10",
		VIPSubnetID:        "subnet-vip",
	}
	require.NoError(t, e.repos.LoadBalancers.Create(context.Background(), lb))
	return lb
}

func (e *env) seedDevice(t *testing.T, id, lbID, role, status string) *db.VThunder {
	t.Helper()
	dev := &db.VThunder{
		ID:             id,
		ComputeID:      "vm-" + id,
		IPAddress:      "10.0.9.9",
		Role:           role,
		Status:         status,
		LoadBalancerID: lbID,
	}
	require.NoError(t, e.repos.VThunders.Create(context.Background(), dev))
	if dev.ComputeID != "" {
		// Give the fake compute a matching instance so teardown paths
		// have something to delete.
		inst, err := e.computes.BootInstance(context.Background(), id)
		require.NoError(t, err)
		_, err = e.repos.VThunders.Update(context.Background(), db.Filter{"id": id},
			map[string]interface{}{"compute_id": inst.ID})
		require.NoError(t, err)
		dev.ComputeID = inst.ID
	}
	return dev
}

func opSequence(calls []axapi.Call) []string {
	ops := make([]string, len(calls))
	for i, c := range calls {
		ops[i] = c.Op
	}
	return ops
}

func indexOf(ops []string, op string) int {
	for i, o := range ops {
		if o == op {
			return i
		}
	}
	return -1
}

func TestLoadBalancerCreateProvisionsNewDevice(t *testing.T) {
	e := newEnv()
	e.seedLoadBalancer(t, db.StatusQueued, config.TopologyStandalone)

	p, err := e.catalog.LoadBalancerCreate(context.Background(), "lb-1")
	require.NoError(t, e.run(t, p, err))

	lb, err := e.repos.LoadBalancers.Get(context.Background(), db.Filter{"id": "lb-1"})
	require.NoError(t, err)
	assert.Equal(t, db.StatusActive, lb.ProvisioningStatus)
	assert.Equal(t, db.OperatingOnline, lb.OperatingStatus)

	devices, err := e.repos.VThunders.List(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, db.RoleStandalone, devices[0].Role)
	assert.Equal(t, db.DeviceStatusActive, devices[0].Status)
	assert.Equal(t, "lb-1", devices[0].LoadBalancerID)
	assert.NotEmpty(t, devices[0].ComputeID)

	assert.Equal(t, 1, e.computes.Active())
	assert.Len(t, e.device.CallsTo("CreateVirtualServer"), 1)
	assert.Len(t, e.device.CallsTo("WriteMemory"), 1)
}

func TestLoadBalancerCreateClaimsSpare(t *testing.T) {
	e := newEnv()
	e.seedLoadBalancer(t, db.StatusQueued, config.TopologyStandalone)
	spare := &db.VThunder{ID: "spare-1", IPAddress: "10.0.0.50", Status: db.DeviceStatusReady}
	require.NoError(t, e.repos.VThunders.Create(context.Background(), spare))

	p, err := e.catalog.LoadBalancerCreate(context.Background(), "lb-1")
	require.NoError(t, e.run(t, p, err))

	// The spare serves the load balancer; no compute was booted.
	assert.Equal(t, 0, e.computes.Active())
	dev, err := e.repos.VThunders.Get(context.Background(), db.Filter{"id": "spare-1"})
	require.NoError(t, err)
	assert.Equal(t, "lb-1", dev.LoadBalancerID)
	assert.Equal(t, db.RoleStandalone, dev.Role)
	assert.Equal(t, db.DeviceStatusActive, dev.Status)

	devices, err := e.repos.VThunders.List(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestLoadBalancerCreateAdmissionLoserMutatesNothing(t *testing.T) {
	e := newEnv()
	e.seedLoadBalancer(t, db.StatusPendingUpdate, config.TopologyStandalone)

	p, err := e.catalog.LoadBalancerCreate(context.Background(), "lb-1")
	runErr := e.run(t, p, err)
	require.Error(t, runErr)
	var notMutable ErrNotMutable
	assert.ErrorAs(t, runErr, &notMutable)

	// The loser of the admission race performs zero mutations: the status
	// stays as it was, nothing was provisioned, and the guard did not mark
	// the resource ERROR.
	lb, err := e.repos.LoadBalancers.Get(context.Background(), db.Filter{"id": "lb-1"})
	require.NoError(t, err)
	assert.Equal(t, db.StatusPendingUpdate, lb.ProvisioningStatus)
	n, err := e.repos.VThunders.Count(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, e.device.Calls())
}

func TestLoadBalancerCreateAdmitsExactlyOneOfTwoDeliveries(t *testing.T) {
	e := newEnv()
	e.seedLoadBalancer(t, db.StatusQueued, config.TopologyStandalone)

	// Two deliveries of the same create command race through the admission
	// gate back to back. The compare-and-set moves the row off QUEUED, so
	// only the first can match; the second must lose without mutating.
	gate := func() *markPending {
		return pendingTask(e.repos.LoadBalancers, "loadbalancer", "lb-1",
			createFrom, db.StatusPendingCreate, db.StatusActive,
			func(r *db.LoadBalancer) string { return r.ProvisioningStatus })
	}
	first := gate().Execute(context.Background(), workflow.NewStore(nil))
	second := gate().Execute(context.Background(), workflow.NewStore(nil))

	require.NoError(t, first)
	var notMutable ErrNotMutable
	assert.ErrorAs(t, second, &notMutable)

	lb, err := e.repos.LoadBalancers.Get(context.Background(), db.Filter{"id": "lb-1"})
	require.NoError(t, err)
	assert.Equal(t, db.StatusPendingCreate, lb.ProvisioningStatus)
}

func TestLoadBalancerCreateRejectsUnknownTopology(t *testing.T) {
	e := newEnv()
	require.NoError(t, e.repos.LoadBalancers.Create(context.Background(), &db.LoadBalancer{
		ID:                 "lb-1",
		TenantID:           "tenant-1",
		ProvisioningStatus: db.StatusQueued,
		Topology:           "ACTIVE_ACTIVE",
	}))

	_, err := e.catalog.LoadBalancerCreate(context.Background(), "lb-1")
	var unsupported ErrUnsupportedOperation
	require.ErrorAs(t, err, &unsupported)
	assert.Contains(t, unsupported.UserMsg, "ACTIVE_ACTIVE")
}

func TestLoadBalancerCreateRedeliveredAfterSuccess(t *testing.T) {
	e := newEnv()
	e.seedLoadBalancer(t, db.StatusActive, config.TopologyStandalone)

	p, err := e.catalog.LoadBalancerCreate(context.Background(), "lb-1")
	runErr := e.run(t, p, err)
	assert.ErrorIs(t, runErr, ErrAlreadyDone)
}

func TestLoadBalancerCreateActiveStandby(t *testing.T) {
	e := newEnv()
	e.cfg.Tenants["tenant-1"] = config.TenantConfig{VRID: 7}
	e.seedLoadBalancer(t, db.StatusQueued, config.TopologyActiveStandby)

	p, err := e.catalog.LoadBalancerCreate(context.Background(), "lb-1")
	require.NoError(t, e.run(t, p, err))

	master, err := e.repos.VThunders.Get(context.Background(), db.Filter{"role": db.RoleMaster})
	require.NoError(t, err)
	backup, err := e.repos.VThunders.Get(context.Background(), db.Filter{"role": db.RoleBackup})
	require.NoError(t, err)
	assert.Equal(t, "lb-1", master.LoadBalancerID)
	assert.Equal(t, "lb-1", backup.LoadBalancerID)
	assert.Equal(t, db.DeviceStatusActive, master.Status)
	assert.Equal(t, db.DeviceStatusActive, backup.Status)

	assert.Len(t, e.device.CallsTo("ConfigureVRRP"), 2)
	assert.Len(t, e.device.CallsTo("ConfigureSyncGroup"), 2)
	assert.Len(t, e.device.CallsTo("VRRPStatus"), 2)
	assert.Len(t, e.device.CallsTo("WriteMemory"), 2)

	lb, err := e.repos.LoadBalancers.Get(context.Background(), db.Filter{"id": "lb-1"})
	require.NoError(t, err)
	assert.Equal(t, db.StatusActive, lb.ProvisioningStatus)
}

func TestLoadBalancerCreateFailureRevertsAndMarksError(t *testing.T) {
	e := newEnv()
	e.seedLoadBalancer(t, db.StatusQueued, config.TopologyStandalone)
	e.device.FailOn = map[string]error{"CreateVirtualServer": errors.New("device rejected")}

	p, err := e.catalog.LoadBalancerCreate(context.Background(), "lb-1")
	runErr := e.run(t, p, err)
	require.Error(t, runErr)

	lb, err := e.repos.LoadBalancers.Get(context.Background(), db.Filter{"id": "lb-1"})
	require.NoError(t, err)
	assert.Equal(t, db.StatusError, lb.ProvisioningStatus)

	// The provision branch ran and was fully unwound: the device record is
	// gone and the booted instance destroyed.
	assert.NotEmpty(t, e.device.CallsTo("Reachable"))
	n, err := e.repos.VThunders.Count(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 0, e.computes.Active())
}

func TestLoadBalancerDeleteReleasesDevice(t *testing.T) {
	e := newEnv()
	e.seedLoadBalancer(t, db.StatusActive, config.TopologyStandalone)
	dev := e.seedDevice(t, "dev-1", "lb-1", db.RoleStandalone, db.DeviceStatusActive)

	p, err := e.catalog.LoadBalancerDelete(context.Background(), "lb-1")
	require.NoError(t, e.run(t, p, err))

	lb, err := e.repos.LoadBalancers.Get(context.Background(), db.Filter{"id": "lb-1"})
	require.NoError(t, err)
	assert.Equal(t, db.StatusDeleted, lb.ProvisioningStatus)
	assert.Equal(t, db.OperatingOffline, lb.OperatingStatus)

	assert.True(t, e.computes.Deleted(dev.ComputeID))
	released, err := e.repos.VThunders.Get(context.Background(), db.Filter{"id": "dev-1"})
	require.NoError(t, err)
	assert.Equal(t, db.DeviceStatusUsedSpare, released.Status)
	assert.Len(t, e.device.CallsTo("DeleteVirtualServer"), 1)
}

func TestListenerCreateRendersVirtualServer(t *testing.T) {
	e := newEnv()
	e.seedLoadBalancer(t, db.StatusActive, config.TopologyStandalone)
	e.seedDevice(t, "dev-1", "lb-1", db.RoleStandalone, db.DeviceStatusActive)
	listener := &db.Listener{
		ID:                 "listener-1",
		LoadBalancerID:     "lb-1",
		Protocol:           "HTTP",
		ProtocolPort:       80,
		ProvisioningStatus: db.StatusQueued,
	}
	require.NoError(t, e.repos.Listeners.Create(context.Background(), listener))

	p, err := e.catalog.ListenerCreate(context.Background(), "listener-1")
	require.NoError(t, e.run(t, p, err))

	calls := e.device.CallsTo("CreateVirtualServer")
	require.Len(t, calls, 1)
	assert.Equal(t, "listener-1", calls[0].Arg)

	got, err := e.repos.Listeners.Get(context.Background(), db.Filter{"id": "listener-1"})
	require.NoError(t, err)
	assert.Equal(t, db.StatusActive, got.ProvisioningStatus)
}

func TestListenerUpdateWritesDeltaBeforeDevicePush(t *testing.T) {
	e := newEnv()
	e.seedLoadBalancer(t, db.StatusActive, config.TopologyStandalone)
	e.seedDevice(t, "dev-1", "lb-1", db.RoleStandalone, db.DeviceStatusActive)
	listener := &db.Listener{
		ID:                 "listener-1",
		LoadBalancerID:     "lb-1",
		Protocol:           "HTTP",
		ProtocolPort:       80,
		ProvisioningStatus: db.StatusActive,
	}
	require.NoError(t, e.repos.Listeners.Create(context.Background(), listener))

	p, err := e.catalog.ListenerUpdate(context.Background(), "listener-1",
		map[string]interface{}{"protocol_port": 8080})
	require.NoError(t, e.run(t, p, err))

	got, err := e.repos.Listeners.Get(context.Background(), db.Filter{"id": "listener-1"})
	require.NoError(t, err)
	assert.Equal(t, 8080, got.ProtocolPort)
	assert.Equal(t, db.StatusActive, got.ProvisioningStatus)
	require.Len(t, e.device.CallsTo("UpdateVirtualServer"), 1)
}

func TestPoolDeleteDisassociatesMonitorFirst(t *testing.T) {
	e := newEnv()
	e.seedLoadBalancer(t, db.StatusActive, config.TopologyStandalone)
	e.seedDevice(t, "dev-1", "lb-1", db.RoleStandalone, db.DeviceStatusActive)
	require.NoError(t, e.repos.Listeners.Create(context.Background(), &db.Listener{
		ID: "listener-1", LoadBalancerID: "lb-1", ProvisioningStatus: db.StatusActive,
	}))
	require.NoError(t, e.repos.Pools.Create(context.Background(), &db.Pool{
		ID: "pool-1", LoadBalancerID: "lb-1", Protocol: "HTTP",
		Algorithm: "ROUND_ROBIN", ProvisioningStatus: db.StatusActive,
	}))
	require.NoError(t, e.repos.HealthMonitors.Create(context.Background(), &db.HealthMonitor{
		ID: "hm-1", PoolID: "pool-1", Type: "HTTP", ProvisioningStatus: db.StatusActive,
	}))

	p, err := e.catalog.PoolDelete(context.Background(), "pool-1")
	require.NoError(t, e.run(t, p, err))

	ops := opSequence(e.device.Calls())
	detach := indexOf(ops, "DisassociateMonitor")
	drop := indexOf(ops, "DeleteServiceGroup")
	require.GreaterOrEqual(t, detach, 0)
	require.GreaterOrEqual(t, drop, 0)
	assert.Less(t, detach, drop, "monitor must detach before the service group goes")

	_, err = e.repos.Pools.Get(context.Background(), db.Filter{"id": "pool-1"})
	assert.ErrorIs(t, err, db.ErrNotFound)
	_, err = e.repos.HealthMonitors.Get(context.Background(), db.Filter{"id": "hm-1"})
	assert.ErrorIs(t, err, db.ErrNotFound)

	lb, err := e.repos.LoadBalancers.Get(context.Background(), db.Filter{"id": "lb-1"})
	require.NoError(t, err)
	assert.Equal(t, db.StatusActive, lb.ProvisioningStatus)
	listener, err := e.repos.Listeners.Get(context.Background(), db.Filter{"id": "listener-1"})
	require.NoError(t, err)
	assert.Equal(t, db.StatusActive, listener.ProvisioningStatus)
}

func TestMemberCreateReconcilesSubnetFloatingIP(t *testing.T) {
	e := newEnv()
	e.cfg.Tenants["tenant-1"] = config.TenantConfig{FloatingIP: config.FloatingIPDHCP, VRID: 3}
	e.net.AddSubnet("subnet-a", "10.10.12.0/24")
	e.seedLoadBalancer(t, db.StatusActive, config.TopologyStandalone)
	e.seedDevice(t, "dev-1", "lb-1", db.RoleStandalone, db.DeviceStatusActive)
	require.NoError(t, e.repos.Pools.Create(context.Background(), &db.Pool{
		ID: "pool-1", LoadBalancerID: "lb-1", ProvisioningStatus: db.StatusActive,
	}))
	require.NoError(t, e.repos.Members.Create(context.Background(), &db.Member{
		ID: "member-1", PoolID: "pool-1", TenantID: "tenant-1",
		Address: "10.10.12.20", ProtocolPort: 8080, SubnetID: "subnet-a",
		ProvisioningStatus: db.StatusQueued,
	}))

	p, err := e.catalog.MemberCreate(context.Background(), "member-1")
	require.NoError(t, e.run(t, p, err))

	require.Len(t, e.device.CallsTo("CreateServer"), 1)
	require.Len(t, e.device.CallsTo("UpdateVRRPGroup"), 1)
	vrid, err := e.repos.VRIDs.Get(context.Background(), db.Filter{"subnet_id": "subnet-a"})
	require.NoError(t, err)
	assert.Equal(t, 3, vrid.VRIDValue)
	assert.NotEmpty(t, vrid.PortID)
}

func TestMemberDeleteRetiresLastSubnetReference(t *testing.T) {
	e := newEnv()
	e.cfg.Tenants["tenant-1"] = config.TenantConfig{FloatingIP: config.FloatingIPDHCP, VRID: 3}
	e.net.AddSubnet("subnet-a", "10.10.12.0/24")
	e.seedLoadBalancer(t, db.StatusActive, config.TopologyStandalone)
	e.seedDevice(t, "dev-1", "lb-1", db.RoleStandalone, db.DeviceStatusActive)
	require.NoError(t, e.repos.Pools.Create(context.Background(), &db.Pool{
		ID: "pool-1", LoadBalancerID: "lb-1", ProvisioningStatus: db.StatusActive,
	}))
	require.NoError(t, e.repos.Members.Create(context.Background(), &db.Member{
		ID: "member-1", PoolID: "pool-1", TenantID: "tenant-1",
		Address: "10.10.12.20", SubnetID: "subnet-a",
		ProvisioningStatus: db.StatusActive,
	}))
	port, err := e.net.CreatePort(context.Background(), network.PortRequest{SubnetID: "subnet-a"})
	require.NoError(t, err)
	require.NoError(t, e.repos.VRIDs.Create(context.Background(), &db.VRID{
		ID: "vrid-1", TenantID: "tenant-1", SubnetID: "subnet-a",
		VRIDValue: 3, PortID: port.ID, FloatingIP: port.FixedIPs[0].IPAddress,
	}))

	p, err := e.catalog.MemberDelete(context.Background(), "member-1")
	require.NoError(t, e.run(t, p, err))

	_, err = e.repos.Members.Get(context.Background(), db.Filter{"id": "member-1"})
	assert.ErrorIs(t, err, db.ErrNotFound)
	_, err = e.repos.VRIDs.Get(context.Background(), db.Filter{"id": "vrid-1"})
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.Contains(t, e.net.DeletedPorts(), port.ID)
	require.Len(t, e.device.CallsTo("UpdateVRRPGroup"), 1)
}

func TestL7RuleCreateRepushesParentPolicy(t *testing.T) {
	e := newEnv()
	e.seedLoadBalancer(t, db.StatusActive, config.TopologyStandalone)
	e.seedDevice(t, "dev-1", "lb-1", db.RoleStandalone, db.DeviceStatusActive)
	require.NoError(t, e.repos.Listeners.Create(context.Background(), &db.Listener{
		ID: "listener-1", LoadBalancerID: "lb-1", ProvisioningStatus: db.StatusActive,
	}))
	require.NoError(t, e.repos.L7Policies.Create(context.Background(), &db.L7Policy{
		ID: "policy-1", ListenerID: "listener-1", Action: "REDIRECT_TO_URL",
		RedirectURL: "https://example.test", ProvisioningStatus: db.StatusActive,
	}))
	require.NoError(t, e.repos.L7Rules.Create(context.Background(), &db.L7Rule{
		ID: "rule-1", L7PolicyID: "policy-1", Type: "PATH",
		CompareType: "STARTS_WITH", Value: "/api",
		ProvisioningStatus: db.StatusQueued,
	}))

	p, err := e.catalog.L7RuleCreate(context.Background(), "rule-1")
	require.NoError(t, e.run(t, p, err))

	calls := e.device.CallsTo("UpdatePolicy")
	require.Len(t, calls, 1)
	assert.Equal(t, "policy-1", calls[0].Arg)
	rule, err := e.repos.L7Rules.Get(context.Background(), db.Filter{"id": "rule-1"})
	require.NoError(t, err)
	assert.Equal(t, db.StatusActive, rule.ProvisioningStatus)
}

func TestLoadBalancerFailoverRebindsToFreshDevice(t *testing.T) {
	e := newEnv()
	e.seedLoadBalancer(t, db.StatusActive, config.TopologyStandalone)
	stale := e.seedDevice(t, "dev-stale", "lb-1", db.RoleStandalone, db.DeviceStatusError)
	require.NoError(t, e.repos.Listeners.Create(context.Background(), &db.Listener{
		ID: "listener-1", LoadBalancerID: "lb-1", Protocol: "HTTP",
		ProtocolPort: 80, ProvisioningStatus: db.StatusActive,
	}))

	p, err := e.catalog.LoadBalancerFailover(context.Background(), "lb-1")
	require.NoError(t, e.run(t, p, err))

	retired, err := e.repos.VThunders.Get(context.Background(), db.Filter{"id": "dev-stale"})
	require.NoError(t, err)
	assert.Equal(t, db.DeviceStatusDeleted, retired.Status)
	assert.Empty(t, retired.LoadBalancerID)
	assert.True(t, e.computes.Deleted(stale.ComputeID))

	fresh, err := e.repos.VThunders.Get(context.Background(), db.Filter{"loadbalancer_id": "lb-1"})
	require.NoError(t, err)
	assert.NotEqual(t, "dev-stale", fresh.ID)
	assert.Equal(t, db.DeviceStatusActive, fresh.Status)

	// The persisted tree was replayed onto the new device: the VIP object
	// plus the listener's virtual server.
	assert.Len(t, e.device.CallsTo("CreateVirtualServer"), 2)
	lb, err := e.repos.LoadBalancers.Get(context.Background(), db.Filter{"id": "lb-1"})
	require.NoError(t, err)
	assert.Equal(t, db.StatusActive, lb.ProvisioningStatus)
}

func TestLoadBalancerFailoverFailsClosedWhenNotMutable(t *testing.T) {
	e := newEnv()
	e.seedLoadBalancer(t, db.StatusPendingDelete, config.TopologyStandalone)
	e.seedDevice(t, "dev-1", "lb-1", db.RoleStandalone, db.DeviceStatusError)

	p, err := e.catalog.LoadBalancerFailover(context.Background(), "lb-1")
	runErr := e.run(t, p, err)
	var notMutable ErrNotMutable
	require.ErrorAs(t, runErr, &notMutable)

	// Nothing was torn down.
	dev, err := e.repos.VThunders.Get(context.Background(), db.Filter{"id": "dev-1"})
	require.NoError(t, err)
	assert.Equal(t, db.DeviceStatusError, dev.Status)
	assert.Equal(t, "lb-1", dev.LoadBalancerID)
}
