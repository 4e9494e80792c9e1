package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	eagerbroker "github.com/RichardKnop/machinery/v2/brokers/eager"
	"github.com/RichardKnop/machinery/v2/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thunderlb/axapi"
	"thunderlb/catalog"
	"thunderlb/compute"
	"thunderlb/config"
	"thunderlb/db"
	"thunderlb/network"
	"thunderlb/workflow"
)

type env struct {
	cfg    *config.Config
	repos  *db.Repositories
	device *axapi.Fake
	worker *Worker
}

// newEnv wires a worker over the eager broker: Send executes the command
// synchronously in-process, exercising the same dispatch path the queue
// consumer uses.
func newEnv(t *testing.T) *env {
	t.Helper()
	cfg := config.Default()
	cfg.Device.BuildGraceSleep = 0
	cfg.Device.ReachableWait = time.Millisecond
	cfg.Device.ReachableRetries = 3

	repos := db.NewMemoryRepositories()
	fake := axapi.NewFake()
	clients := func(*db.VThunder) axapi.Client { return fake }
	cat := catalog.New(cfg, repos, clients, compute.NewFake(), network.NewFake())

	server := NewEagerServer(cfg)
	w, err := New(cfg, cat, server)
	require.NoError(t, err)

	mode, ok := server.GetBroker().(eagerbroker.Mode)
	require.True(t, ok)
	mode.AssignWorker(server.NewWorker(cfg.Worker.ConsumerTag, 1))

	return &env{cfg: cfg, repos: repos, device: fake, worker: w}
}

func (e *env) seedLoadBalancer(t *testing.T, status string) {
	t.Helper()
	require.NoError(t, e.repos.LoadBalancers.Create(context.Background(), &db.LoadBalancer{
		ID:                 "lb-1",
		TenantID:           "tenant-1",
		ProvisioningStatus: status,
		Topology:           config.TopologyStandalone,
		VIPAddress:         "192.168.1.10",
		VIPSubnetID:        "subnet-vip",
	}))
}

func TestSendDrivesCreateToActive(t *testing.T) {
	e := newEnv(t)
	e.seedLoadBalancer(t, db.StatusQueued)

	require.NoError(t, e.worker.Send(CmdLoadBalancerCreate, "lb-1"))

	lb, err := e.repos.LoadBalancers.Get(context.Background(), db.Filter{"id": "lb-1"})
	require.NoError(t, err)
	assert.Equal(t, db.StatusActive, lb.ProvisioningStatus)
}

func TestSendAdmissionLoserIsAcknowledged(t *testing.T) {
	e := newEnv(t)
	e.seedLoadBalancer(t, db.StatusPendingDelete)

	// The losing command is rejected, not queued: the handler acknowledges
	// it with a warning and the resource is untouched.
	require.NoError(t, e.worker.Send(CmdLoadBalancerCreate, "lb-1"))

	lb, err := e.repos.LoadBalancers.Get(context.Background(), db.Filter{"id": "lb-1"})
	require.NoError(t, err)
	assert.Equal(t, db.StatusPendingDelete, lb.ProvisioningStatus)
	assert.Empty(t, e.device.Calls())
}

func TestSendDeltaAppliesUpdate(t *testing.T) {
	e := newEnv(t)
	e.seedLoadBalancer(t, db.StatusActive)
	require.NoError(t, e.repos.VThunders.Create(context.Background(), &db.VThunder{
		ID:             "dev-1",
		Role:           db.RoleStandalone,
		Status:         db.DeviceStatusActive,
		LoadBalancerID: "lb-1",
	}))

	require.NoError(t, e.worker.SendDelta(CmdLoadBalancerUpdate, "lb-1",
		map[string]interface{}{"name": "renamed"}))

	lb, err := e.repos.LoadBalancers.Get(context.Background(), db.Filter{"id": "lb-1"})
	require.NoError(t, err)
	assert.Equal(t, "renamed", lb.Name)
	assert.Equal(t, db.StatusActive, lb.ProvisioningStatus)
	assert.Len(t, e.device.CallsTo("UpdateVirtualServer"), 1)
}

func TestSendFailureMarksResourceError(t *testing.T) {
	e := newEnv(t)
	e.seedLoadBalancer(t, db.StatusQueued)
	e.device.FailOn = map[string]error{"CreateVirtualServer": errors.New("device rejected")}

	// The eager broker records the failure in the backend; the durable
	// signal is the resource's ERROR status.
	_ = e.worker.Send(CmdLoadBalancerCreate, "lb-1")

	lb, err := e.repos.LoadBalancers.Get(context.Background(), db.Filter{"id": "lb-1"})
	require.NoError(t, err)
	assert.Equal(t, db.StatusError, lb.ProvisioningStatus)
}

func TestFailoverRebindsAndReportsOutcome(t *testing.T) {
	e := newEnv(t)
	e.seedLoadBalancer(t, db.StatusActive)

	require.NoError(t, e.worker.Failover(context.Background(), "lb-1"))

	lb, err := e.repos.LoadBalancers.Get(context.Background(), db.Filter{"id": "lb-1"})
	require.NoError(t, err)
	assert.Equal(t, db.StatusActive, lb.ProvisioningStatus)
	dev, err := e.repos.VThunders.Get(context.Background(), db.Filter{
		"loadbalancer_id": "lb-1",
		"status":          db.DeviceStatusActive,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, dev.ComputeID)
}

func TestFailoverSurfacesFlowFailure(t *testing.T) {
	e := newEnv(t)
	e.seedLoadBalancer(t, db.StatusActive)
	e.device.FailOn = map[string]error{"CreateVirtualServer": errors.New("device rejected")}

	// The caller sees the real outcome of the flow, not just that a
	// message went out.
	err := e.worker.Failover(context.Background(), "lb-1")
	require.Error(t, err)

	lb, err := e.repos.LoadBalancers.Get(context.Background(), db.Filter{"id": "lb-1"})
	require.NoError(t, err)
	assert.Equal(t, db.StatusError, lb.ProvisioningStatus)
}

func TestFailoverSkipsNonMutableLoadBalancer(t *testing.T) {
	e := newEnv(t)
	e.seedLoadBalancer(t, db.StatusPendingUpdate)

	require.NoError(t, e.worker.Failover(context.Background(), "lb-1"))

	lb, err := e.repos.LoadBalancers.Get(context.Background(), db.Filter{"id": "lb-1"})
	require.NoError(t, err)
	assert.Equal(t, db.StatusPendingUpdate, lb.ProvisioningStatus)
	assert.Empty(t, e.device.Calls())
}

func TestDispatchAcknowledgesUnsupportedTopology(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.repos.LoadBalancers.Create(context.Background(), &db.LoadBalancer{
		ID:                 "lb-1",
		TenantID:           "tenant-1",
		ProvisioningStatus: db.StatusQueued,
		Topology:           "ACTIVE_ACTIVE",
	}))

	// The builder rejects the topology before any flow runs; the command
	// is acknowledged instead of redelivered forever.
	err := e.worker.dispatch(CmdLoadBalancerCreate, "lb-1", func(ctx context.Context, id string) (*catalog.Prepared, error) {
		return e.worker.catalog.LoadBalancerCreate(ctx, id)
	})
	require.NoError(t, err)

	lb, err := e.repos.LoadBalancers.Get(context.Background(), db.Filter{"id": "lb-1"})
	require.NoError(t, err)
	assert.Equal(t, db.StatusQueued, lb.ProvisioningStatus)
	assert.Empty(t, e.device.Calls())
}

func TestDispatchRetriesWhenRowNotVisibleYet(t *testing.T) {
	e := newEnv(t)

	err := e.worker.dispatch(CmdPoolCreate, "missing", func(ctx context.Context, id string) (*catalog.Prepared, error) {
		return e.worker.catalog.PoolCreate(ctx, id)
	})

	var retriable tasks.ErrRetryTaskLater
	require.ErrorAs(t, err, &retriable)
	assert.Equal(t, notFoundRetryIn, retriable.RetryIn())
}

func TestOutcomeMapping(t *testing.T) {
	assert.Equal(t, workflow.StatusSuccess, outcome(nil).Status)
	assert.Equal(t, workflow.StatusSuccess, outcome(catalog.ErrAlreadyDone).Status)
	assert.Equal(t, workflow.StatusSuccess,
		outcome(&workflow.TaskError{Task: "t", Err: catalog.ErrAlreadyDone}).Status)

	skipped := outcome(&workflow.TaskError{Task: "t", Err: catalog.ErrNotMutable{Resource: "pool", ID: "p1"}})
	assert.Equal(t, workflow.StatusSkipped, skipped.Status)
	assert.NotEmpty(t, skipped.Reason)

	unsupported := outcome(catalog.ErrUnsupportedOperation{UserMsg: "no", OperatorMsg: "not built"})
	assert.Equal(t, workflow.StatusUnsupported, unsupported.Status)
	assert.Equal(t, "no", unsupported.UserMsg)

	failed := outcome(errors.New("boom"))
	assert.Equal(t, workflow.StatusFailed, failed.Status)
	assert.Error(t, failed.Err)
}
