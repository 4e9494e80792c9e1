package catalog

import (
	"context"

	"github.com/RichardKnop/machinery/v2/log"

	"thunderlb/axapi"
	"thunderlb/db"
	"thunderlb/device"
	"thunderlb/workflow"
)

// resolveDevice looks up the bound device for the flow's load balancer and
// puts it in the store for the device-configuration tasks.
type resolveDevice struct {
	workflow.Base
	resolver *device.Resolver
	role     string
	target   string
}

func newResolveDevice(resolver *device.Resolver) *resolveDevice {
	return &resolveDevice{
		Base: workflow.Base{
			TaskName: "resolve-device",
			Reads:    []string{KeyLoadBalancer},
			Writes:   []string{KeyVThunder},
		},
		resolver: resolver,
		target:   KeyVThunder,
	}
}

// newResolveRole resolves a specific role of an active-standby pair into
// its own store key.
func newResolveRole(resolver *device.Resolver, role, target string) *resolveDevice {
	return &resolveDevice{
		Base: workflow.Base{
			TaskName: "resolve-device-" + target,
			Reads:    []string{KeyLoadBalancer},
			Writes:   []string{target},
		},
		resolver: resolver,
		role:     role,
		target:   target,
	}
}

func (t *resolveDevice) Execute(ctx context.Context, store *workflow.Store) error {
	lb, err := workflow.Value[*db.LoadBalancer](store, KeyLoadBalancer)
	if err != nil {
		return err
	}
	var dev *db.VThunder
	if t.role == "" {
		dev, err = t.resolver.Resolve(ctx, lb)
	} else {
		dev, err = t.resolver.ResolveRole(ctx, lb, t.role)
	}
	if err != nil {
		return err
	}
	store.Put(t.target, dev)
	return nil
}

// deviceOps is the per-resource capability that knows how to render one
// resource type onto a device. Each resource implements it exactly once;
// the applyToDevice task below is the only task body shared by all of
// them.
type deviceOps interface {
	// ResourceKey names the store key holding the resource.
	ResourceKey() string
	ApplyCreate(ctx context.Context, client axapi.Client, store *workflow.Store) error
	ApplyUpdate(ctx context.Context, client axapi.Client, store *workflow.Store) error
	ApplyDelete(ctx context.Context, client axapi.Client, store *workflow.Store) error
}

// Operation selects which capability method applyToDevice invokes.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// applyToDevice renders a resource onto the device named by deviceKey.
// Reverting a create applies the delete as compensation; failures inside
// the compensation are logged rather than raised so they cannot mask the
// original error.
type applyToDevice struct {
	workflow.Base
	clients   axapi.ClientFactory
	partition string
	ops       deviceOps
	op        Operation
	deviceKey string
}

func newApplyToDevice(name string, clients axapi.ClientFactory, partition string, ops deviceOps, op Operation, deviceKey string) *applyToDevice {
	return &applyToDevice{
		Base: workflow.Base{
			TaskName: name,
			Reads:    []string{deviceKey, ops.ResourceKey()},
		},
		clients:   clients,
		partition: partition,
		ops:       ops,
		op:        op,
		deviceKey: deviceKey,
	}
}

func (t *applyToDevice) client(ctx context.Context, store *workflow.Store) (axapi.Client, error) {
	dev, err := workflow.Value[*db.VThunder](store, t.deviceKey)
	if err != nil {
		return nil, err
	}
	client := t.clients(dev)
	partition := t.partition
	if dev.PartitionName != "" {
		partition = dev.PartitionName
	}
	if partition != "" && partition != "shared" {
		if err := client.ActivePartition(ctx, partition); err != nil {
			return nil, err
		}
	}
	return client, nil
}

func (t *applyToDevice) Execute(ctx context.Context, store *workflow.Store) error {
	client, err := t.client(ctx, store)
	if err != nil {
		return err
	}
	switch t.op {
	case OpCreate:
		return t.ops.ApplyCreate(ctx, client, store)
	case OpUpdate:
		return t.ops.ApplyUpdate(ctx, client, store)
	default:
		return t.ops.ApplyDelete(ctx, client, store)
	}
}

func (t *applyToDevice) Revert(ctx context.Context, store *workflow.Store, cause error) {
	if t.op != OpCreate {
		return
	}
	client, err := t.client(ctx, store)
	if err != nil {
		log.WARNING.Printf("revert %s: no device client: %s", t.Name(), err)
		return
	}
	if err := t.ops.ApplyDelete(ctx, client, store); err != nil {
		log.WARNING.Printf("revert %s: cleanup failed: %s", t.Name(), err)
	}
}

// writeMemory persists the device's running configuration at the end of a
// successful flow.
type writeMemory struct {
	workflow.Base
	clients   axapi.ClientFactory
	deviceKey string
}

func newWriteMemory(clients axapi.ClientFactory, deviceKey string) *writeMemory {
	return &writeMemory{
		Base: workflow.Base{
			TaskName: "write-memory-" + deviceKey,
			Reads:    []string{deviceKey},
		},
		clients:   clients,
		deviceKey: deviceKey,
	}
}

func (t *writeMemory) Execute(ctx context.Context, store *workflow.Store) error {
	dev, err := workflow.Value[*db.VThunder](store, t.deviceKey)
	if err != nil {
		return err
	}
	return t.clients(dev).WriteMemory(ctx)
}

// reconcileVRID runs the floating-IP reconcile for a subnet against the
// flow's device. Ports created by a partial reconcile are recorded in the
// store and deleted again on revert.
type reconcileVRID struct {
	workflow.Base
	allocator *device.VRIDAllocator
	clients   axapi.ClientFactory
	tenantID  string
	subnetID  string
	deviceKey string
}

func newReconcileVRID(allocator *device.VRIDAllocator, clients axapi.ClientFactory, tenantID, subnetID, deviceKey string) *reconcileVRID {
	return &reconcileVRID{
		Base: workflow.Base{
			TaskName: "reconcile-vrid",
			Reads:    []string{deviceKey},
			Writes:   []string{KeyCreatedPorts},
		},
		allocator: allocator,
		clients:   clients,
		tenantID:  tenantID,
		subnetID:  subnetID,
		deviceKey: deviceKey,
	}
}

func (t *reconcileVRID) Execute(ctx context.Context, store *workflow.Store) error {
	dev, err := workflow.Value[*db.VThunder](store, t.deviceKey)
	if err != nil {
		return err
	}
	result, reconcileErr := t.allocator.Reconcile(ctx, t.clients(dev), t.tenantID, t.subnetID)
	if len(result.CreatedPorts) > 0 {
		store.Put(KeyCreatedPorts, result.CreatedPorts)
	}
	return reconcileErr
}

func (t *reconcileVRID) Revert(ctx context.Context, store *workflow.Store, cause error) {
	ports, err := workflow.Value[[]string](store, KeyCreatedPorts)
	if err != nil {
		return
	}
	t.allocator.RevertPorts(ctx, ports)
}

// removeVRID drops the subnet's floating-IP assignment when the deleted
// resource was its last reference.
type removeVRID struct {
	workflow.Base
	allocator *device.VRIDAllocator
	clients   axapi.ClientFactory
	repos     *db.Repositories
	tenantID  string
	subnetID  string
	deviceKey string
}

func newRemoveVRID(allocator *device.VRIDAllocator, clients axapi.ClientFactory, repos *db.Repositories, tenantID, subnetID, deviceKey string) *removeVRID {
	return &removeVRID{
		Base: workflow.Base{
			TaskName: "remove-vrid",
			Reads:    []string{deviceKey},
		},
		allocator: allocator,
		clients:   clients,
		repos:     repos,
		tenantID:  tenantID,
		subnetID:  subnetID,
		deviceKey: deviceKey,
	}
}

// subnetReferences counts the load balancers and members still using a
// subnet; the VRID entry lives while the count exceeds one.
func subnetReferences(ctx context.Context, repos *db.Repositories, subnetID string) (int64, error) {
	lbs, err := repos.LoadBalancers.Count(ctx, db.Filter{
		"vip_subnet_id":          subnetID,
		"provisioning_status !=": db.StatusDeleted,
	})
	if err != nil {
		return 0, err
	}
	members, err := repos.Members.Count(ctx, db.Filter{"subnet_id": subnetID})
	if err != nil {
		return 0, err
	}
	return lbs + members, nil
}

func (t *removeVRID) Execute(ctx context.Context, store *workflow.Store) error {
	dev, err := workflow.Value[*db.VThunder](store, t.deviceKey)
	if err != nil {
		return err
	}
	refs, err := subnetReferences(ctx, t.repos, t.subnetID)
	if err != nil {
		return err
	}
	return t.allocator.Remove(ctx, t.clients(dev), t.tenantID, t.subnetID, refs)
}
