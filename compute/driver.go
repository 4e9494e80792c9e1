// Package compute is the boundary to the compute service that boots and
// destroys appliance instances for the device-acquisition subflow.
package compute

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Instance is a booted compute instance.
type Instance struct {
	ID string
	// ManagementIP is the address the device's control API listens on.
	ManagementIP string
}

// Driver is the compute interface the controller calls.
type Driver interface {
	BootInstance(ctx context.Context, name string) (*Instance, error)
	DeleteInstance(ctx context.Context, id string) error
}

// Fake is an in-memory Driver for tests.
type Fake struct {
	mu        sync.Mutex
	instances map[string]*Instance
	nextIP    int

	// BootErr, when set, fails every BootInstance call.
	BootErr error
}

// NewFake returns an empty fake driver.
func NewFake() *Fake {
	return &Fake{instances: make(map[string]*Instance), nextIP: 100}
}

func (f *Fake) BootInstance(ctx context.Context, name string) (*Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BootErr != nil {
		return nil, f.BootErr
	}
	inst := &Instance{
		ID:           "vm-" + uuid.New().String(),
		ManagementIP: fmt.Sprintf("10.0.0.%d", f.nextIP),
	}
	f.nextIP++
	f.instances[inst.ID] = inst
	clone := *inst
	return &clone, nil
}

func (f *Fake) DeleteInstance(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.instances[id]; !ok {
		return fmt.Errorf("compute: instance %s not found", id)
	}
	delete(f.instances, id)
	return nil
}

// Active returns how many instances currently exist.
func (f *Fake) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.instances)
}

// Deleted reports whether an instance has been removed.
func (f *Fake) Deleted(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.instances[id]
	return !ok
}

var _ Driver = (*Fake)(nil)
