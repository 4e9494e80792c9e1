package axapi

import (
	"context"
	"fmt"
	"sync"
)

// Call records one fake invocation: the operation name and its primary
// argument rendered as a string.
type Call struct {
	Op  string
	Arg string
}

// Fake is an in-memory Client that records calls and fails on demand.
// Tests inspect Calls to assert ordering (e.g. monitor disassociation
// before service-group delete).
type Fake struct {
	mu    sync.Mutex
	calls []Call

	// FailOn maps an operation name to the error its next invocation
	// returns.
	FailOn map[string]error
	// UnreachableFor makes Reachable fail that many times before
	// succeeding, emulating a booting appliance.
	UnreachableFor int

	vrrpStatus string
}

// NewFake returns an empty fake client.
func NewFake() *Fake {
	return &Fake{vrrpStatus: "Up"}
}

// SetVRRPStatus overrides what VRRPStatus reports.
func (f *Fake) SetVRRPStatus(status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vrrpStatus = status
}

func (f *Fake) record(op, arg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: op, Arg: arg})
	if err, ok := f.FailOn[op]; ok && err != nil {
		return err
	}
	return nil
}

// Calls returns a copy of the recorded call list.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsTo returns the recorded calls for one operation.
func (f *Fake) CallsTo(op string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) Reachable(ctx context.Context) error {
	f.mu.Lock()
	pending := f.UnreachableFor
	if pending > 0 {
		f.UnreachableFor--
	}
	f.mu.Unlock()
	if pending > 0 {
		return fmt.Errorf("axapi: device not reachable")
	}
	return f.record("Reachable", "")
}

func (f *Fake) ActivePartition(ctx context.Context, name string) error {
	return f.record("ActivePartition", name)
}

func (f *Fake) CreateVirtualServer(ctx context.Context, vs *VirtualServer) error {
	return f.record("CreateVirtualServer", vs.Name)
}

func (f *Fake) UpdateVirtualServer(ctx context.Context, vs *VirtualServer) error {
	return f.record("UpdateVirtualServer", vs.Name)
}

func (f *Fake) DeleteVirtualServer(ctx context.Context, name string) error {
	return f.record("DeleteVirtualServer", name)
}

func (f *Fake) CreateServiceGroup(ctx context.Context, sg *ServiceGroup) error {
	return f.record("CreateServiceGroup", sg.Name)
}

func (f *Fake) UpdateServiceGroup(ctx context.Context, sg *ServiceGroup) error {
	return f.record("UpdateServiceGroup", sg.Name)
}

func (f *Fake) DeleteServiceGroup(ctx context.Context, name string) error {
	return f.record("DeleteServiceGroup", name)
}

func (f *Fake) CreateServer(ctx context.Context, srv *Server) error {
	return f.record("CreateServer", srv.Name)
}

func (f *Fake) UpdateServer(ctx context.Context, srv *Server) error {
	return f.record("UpdateServer", srv.Name)
}

func (f *Fake) DeleteServer(ctx context.Context, name string) error {
	return f.record("DeleteServer", name)
}

func (f *Fake) CreateMonitor(ctx context.Context, m *Monitor) error {
	return f.record("CreateMonitor", m.Name)
}

func (f *Fake) UpdateMonitor(ctx context.Context, m *Monitor) error {
	return f.record("UpdateMonitor", m.Name)
}

func (f *Fake) DeleteMonitor(ctx context.Context, name string) error {
	return f.record("DeleteMonitor", name)
}

func (f *Fake) AssociateMonitor(ctx context.Context, serviceGroup, monitor string) error {
	return f.record("AssociateMonitor", serviceGroup+"/"+monitor)
}

func (f *Fake) DisassociateMonitor(ctx context.Context, serviceGroup, monitor string) error {
	return f.record("DisassociateMonitor", serviceGroup+"/"+monitor)
}

func (f *Fake) CreatePolicy(ctx context.Context, p *PolicyRule) error {
	return f.record("CreatePolicy", p.Name)
}

func (f *Fake) UpdatePolicy(ctx context.Context, p *PolicyRule) error {
	return f.record("UpdatePolicy", p.Name)
}

func (f *Fake) DeletePolicy(ctx context.Context, name string) error {
	return f.record("DeletePolicy", name)
}

func (f *Fake) UpdateVRRPGroup(ctx context.Context, vrid int, floatingIPs []string) error {
	return f.record("UpdateVRRPGroup", fmt.Sprintf("vrid=%d fips=%v", vrid, floatingIPs))
}

func (f *Fake) ConfigureVRRP(ctx context.Context, setID int, peers []string) error {
	return f.record("ConfigureVRRP", fmt.Sprintf("set=%d peers=%v", setID, peers))
}

func (f *Fake) ConfigureSyncGroup(ctx context.Context, group string) error {
	return f.record("ConfigureSyncGroup", group)
}

func (f *Fake) VRRPStatus(ctx context.Context) (string, error) {
	if err := f.record("VRRPStatus", ""); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vrrpStatus, nil
}

func (f *Fake) WriteMemory(ctx context.Context) error {
	return f.record("WriteMemory", "")
}

var _ Client = (*Fake)(nil)
