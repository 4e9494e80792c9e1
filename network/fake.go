package network

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
)

// Fake is an in-memory Driver. Subnets are registered up front; ports are
// allocated sequentially from the subnet range (dynamic requests) or bound
// to the requested address (static requests).
type Fake struct {
	mu      sync.Mutex
	subnets map[string]*Subnet
	ports   map[string]*Port
	nextIP  map[string]int

	created []string
	deleted []string

	// CreateErr, when set, fails the next CreatePort call.
	CreateErr error
	// BareNextPort, when set, makes the next created port carry no fixed
	// IPs, the way a port on an addressless network comes back.
	BareNextPort bool
	// DeleteErr, when set, fails every DeletePort call.
	DeleteErr error
}

// NewFake returns an empty fake driver.
func NewFake() *Fake {
	return &Fake{
		subnets: make(map[string]*Subnet),
		ports:   make(map[string]*Port),
		nextIP:  make(map[string]int),
	}
}

// AddSubnet registers a subnet with the fake.
func (f *Fake) AddSubnet(id, cidr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subnets[id] = &Subnet{ID: id, NetworkID: "net-" + id, CIDR: cidr}
	f.nextIP[id] = 10
}

func (f *Fake) GetSubnet(ctx context.Context, subnetID string) (*Subnet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subnet, ok := f.subnets[subnetID]
	if !ok {
		return nil, fmt.Errorf("network: subnet %s not found", subnetID)
	}
	clone := *subnet
	return &clone, nil
}

func (f *Fake) CreatePort(ctx context.Context, req PortRequest) (*Port, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		err := f.CreateErr
		f.CreateErr = nil
		return nil, ErrPortCreate{SubnetID: req.SubnetID, Err: err}
	}
	subnet, ok := f.subnets[req.SubnetID]
	if !ok {
		return nil, ErrPortCreate{SubnetID: req.SubnetID, Err: fmt.Errorf("subnet not found")}
	}

	address := req.IPAddress
	if address == "" {
		ip, _, err := net.ParseCIDR(subnet.CIDR)
		if err != nil {
			return nil, ErrPortCreate{SubnetID: req.SubnetID, Err: err}
		}
		ip = ip.To4()
		ip[3] = byte(f.nextIP[req.SubnetID])
		f.nextIP[req.SubnetID]++
		address = ip.String()
	}

	port := &Port{
		ID:        "port-" + uuid.New().String(),
		NetworkID: subnet.NetworkID,
		FixedIPs:  []FixedIP{{SubnetID: req.SubnetID, IPAddress: address}},
	}
	if f.BareNextPort {
		f.BareNextPort = false
		port.FixedIPs = nil
	}
	f.ports[port.ID] = port
	f.created = append(f.created, port.ID)
	clone := *port
	return &clone, nil
}

func (f *Fake) DeletePort(ctx context.Context, portID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	if _, ok := f.ports[portID]; !ok {
		return fmt.Errorf("network: port %s not found", portID)
	}
	delete(f.ports, portID)
	f.deleted = append(f.deleted, portID)
	return nil
}

// CreatedPorts returns the ids of every port created so far.
func (f *Fake) CreatedPorts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.created))
	copy(out, f.created)
	return out
}

// DeletedPorts returns the ids of every port deleted so far.
func (f *Fake) DeletedPorts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.deleted))
	copy(out, f.deleted)
	return out
}

var _ Driver = (*Fake)(nil)
