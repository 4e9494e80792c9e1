package db

import "time"

// Provisioning statuses. The lifecycle is QUEUED -> PENDING_CREATE ->
// ACTIVE | ERROR, then PENDING_* -> ACTIVE | ERROR for later operations,
// with DELETED as the terminal state of a delete flow.
const (
	// StatusQueued is the state the API writes a new row in. The create
	// flow's admission gate moves it to PENDING_CREATE; keeping the two
	// states distinct is what lets the gate reject a duplicate delivery.
	StatusQueued        = "QUEUED"
	StatusPendingCreate = "PENDING_CREATE"
	StatusPendingUpdate = "PENDING_UPDATE"
	StatusPendingDelete = "PENDING_DELETE"
	StatusActive        = "ACTIVE"
	StatusError         = "ERROR"
	StatusDeleted       = "DELETED"
)

// Device statuses. READY marks an unbound spare; USED_SPARE marks a spare
// that served a load balancer and awaits expiry cleanup.
const (
	DeviceStatusActive    = "ACTIVE"
	DeviceStatusReady     = "READY"
	DeviceStatusError     = "ERROR"
	DeviceStatusUsedSpare = "USED_SPARE"
	DeviceStatusDeleted   = "DELETED"
)

// Device roles within a topology.
const (
	RoleStandalone = "STANDALONE"
	RoleMaster     = "MASTER"
	RoleBackup     = "BACKUP"
)

// Operating statuses reflecting runtime health.
const (
	OperatingOnline  = "ONLINE"
	OperatingOffline = "OFFLINE"
)

// MutableStatuses are the provisioning states a new operation may be
// admitted from. The PENDING_* states are excluded: a flow is already
// running for the resource.
var MutableStatuses = []string{StatusActive, StatusError}

// LoadBalancer is the root of the resource tree.
type LoadBalancer struct {
	ID                 string    `gorm:"column:id;primaryKey"`
	TenantID           string    `gorm:"column:tenant_id"`
	Name               string    `gorm:"column:name"`
	ProvisioningStatus string    `gorm:"column:provisioning_status"`
	OperatingStatus    string    `gorm:"column:operating_status"`
	Topology           string    `gorm:"column:topology"`
	VIPAddress         string    `gorm:"column:vip_address"`
	VIPSubnetID        string    `gorm:"column:vip_subnet_id"`
	VIPPortID          string    `gorm:"column:vip_port_id"`
	CreatedAt          time.Time `gorm:"column:created_at"`
	UpdatedAt          time.Time `gorm:"column:updated_at"`
}

// Listener belongs to a LoadBalancer.
type Listener struct {
	ID                 string    `gorm:"column:id;primaryKey"`
	LoadBalancerID     string    `gorm:"column:loadbalancer_id"`
	Name               string    `gorm:"column:name"`
	Protocol           string    `gorm:"column:protocol"`
	ProtocolPort       int       `gorm:"column:protocol_port"`
	DefaultPoolID      string    `gorm:"column:default_pool_id"`
	ProvisioningStatus string    `gorm:"column:provisioning_status"`
	OperatingStatus    string    `gorm:"column:operating_status"`
	CreatedAt          time.Time `gorm:"column:created_at"`
	UpdatedAt          time.Time `gorm:"column:updated_at"`
}

// Pool belongs to a LoadBalancer, optionally referenced by listeners.
type Pool struct {
	ID                 string    `gorm:"column:id;primaryKey"`
	LoadBalancerID     string    `gorm:"column:loadbalancer_id"`
	Name               string    `gorm:"column:name"`
	Protocol           string    `gorm:"column:protocol"`
	Algorithm          string    `gorm:"column:algorithm"`
	HealthMonitorID    string    `gorm:"column:healthmonitor_id"`
	ProvisioningStatus string    `gorm:"column:provisioning_status"`
	OperatingStatus    string    `gorm:"column:operating_status"`
	CreatedAt          time.Time `gorm:"column:created_at"`
	UpdatedAt          time.Time `gorm:"column:updated_at"`
}

// Member is a backend server within a Pool.
type Member struct {
	ID                 string    `gorm:"column:id;primaryKey"`
	PoolID             string    `gorm:"column:pool_id"`
	TenantID           string    `gorm:"column:tenant_id"`
	Address            string    `gorm:"column:address"`
	ProtocolPort       int       `gorm:"column:protocol_port"`
	SubnetID           string    `gorm:"column:subnet_id"`
	Weight             int       `gorm:"column:weight"`
	ProvisioningStatus string    `gorm:"column:provisioning_status"`
	OperatingStatus    string    `gorm:"column:operating_status"`
	CreatedAt          time.Time `gorm:"column:created_at"`
	UpdatedAt          time.Time `gorm:"column:updated_at"`
}

// HealthMonitor probes a Pool's members.
type HealthMonitor struct {
	ID                 string    `gorm:"column:id;primaryKey"`
	PoolID             string    `gorm:"column:pool_id"`
	Type               string    `gorm:"column:type"`
	Delay              int       `gorm:"column:delay"`
	Timeout            int       `gorm:"column:timeout"`
	MaxRetries         int       `gorm:"column:max_retries"`
	URLPath            string    `gorm:"column:url_path"`
	ProvisioningStatus string    `gorm:"column:provisioning_status"`
	OperatingStatus    string    `gorm:"column:operating_status"`
	CreatedAt          time.Time `gorm:"column:created_at"`
	UpdatedAt          time.Time `gorm:"column:updated_at"`
}

// L7Policy steers listener traffic; its rules decide when it applies.
type L7Policy struct {
	ID                 string    `gorm:"column:id;primaryKey"`
	ListenerID         string    `gorm:"column:listener_id"`
	Action             string    `gorm:"column:action"`
	RedirectPoolID     string    `gorm:"column:redirect_pool_id"`
	RedirectURL        string    `gorm:"column:redirect_url"`
	Position           int       `gorm:"column:position"`
	ProvisioningStatus string    `gorm:"column:provisioning_status"`
	OperatingStatus    string    `gorm:"column:operating_status"`
	CreatedAt          time.Time `gorm:"column:created_at"`
	UpdatedAt          time.Time `gorm:"column:updated_at"`
}

// L7Rule is a single match condition of an L7Policy.
type L7Rule struct {
	ID                 string    `gorm:"column:id;primaryKey"`
	L7PolicyID         string    `gorm:"column:l7policy_id"`
	Type               string    `gorm:"column:type"`
	CompareType        string    `gorm:"column:compare_type"`
	Key                string    `gorm:"column:key"`
	Value              string    `gorm:"column:value"`
	Invert             bool      `gorm:"column:invert"`
	ProvisioningStatus string    `gorm:"column:provisioning_status"`
	OperatingStatus    string    `gorm:"column:operating_status"`
	CreatedAt          time.Time `gorm:"column:created_at"`
	UpdatedAt          time.Time `gorm:"column:updated_at"`
}

// VThunder is a bound appliance record. LoadBalancerID is empty while the
// device sits in the spare pool.
type VThunder struct {
	ID             string    `gorm:"column:id;primaryKey"`
	ComputeID      string    `gorm:"column:compute_id"`
	IPAddress      string    `gorm:"column:ip_address"`
	Username       string    `gorm:"column:username"`
	Password       string    `gorm:"column:password"`
	AXAPIVersion   string    `gorm:"column:axapi_version"`
	Role           string    `gorm:"column:role"`
	Status         string    `gorm:"column:status"`
	Topology       string    `gorm:"column:topology"`
	PartitionName  string    `gorm:"column:partition_name"`
	LoadBalancerID string    `gorm:"column:loadbalancer_id"`
	LastUDPUpdate  time.Time `gorm:"column:last_udp_update"`
	CreatedAt      time.Time `gorm:"column:created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

// VRID is a virtual-router/floating-IP assignment. One record exists per
// (tenant, subnet) pair in use.
type VRID struct {
	ID         string    `gorm:"column:id;primaryKey"`
	TenantID   string    `gorm:"column:tenant_id"`
	VRIDValue  int       `gorm:"column:vrid"`
	PortID     string    `gorm:"column:vrid_port_id"`
	FloatingIP string    `gorm:"column:vrid_floating_ip"`
	SubnetID   string    `gorm:"column:subnet_id"`
	CreatedAt  time.Time `gorm:"column:created_at"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}
