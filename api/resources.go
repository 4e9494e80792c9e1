package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"thunderlb/config"
	"thunderlb/db"
	"thunderlb/worker"
)

type loadBalancerRequest struct {
	Name        string `json:"name"`
	TenantID    string `json:"tenant_id" binding:"required"`
	VIPAddress  string `json:"vip_address" binding:"required"`
	VIPSubnetID string `json:"vip_subnet_id" binding:"required"`
	Topology    string `json:"topology"`
}

func (s *Server) createLoadBalancer(c *gin.Context) {
	var req loadBalancerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	switch req.Topology {
	case "", config.TopologyStandalone, config.TopologyActiveStandby:
	default:
		badRequest(c, "unknown topology "+req.Topology)
		return
	}
	lb := &db.LoadBalancer{
		ID:                 uuid.New().String(),
		TenantID:           req.TenantID,
		Name:               req.Name,
		Topology:           req.Topology,
		VIPAddress:         req.VIPAddress,
		VIPSubnetID:        req.VIPSubnetID,
		ProvisioningStatus: db.StatusQueued,
		OperatingStatus:    db.OperatingOffline,
	}
	if err := s.repos.LoadBalancers.Create(c.Request.Context(), lb); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	if err := s.queue.Send(worker.CmdLoadBalancerCreate, lb.ID); err != nil {
		enqueueFailed(c, err)
		return
	}
	accepted(c, lb.ID)
}

func (s *Server) listLoadBalancers(c *gin.Context) {
	filter := db.Filter{}
	if tenant := c.Query("tenant_id"); tenant != "" {
		filter["tenant_id"] = tenant
	}
	lbs, err := s.repos.LoadBalancers.List(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"loadbalancers": lbs})
}

func (s *Server) getLoadBalancer(c *gin.Context) {
	lb, err := s.repos.LoadBalancers.Get(c.Request.Context(), db.Filter{"id": c.Param("id")})
	if notFound(c, err) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"loadbalancer": lb})
}

func (s *Server) updateLoadBalancer(c *gin.Context) {
	lb, err := s.repos.LoadBalancers.Get(c.Request.Context(), db.Filter{"id": c.Param("id")})
	if notFound(c, err) {
		return
	}
	delta, ok := bindDelta(c)
	if !ok {
		return
	}
	if err := s.queue.SendDelta(worker.CmdLoadBalancerUpdate, lb.ID, delta); err != nil {
		enqueueFailed(c, err)
		return
	}
	accepted(c, lb.ID)
}

func (s *Server) deleteLoadBalancer(c *gin.Context) {
	lb, err := s.repos.LoadBalancers.Get(c.Request.Context(), db.Filter{"id": c.Param("id")})
	if notFound(c, err) {
		return
	}
	if err := s.queue.Send(worker.CmdLoadBalancerDelete, lb.ID); err != nil {
		enqueueFailed(c, err)
		return
	}
	accepted(c, lb.ID)
}

func (s *Server) failoverLoadBalancer(c *gin.Context) {
	lb, err := s.repos.LoadBalancers.Get(c.Request.Context(), db.Filter{"id": c.Param("id")})
	if notFound(c, err) {
		return
	}
	if err := s.queue.Send(worker.CmdVThunderFailover, lb.ID); err != nil {
		enqueueFailed(c, err)
		return
	}
	accepted(c, lb.ID)
}

type listenerRequest struct {
	LoadBalancerID string `json:"loadbalancer_id" binding:"required"`
	Name           string `json:"name"`
	Protocol       string `json:"protocol" binding:"required"`
	ProtocolPort   int    `json:"protocol_port" binding:"required"`
	DefaultPoolID  string `json:"default_pool_id"`
}

func (s *Server) createListener(c *gin.Context) {
	var req listenerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if _, err := s.repos.LoadBalancers.Get(c.Request.Context(), db.Filter{"id": req.LoadBalancerID}); notFound(c, err) {
		return
	}
	listener := &db.Listener{
		ID:                 uuid.New().String(),
		LoadBalancerID:     req.LoadBalancerID,
		Name:               req.Name,
		Protocol:           req.Protocol,
		ProtocolPort:       req.ProtocolPort,
		DefaultPoolID:      req.DefaultPoolID,
		ProvisioningStatus: db.StatusQueued,
		OperatingStatus:    db.OperatingOffline,
	}
	if err := s.repos.Listeners.Create(c.Request.Context(), listener); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	if err := s.queue.Send(worker.CmdListenerCreate, listener.ID); err != nil {
		enqueueFailed(c, err)
		return
	}
	accepted(c, listener.ID)
}

func (s *Server) getListener(c *gin.Context) {
	listener, err := s.repos.Listeners.Get(c.Request.Context(), db.Filter{"id": c.Param("id")})
	if notFound(c, err) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"listener": listener})
}

func (s *Server) updateListener(c *gin.Context) {
	listener, err := s.repos.Listeners.Get(c.Request.Context(), db.Filter{"id": c.Param("id")})
	if notFound(c, err) {
		return
	}
	delta, ok := bindDelta(c)
	if !ok {
		return
	}
	if err := s.queue.SendDelta(worker.CmdListenerUpdate, listener.ID, delta); err != nil {
		enqueueFailed(c, err)
		return
	}
	accepted(c, listener.ID)
}

func (s *Server) deleteListener(c *gin.Context) {
	listener, err := s.repos.Listeners.Get(c.Request.Context(), db.Filter{"id": c.Param("id")})
	if notFound(c, err) {
		return
	}
	if err := s.queue.Send(worker.CmdListenerDelete, listener.ID); err != nil {
		enqueueFailed(c, err)
		return
	}
	accepted(c, listener.ID)
}

type poolRequest struct {
	LoadBalancerID string `json:"loadbalancer_id" binding:"required"`
	Name           string `json:"name"`
	Protocol       string `json:"protocol" binding:"required"`
	Algorithm      string `json:"algorithm"`
}

func (s *Server) createPool(c *gin.Context) {
	var req poolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if _, err := s.repos.LoadBalancers.Get(c.Request.Context(), db.Filter{"id": req.LoadBalancerID}); notFound(c, err) {
		return
	}
	pool := &db.Pool{
		ID:                 uuid.New().String(),
		LoadBalancerID:     req.LoadBalancerID,
		Name:               req.Name,
		Protocol:           req.Protocol,
		Algorithm:          req.Algorithm,
		ProvisioningStatus: db.StatusQueued,
		OperatingStatus:    db.OperatingOffline,
	}
	if err := s.repos.Pools.Create(c.Request.Context(), pool); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	if err := s.queue.Send(worker.CmdPoolCreate, pool.ID); err != nil {
		enqueueFailed(c, err)
		return
	}
	accepted(c, pool.ID)
}

func (s *Server) getPool(c *gin.Context) {
	pool, err := s.repos.Pools.Get(c.Request.Context(), db.Filter{"id": c.Param("id")})
	if notFound(c, err) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"pool": pool})
}

func (s *Server) updatePool(c *gin.Context) {
	pool, err := s.repos.Pools.Get(c.Request.Context(), db.Filter{"id": c.Param("id")})
	if notFound(c, err) {
		return
	}
	delta, ok := bindDelta(c)
	if !ok {
		return
	}
	if err := s.queue.SendDelta(worker.CmdPoolUpdate, pool.ID, delta); err != nil {
		enqueueFailed(c, err)
		return
	}
	accepted(c, pool.ID)
}

func (s *Server) deletePool(c *gin.Context) {
	pool, err := s.repos.Pools.Get(c.Request.Context(), db.Filter{"id": c.Param("id")})
	if notFound(c, err) {
		return
	}
	if err := s.queue.Send(worker.CmdPoolDelete, pool.ID); err != nil {
		enqueueFailed(c, err)
		return
	}
	accepted(c, pool.ID)
}

type memberRequest struct {
	Address      string `json:"address" binding:"required"`
	ProtocolPort int    `json:"protocol_port" binding:"required"`
	SubnetID     string `json:"subnet_id"`
	Weight       int    `json:"weight"`
}

func (s *Server) createMember(c *gin.Context) {
	pool, err := s.repos.Pools.Get(c.Request.Context(), db.Filter{"id": c.Param("id")})
	if notFound(c, err) {
		return
	}
	var req memberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	lb, err := s.repos.LoadBalancers.Get(c.Request.Context(), db.Filter{"id": pool.LoadBalancerID})
	if notFound(c, err) {
		return
	}
	weight := req.Weight
	if weight == 0 {
		weight = 1
	}
	member := &db.Member{
		ID:                 uuid.New().String(),
		PoolID:             pool.ID,
		TenantID:           lb.TenantID,
		Address:            req.Address,
		ProtocolPort:       req.ProtocolPort,
		SubnetID:           req.SubnetID,
		Weight:             weight,
		ProvisioningStatus: db.StatusQueued,
		OperatingStatus:    db.OperatingOffline,
	}
	if err := s.repos.Members.Create(c.Request.Context(), member); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	if err := s.queue.Send(worker.CmdMemberCreate, member.ID); err != nil {
		enqueueFailed(c, err)
		return
	}
	accepted(c, member.ID)
}

func (s *Server) memberOf(c *gin.Context) (*db.Member, bool) {
	member, err := s.repos.Members.Get(c.Request.Context(), db.Filter{
		"id":      c.Param("memberID"),
		"pool_id": c.Param("id"),
	})
	if notFound(c, err) {
		return nil, false
	}
	return member, true
}

func (s *Server) getMember(c *gin.Context) {
	member, ok := s.memberOf(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"member": member})
}

func (s *Server) updateMember(c *gin.Context) {
	member, ok := s.memberOf(c)
	if !ok {
		return
	}
	delta, okDelta := bindDelta(c)
	if !okDelta {
		return
	}
	if err := s.queue.SendDelta(worker.CmdMemberUpdate, member.ID, delta); err != nil {
		enqueueFailed(c, err)
		return
	}
	accepted(c, member.ID)
}

func (s *Server) deleteMember(c *gin.Context) {
	member, ok := s.memberOf(c)
	if !ok {
		return
	}
	if err := s.queue.Send(worker.CmdMemberDelete, member.ID); err != nil {
		enqueueFailed(c, err)
		return
	}
	accepted(c, member.ID)
}

type healthMonitorRequest struct {
	PoolID     string `json:"pool_id" binding:"required"`
	Type       string `json:"type" binding:"required"`
	Delay      int    `json:"delay"`
	Timeout    int    `json:"timeout"`
	MaxRetries int    `json:"max_retries"`
	URLPath    string `json:"url_path"`
}

func (s *Server) createHealthMonitor(c *gin.Context) {
	var req healthMonitorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if _, err := s.repos.Pools.Get(c.Request.Context(), db.Filter{"id": req.PoolID}); notFound(c, err) {
		return
	}
	monitor := &db.HealthMonitor{
		ID:                 uuid.New().String(),
		PoolID:             req.PoolID,
		Type:               req.Type,
		Delay:              req.Delay,
		Timeout:            req.Timeout,
		MaxRetries:         req.MaxRetries,
		URLPath:            req.URLPath,
		ProvisioningStatus: db.StatusQueued,
		OperatingStatus:    db.OperatingOffline,
	}
	if err := s.repos.HealthMonitors.Create(c.Request.Context(), monitor); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	if err := s.queue.Send(worker.CmdHealthMonitorCreate, monitor.ID); err != nil {
		enqueueFailed(c, err)
		return
	}
	accepted(c, monitor.ID)
}

func (s *Server) getHealthMonitor(c *gin.Context) {
	monitor, err := s.repos.HealthMonitors.Get(c.Request.Context(), db.Filter{"id": c.Param("id")})
	if notFound(c, err) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"healthmonitor": monitor})
}

func (s *Server) updateHealthMonitor(c *gin.Context) {
	monitor, err := s.repos.HealthMonitors.Get(c.Request.Context(), db.Filter{"id": c.Param("id")})
	if notFound(c, err) {
		return
	}
	delta, ok := bindDelta(c)
	if !ok {
		return
	}
	if err := s.queue.SendDelta(worker.CmdHealthMonitorUpdate, monitor.ID, delta); err != nil {
		enqueueFailed(c, err)
		return
	}
	accepted(c, monitor.ID)
}

func (s *Server) deleteHealthMonitor(c *gin.Context) {
	monitor, err := s.repos.HealthMonitors.Get(c.Request.Context(), db.Filter{"id": c.Param("id")})
	if notFound(c, err) {
		return
	}
	if err := s.queue.Send(worker.CmdHealthMonitorDelete, monitor.ID); err != nil {
		enqueueFailed(c, err)
		return
	}
	accepted(c, monitor.ID)
}

type l7PolicyRequest struct {
	ListenerID     string `json:"listener_id" binding:"required"`
	Action         string `json:"action" binding:"required"`
	RedirectPoolID string `json:"redirect_pool_id"`
	RedirectURL    string `json:"redirect_url"`
	Position       int    `json:"position"`
}

func (s *Server) createL7Policy(c *gin.Context) {
	var req l7PolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if _, err := s.repos.Listeners.Get(c.Request.Context(), db.Filter{"id": req.ListenerID}); notFound(c, err) {
		return
	}
	policy := &db.L7Policy{
		ID:                 uuid.New().String(),
		ListenerID:         req.ListenerID,
		Action:             req.Action,
		RedirectPoolID:     req.RedirectPoolID,
		RedirectURL:        req.RedirectURL,
		Position:           req.Position,
		ProvisioningStatus: db.StatusQueued,
		OperatingStatus:    db.OperatingOffline,
	}
	if err := s.repos.L7Policies.Create(c.Request.Context(), policy); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	if err := s.queue.Send(worker.CmdL7PolicyCreate, policy.ID); err != nil {
		enqueueFailed(c, err)
		return
	}
	accepted(c, policy.ID)
}

func (s *Server) getL7Policy(c *gin.Context) {
	policy, err := s.repos.L7Policies.Get(c.Request.Context(), db.Filter{"id": c.Param("id")})
	if notFound(c, err) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"l7policy": policy})
}

func (s *Server) updateL7Policy(c *gin.Context) {
	policy, err := s.repos.L7Policies.Get(c.Request.Context(), db.Filter{"id": c.Param("id")})
	if notFound(c, err) {
		return
	}
	delta, ok := bindDelta(c)
	if !ok {
		return
	}
	if err := s.queue.SendDelta(worker.CmdL7PolicyUpdate, policy.ID, delta); err != nil {
		enqueueFailed(c, err)
		return
	}
	accepted(c, policy.ID)
}

func (s *Server) deleteL7Policy(c *gin.Context) {
	policy, err := s.repos.L7Policies.Get(c.Request.Context(), db.Filter{"id": c.Param("id")})
	if notFound(c, err) {
		return
	}
	if err := s.queue.Send(worker.CmdL7PolicyDelete, policy.ID); err != nil {
		enqueueFailed(c, err)
		return
	}
	accepted(c, policy.ID)
}

type l7RuleRequest struct {
	Type        string `json:"type" binding:"required"`
	CompareType string `json:"compare_type" binding:"required"`
	Key         string `json:"key"`
	Value       string `json:"value" binding:"required"`
	Invert      bool   `json:"invert"`
}

func (s *Server) createL7Rule(c *gin.Context) {
	policy, err := s.repos.L7Policies.Get(c.Request.Context(), db.Filter{"id": c.Param("id")})
	if notFound(c, err) {
		return
	}
	var req l7RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	rule := &db.L7Rule{
		ID:                 uuid.New().String(),
		L7PolicyID:         policy.ID,
		Type:               req.Type,
		CompareType:        req.CompareType,
		Key:                req.Key,
		Value:              req.Value,
		Invert:             req.Invert,
		ProvisioningStatus: db.StatusQueued,
		OperatingStatus:    db.OperatingOffline,
	}
	if err := s.repos.L7Rules.Create(c.Request.Context(), rule); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	if err := s.queue.Send(worker.CmdL7RuleCreate, rule.ID); err != nil {
		enqueueFailed(c, err)
		return
	}
	accepted(c, rule.ID)
}

func (s *Server) ruleOf(c *gin.Context) (*db.L7Rule, bool) {
	rule, err := s.repos.L7Rules.Get(c.Request.Context(), db.Filter{
		"id":          c.Param("ruleID"),
		"l7policy_id": c.Param("id"),
	})
	if notFound(c, err) {
		return nil, false
	}
	return rule, true
}

func (s *Server) getL7Rule(c *gin.Context) {
	rule, ok := s.ruleOf(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"l7rule": rule})
}

func (s *Server) updateL7Rule(c *gin.Context) {
	rule, ok := s.ruleOf(c)
	if !ok {
		return
	}
	delta, okDelta := bindDelta(c)
	if !okDelta {
		return
	}
	if err := s.queue.SendDelta(worker.CmdL7RuleUpdate, rule.ID, delta); err != nil {
		enqueueFailed(c, err)
		return
	}
	accepted(c, rule.ID)
}

func (s *Server) deleteL7Rule(c *gin.Context) {
	rule, ok := s.ruleOf(c)
	if !ok {
		return
	}
	if err := s.queue.Send(worker.CmdL7RuleDelete, rule.ID); err != nil {
		enqueueFailed(c, err)
		return
	}
	accepted(c, rule.ID)
}
