// Package api exposes the REST surface. Handlers persist the resource row
// first and then enqueue the matching command, so a client read after the
// response always sees the row. A created row starts as QUEUED; the
// worker's admission gate moves it to its PENDING state.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"thunderlb/db"
)

// Commander enqueues resource commands for the controller worker.
// *worker.Worker implements it; tests plug in a recorder.
type Commander interface {
	Send(name, id string) error
	SendDelta(name, id string, delta map[string]interface{}) error
}

// Server wires the HTTP handlers to the repositories and the queue.
type Server struct {
	repos *db.Repositories
	queue Commander
}

// New builds the API server.
func New(repos *db.Repositories, queue Commander) *Server {
	return &Server{repos: repos, queue: queue}
}

// Router builds the gin engine with all routes mounted under /v2/lbaas.
func (s *Server) Router() *gin.Engine {
	r := gin.Default()
	v2 := r.Group("/v2/lbaas")

	v2.POST("/loadbalancers", s.createLoadBalancer)
	v2.GET("/loadbalancers", s.listLoadBalancers)
	v2.GET("/loadbalancers/:id", s.getLoadBalancer)
	v2.PUT("/loadbalancers/:id", s.updateLoadBalancer)
	v2.DELETE("/loadbalancers/:id", s.deleteLoadBalancer)
	v2.PUT("/loadbalancers/:id/failover", s.failoverLoadBalancer)

	v2.POST("/listeners", s.createListener)
	v2.GET("/listeners/:id", s.getListener)
	v2.PUT("/listeners/:id", s.updateListener)
	v2.DELETE("/listeners/:id", s.deleteListener)

	v2.POST("/pools", s.createPool)
	v2.GET("/pools/:id", s.getPool)
	v2.PUT("/pools/:id", s.updatePool)
	v2.DELETE("/pools/:id", s.deletePool)

	v2.POST("/pools/:id/members", s.createMember)
	v2.GET("/pools/:id/members/:memberID", s.getMember)
	v2.PUT("/pools/:id/members/:memberID", s.updateMember)
	v2.DELETE("/pools/:id/members/:memberID", s.deleteMember)

	v2.POST("/healthmonitors", s.createHealthMonitor)
	v2.GET("/healthmonitors/:id", s.getHealthMonitor)
	v2.PUT("/healthmonitors/:id", s.updateHealthMonitor)
	v2.DELETE("/healthmonitors/:id", s.deleteHealthMonitor)

	v2.POST("/l7policies", s.createL7Policy)
	v2.GET("/l7policies/:id", s.getL7Policy)
	v2.PUT("/l7policies/:id", s.updateL7Policy)
	v2.DELETE("/l7policies/:id", s.deleteL7Policy)

	v2.POST("/l7policies/:id/rules", s.createL7Rule)
	v2.GET("/l7policies/:id/rules/:ruleID", s.getL7Rule)
	v2.PUT("/l7policies/:id/rules/:ruleID", s.updateL7Rule)
	v2.DELETE("/l7policies/:id/rules/:ruleID", s.deleteL7Rule)

	return r
}

// Run serves the API on the given address.
func (s *Server) Run(addr string) error {
	return s.Router().Run(addr)
}

func notFound(c *gin.Context, err error) bool {
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"message": "not found"})
		return true
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return true
	}
	return false
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"message": msg})
}

func enqueueFailed(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, gin.H{"message": "enqueueing command: " + err.Error()})
}

func accepted(c *gin.Context, id string) {
	c.JSON(http.StatusAccepted, gin.H{"message": "ok", "id": id})
}

// bindDelta reads the request body as a column-update map. Clients send
// only the fields they change.
func bindDelta(c *gin.Context) (map[string]interface{}, bool) {
	delta := map[string]interface{}{}
	if err := c.ShouldBindJSON(&delta); err != nil {
		badRequest(c, "malformed update body: "+err.Error())
		return nil, false
	}
	if len(delta) == 0 {
		badRequest(c, "empty update body")
		return nil, false
	}
	return delta, true
}
