// Package admin is a read-only HTTP status/health/topology server (spec
// §8's ambient introspection surface). Primitive CRUD over HTTP is out of
// scope (spec §1's Non-goals reserve that surface for the router/transport
// path only), so this exposes health and cluster-shape endpoints only.
package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/atomix-go/atomix/pkg/raft"
)

// PartitionView is what one partition reports to the admin surface.
type PartitionView struct {
	ID     string `json:"id"`
	Role   string `json:"role"`
	Term   uint64 `json:"term"`
	Leader string `json:"leader,omitempty"`
	Index  uint64 `json:"applied_index"`
}

// Node is the subset of pkg/cluster.Node the admin server reports on.
type Node interface {
	NodeID() string
	Partitions() map[string]*raft.Replica
}

// Server is the admin HTTP surface.
type Server struct {
	engine *gin.Engine
	node   Node
}

// NewServer builds the admin server's route table.
func NewServer(node Node) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{engine: engine, node: node}
	engine.GET("/healthz", s.handleHealth)
	engine.GET("/v1/cluster", s.handleCluster)
	engine.GET("/v1/partitions", s.handlePartitions)
	return s
}

// Handler returns the underlying http.Handler for embedding in an
// http.Server (spec §8: shares the process lifecycle with the gRPC and
// maintenance components, not run standalone).
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "node_id": s.node.NodeID()})
}

func (s *Server) handleCluster(c *gin.Context) {
	partitions := s.node.Partitions()
	views := make([]PartitionView, 0, len(partitions))
	for id, replica := range partitions {
		leader, _ := replica.Leader()
		views = append(views, PartitionView{
			ID:     id,
			Role:   replica.Role().String(),
			Term:   replica.Term(),
			Leader: leader,
			Index:  replica.AppliedIndex(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"node_id": s.node.NodeID(), "partitions": views})
}

func (s *Server) handlePartitions(c *gin.Context) {
	id := c.Query("id")
	partitions := s.node.Partitions()
	replica, ok := partitions[id]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown partition"})
		return
	}
	leader, _ := replica.Leader()
	c.JSON(http.StatusOK, PartitionView{
		ID: id, Role: replica.Role().String(), Term: replica.Term(),
		Leader: leader, Index: replica.AppliedIndex(),
	})
}
