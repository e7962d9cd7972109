package editapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/capstan-dev/capstan/internal/graph"
	"github.com/capstan-dev/capstan/pkg/models"
)

type addTaskRequest struct {
	Name               string            `json:"name"`
	Kind               models.NodeKind   `json:"kind"`
	Capability         string            `json:"capability" binding:"required"`
	Objective          string            `json:"objective" binding:"required"`
	Instructions       string            `json:"instructions"`
	AcceptanceCriteria string            `json:"acceptance_criteria"`
	ParentID           string            `json:"parent_id"`
	DependsOn          []string          `json:"depends_on"`
	InputRefs          map[string]string `json:"input_refs"`
	Root               bool              `json:"root"`
}

type editTaskRequest struct {
	Name               *string           `json:"name"`
	Capability         *string           `json:"capability"`
	Objective          *string           `json:"objective"`
	Instructions       *string           `json:"instructions"`
	AcceptanceCriteria *string           `json:"acceptance_criteria"`
	InputRefs          map[string]string `json:"input_refs"`
}

type linkRequest struct {
	From string `json:"from" binding:"required"`
	To   string `json:"to" binding:"required"`
}

type editModeRequest struct {
	Owner string `json:"owner" binding:"required"`
}

func (s *Server) handleListPlans(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusOK, gin.H{"plans": []any{}})
		return
	}
	plans, err := s.store.List()
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

func (s *Server) handleGetGraph(c *gin.Context) {
	g, _, err := s.acquire(c.Param("planId"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(g))
}

func (s *Server) handleValidate(c *gin.Context) {
	g, _, err := s.acquire(c.Param("planId"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if err := g.Validate(); err != nil {
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

func (s *Server) handleAddTask(c *gin.Context) {
	var req addTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	g, commit, err := s.acquire(c.Param("planId"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	kind := req.Kind
	if kind == "" {
		kind = models.KindExecutable
	}
	n := &models.Node{
		ID:                 uuid.NewString(),
		ParentID:           req.ParentID,
		Kind:               kind,
		State:              models.StatePending,
		Capability:         req.Capability,
		Name:               req.Name,
		Objective:          req.Objective,
		Instructions:       req.Instructions,
		AcceptanceCriteria: req.AcceptanceCriteria,
		Dependencies:       req.DependsOn,
		InputRefs:          req.InputRefs,
	}
	if err := g.AddNode(n, req.Root); err != nil {
		s.respondError(c, err)
		return
	}
	if err := commit(); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": n.ID})
}

func (s *Server) handleEditTask(c *gin.Context) {
	var req editTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	g, commit, err := s.acquire(c.Param("planId"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	patch := graph.NodePatch{
		Name:               req.Name,
		Capability:         req.Capability,
		Objective:          req.Objective,
		Instructions:       req.Instructions,
		AcceptanceCriteria: req.AcceptanceCriteria,
		InputRefs:          req.InputRefs,
	}
	if err := g.EditNode(c.Param("taskId"), patch); err != nil {
		s.respondError(c, err)
		return
	}
	if err := commit(); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeleteTask(c *gin.Context) {
	g, commit, err := s.acquire(c.Param("planId"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if err := g.DeleteNode(c.Param("taskId")); err != nil {
		s.respondError(c, err)
		return
	}
	if err := commit(); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleLink(c *gin.Context) {
	var req linkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	g, commit, err := s.acquire(c.Param("planId"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if err := g.LinkTasks(req.From, req.To); err != nil {
		s.respondError(c, err)
		return
	}
	if err := commit(); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleUnlink(c *gin.Context) {
	var req linkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	g, commit, err := s.acquire(c.Param("planId"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if err := g.UnlinkTasks(req.From, req.To); err != nil {
		s.respondError(c, err)
		return
	}
	if err := commit(); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGetEditMode(c *gin.Context) {
	g, _, err := s.acquire(c.Param("planId"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, g.EditMode())
}

func (s *Server) handleToggleEditMode(c *gin.Context) {
	var req editModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	g, commit, err := s.acquire(c.Param("planId"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	mode := g.ToggleEditMode(req.Owner)
	if err := commit(); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, mode)
}
