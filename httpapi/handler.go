// Package httpapi exposes the workflow engine over HTTP. Routes never
// carry numeric IDs; workflows and steps are addressed by their tokens.
package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/signrelay/signrelay/types"
	"github.com/signrelay/signrelay/workflow"
)

type WorkflowHandler struct {
	engine *workflow.Engine
}

func NewWorkflowHandler(engine *workflow.Engine) *WorkflowHandler {
	return &WorkflowHandler{engine: engine}
}

// Register mounts all workflow routes on the given group.
func (h *WorkflowHandler) Register(g *gin.RouterGroup) {
	g.POST("/workflows", h.CreateWorkflow)
	g.GET("/workflows/:token", h.GetWorkflow)
	g.POST("/workflows/:token/regenerate", h.RegenerateWorkflow)
	g.GET("/steps/:token", h.GetStep)
	g.POST("/steps/:token", h.SubmitStep)
	g.PATCH("/steps/:token", h.SaveStep)
	g.POST("/steps/:token/attachments", h.UploadAttachment)
}

// NewRouter builds a gin engine with the workflow API mounted under /api/v1.
func NewRouter(engine *workflow.Engine) *gin.Engine {
	router := gin.Default()
	handler := NewWorkflowHandler(engine)
	handler.Register(router.Group("/api/v1"))
	return router
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrAlreadySubmitted), errors.Is(err, types.ErrOutOfTurn):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func (h *WorkflowHandler) CreateWorkflow(c *gin.Context) {
	var req workflow.InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.engine.Initiate(c, req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, res)
}

func (h *WorkflowHandler) GetWorkflow(c *gin.Context) {
	snap, err := h.engine.GetSnapshot(c, c.Param("token"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, snap)
}

func (h *WorkflowHandler) RegenerateWorkflow(c *gin.Context) {
	if err := h.engine.Regenerate(c, c.Param("token")); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "documents regenerated"})
}

func (h *WorkflowHandler) GetStep(c *gin.Context) {
	sc, err := h.engine.RecipientContext(c, c.Param("token"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, sc)
}

func (h *WorkflowHandler) SubmitStep(c *gin.Context) {
	var form map[string]any
	if err := c.ShouldBindJSON(&form); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.engine.SubmitStep(c, c.Param("token"), form)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (h *WorkflowHandler) SaveStep(c *gin.Context) {
	var form map[string]any
	if err := c.ShouldBindJSON(&form); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.engine.SaveProgress(c, c.Param("token"), form); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "progress saved"})
}

func (h *WorkflowHandler) UploadAttachment(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "attachment name is required"})
		return
	}

	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	att, err := h.engine.AddAttachment(c, c.Param("token"), name, c.ContentType(), data)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, att)
}
