package operators

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for operator management.
type Handler struct {
	registry *Registry
}

func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterRoutes sets up operator routes. The group is expected to sit
// behind the intake secret.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/operators", h.List)
	r.GET("/operators/:userId", h.Check)
	r.POST("/operators", h.Authorize)
	r.DELETE("/operators/:userId", h.Deauthorize)
}

type authorizeRequest struct {
	CallerID int64 `json:"callerId" binding:"required"`
	UserID   int64 `json:"userId" binding:"required"`
}

// Authorize handles POST /v1/operators
func (h *Handler) Authorize(c *gin.Context) {
	var req authorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "callerId and userId are required",
		})
		return
	}
	if err := h.registry.Authorize(c.Request.Context(), req.CallerID, req.UserID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": req.UserID, "authorized": true})
}

// Deauthorize handles DELETE /v1/operators/:userId?callerId=
func (h *Handler) Deauthorize(c *gin.Context) {
	userID, err1 := strconv.ParseInt(c.Param("userId"), 10, 64)
	callerID, err2 := strconv.ParseInt(c.Query("callerId"), 10, 64)
	if err1 != nil || err2 != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId and callerId must be numeric",
		})
		return
	}
	if err := h.registry.Deauthorize(c.Request.Context(), callerID, userID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "authorized": false})
}

// Check handles GET /v1/operators/:userId
func (h *Handler) Check(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId must be numeric",
		})
		return
	}
	ok, err := h.registry.IsAuthorized(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "authorized": ok, "owner": h.registry.IsOwner(userID)})
}

// List handles GET /v1/operators
func (h *Handler) List(c *gin.Context) {
	ops, err := h.registry.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"operators": ops, "count": len(ops)})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrInvalidUser), errors.Is(err, ErrIsOwner):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "operator store unavailable"})
	}
}
