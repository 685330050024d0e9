package coordinator

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/middleman/internal/deal"
	"github.com/mbd888/middleman/internal/executor"
	"github.com/mbd888/middleman/internal/rooms"
	"github.com/mbd888/middleman/internal/validation"
)

// Handler exposes the command intake and read API over HTTP.
type Handler struct {
	coord *Coordinator
}

func NewHandler(coord *Coordinator) *Handler {
	return &Handler{coord: coord}
}

// RegisterRoutes sets up public (read-only) routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/deals", h.ListDeals)
	r.GET("/deals/:id", validation.DealIDParamMiddleware(), h.GetDeal)
	r.GET("/status", h.Status)
}

// RegisterProtectedRoutes sets up the command intake. The group must sit
// behind the intake secret.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/deals", h.OpenDeal)
	r.GET("/wallet/balances", h.Balances)

	d := r.Group("/deals/:id", validation.DealIDParamMiddleware())
	d.POST("/members", h.MemberJoined)
	d.POST("/role", h.ClaimRole)
	d.POST("/asset", h.SelectAsset)
	d.POST("/amount", h.SubmitAmount)
	d.POST("/rate", h.SubmitRate)
	d.POST("/payment-method", h.SubmitPaymentMethod)
	d.POST("/address", h.SubmitAddress)
	d.POST("/release", h.RequestRelease)
	d.POST("/release/confirm", h.ConfirmRelease)
	d.POST("/refund", h.RequestRefund)
	d.POST("/refund/confirm", h.ConfirmRefund)
	d.POST("/reconcile", h.Reconcile)
}

type OpenRequest struct {
	InitiatorID        int64  `json:"initiatorId"`
	InitiatorHandle    string `json:"initiatorHandle"`
	CounterpartyHandle string `json:"counterpartyHandle"`
}

type MemberRequest struct {
	UserID int64  `json:"userId"`
	Handle string `json:"handle"`
	Bio    string `json:"bio"`
}

// CommandRequest is the body shared by the per-deal commands. Only the
// fields a command reads need to be set.
type CommandRequest struct {
	CallerID int64     `json:"callerId"`
	Role     deal.Role `json:"role,omitempty"`
	Value    string    `json:"value,omitempty"`
	Token    string    `json:"token,omitempty"`
	TxHash   string    `json:"txHash,omitempty"`
}

func bindCommand(c *gin.Context, extra ...func(req *CommandRequest) func() *validation.ValidationError) (*CommandRequest, bool) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return nil, false
	}
	checks := []func() *validation.ValidationError{validation.RequiredID("callerId", req.CallerID)}
	for _, fn := range extra {
		checks = append(checks, fn(&req))
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return nil, false
	}
	return &req, true
}

func requireValue(field string) func(req *CommandRequest) func() *validation.ValidationError {
	return func(req *CommandRequest) func() *validation.ValidationError {
		req.Value = validation.SanitizeString(req.Value, validation.MaxStringLength)
		return validation.Required(field, req.Value)
	}
}

func requireToken(req *CommandRequest) func() *validation.ValidationError {
	return validation.Required("token", req.Token)
}

// OpenDeal handles POST /v1/deals
func (h *Handler) OpenDeal(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.RequiredID("initiatorId", req.InitiatorID),
		validation.MaxLength("counterpartyHandle", req.CounterpartyHandle, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	d, err := h.coord.OpenDeal(c.Request.Context(),
		deal.Party{ID: req.InitiatorID, Handle: validation.SanitizeString(req.InitiatorHandle, validation.MaxStringLength)},
		validation.SanitizeString(req.CounterpartyHandle, validation.MaxStringLength))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"deal": d})
}

// GetDeal handles GET /v1/deals/:id
func (h *Handler) GetDeal(c *gin.Context) {
	d, err := h.coord.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deal":     d,
		"nextStep": d.NextStep(),
	})
}

// ListDeals handles GET /v1/deals?status=&limit=
func (h *Handler) ListDeals(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	status := deal.Status(c.Query("status"))
	if status != "" && status.Rank() < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "unknown status",
		})
		return
	}

	deals, err := h.coord.List(c.Request.Context(), status, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deals": deals,
		"count": len(deals),
	})
}

// MemberJoined handles POST /v1/deals/:id/members
func (h *Handler) MemberJoined(c *gin.Context) {
	var req MemberRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId is required",
		})
		return
	}
	d, err := h.coord.MemberJoined(c.Request.Context(), c.Param("id"), deal.Member{
		ID:     req.UserID,
		Handle: validation.SanitizeString(req.Handle, validation.MaxStringLength),
		Bio:    validation.SanitizeString(req.Bio, validation.MaxStringLength),
	})
	h.respond(c, d, err)
}

// ClaimRole handles POST /v1/deals/:id/role
func (h *Handler) ClaimRole(c *gin.Context) {
	req, ok := bindCommand(c, func(req *CommandRequest) func() *validation.ValidationError {
		return func() *validation.ValidationError {
			if req.Role != deal.RoleBuyer && req.Role != deal.RoleSeller {
				return &validation.ValidationError{Field: "role", Message: "must be buyer or seller"}
			}
			return nil
		}
	})
	if !ok {
		return
	}
	d, err := h.coord.ClaimRole(c.Request.Context(), c.Param("id"), req.CallerID, req.Role)
	h.respond(c, d, err)
}

// SelectAsset handles POST /v1/deals/:id/asset
func (h *Handler) SelectAsset(c *gin.Context) {
	req, ok := bindCommand(c, requireValue("value"))
	if !ok {
		return
	}
	d, err := h.coord.SelectAsset(c.Request.Context(), c.Param("id"), req.CallerID, req.Value)
	h.respond(c, d, err)
}

// SubmitAmount handles POST /v1/deals/:id/amount
func (h *Handler) SubmitAmount(c *gin.Context) {
	req, ok := bindCommand(c, requireValue("value"))
	if !ok {
		return
	}
	d, err := h.coord.SubmitAmount(c.Request.Context(), c.Param("id"), req.CallerID, req.Value)
	h.respond(c, d, err)
}

// SubmitRate handles POST /v1/deals/:id/rate
func (h *Handler) SubmitRate(c *gin.Context) {
	req, ok := bindCommand(c, requireValue("value"))
	if !ok {
		return
	}
	d, err := h.coord.SubmitRate(c.Request.Context(), c.Param("id"), req.CallerID, req.Value)
	h.respond(c, d, err)
}

// SubmitPaymentMethod handles POST /v1/deals/:id/payment-method
func (h *Handler) SubmitPaymentMethod(c *gin.Context) {
	req, ok := bindCommand(c, requireValue("value"))
	if !ok {
		return
	}
	d, err := h.coord.SubmitPaymentMethod(c.Request.Context(), c.Param("id"), req.CallerID, req.Value)
	h.respond(c, d, err)
}

// SubmitAddress handles POST /v1/deals/:id/address
func (h *Handler) SubmitAddress(c *gin.Context) {
	req, ok := bindCommand(c, requireValue("value"))
	if !ok {
		return
	}
	if req.Role != deal.RoleBuyer && req.Role != deal.RoleSeller {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "role: must be buyer or seller",
		})
		return
	}
	d, err := h.coord.SubmitAddress(c.Request.Context(), c.Param("id"), req.CallerID, req.Role, req.Value)
	h.respond(c, d, err)
}

// RequestRelease handles POST /v1/deals/:id/release
func (h *Handler) RequestRelease(c *gin.Context) {
	req, ok := bindCommand(c)
	if !ok {
		return
	}
	d, token, err := h.coord.RequestRelease(c.Request.Context(), c.Param("id"), req.CallerID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": d, "token": token})
}

// ConfirmRelease handles POST /v1/deals/:id/release/confirm
func (h *Handler) ConfirmRelease(c *gin.Context) {
	req, ok := bindCommand(c, requireToken)
	if !ok {
		return
	}
	d, res, err := h.coord.ConfirmRelease(c.Request.Context(), c.Param("id"), req.CallerID, req.Token)
	h.respondSettlement(c, d, res, err)
}

// RequestRefund handles POST /v1/deals/:id/refund
func (h *Handler) RequestRefund(c *gin.Context) {
	req, ok := bindCommand(c)
	if !ok {
		return
	}
	d, token, err := h.coord.RequestRefund(c.Request.Context(), c.Param("id"), req.CallerID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": d, "token": token})
}

// ConfirmRefund handles POST /v1/deals/:id/refund/confirm
func (h *Handler) ConfirmRefund(c *gin.Context) {
	req, ok := bindCommand(c, requireToken)
	if !ok {
		return
	}
	d, res, err := h.coord.ConfirmRefund(c.Request.Context(), c.Param("id"), req.CallerID, req.Token)
	h.respondSettlement(c, d, res, err)
}

// Reconcile handles POST /v1/deals/:id/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	req, ok := bindCommand(c, func(req *CommandRequest) func() *validation.ValidationError {
		return validation.ValidTxHash("txHash", req.TxHash)
	})
	if !ok {
		return
	}
	outcome, d, err := h.coord.ReconcilePending(c.Request.Context(), c.Param("id"), req.CallerID, req.TxHash)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": outcome, "deal": d})
}

// Status handles GET /v1/status
func (h *Handler) Status(c *gin.Context) {
	s, err := h.coord.Status(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// Balances handles GET /v1/wallet/balances
func (h *Handler) Balances(c *gin.Context) {
	b, err := h.coord.Balances(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "ledger_unavailable",
			"message": "Could not read wallet balances",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": b})
}

func (h *Handler) respond(c *gin.Context, d *deal.Deal, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": d, "nextStep": d.NextStep()})
}

func (h *Handler) respondSettlement(c *gin.Context, d *deal.Deal, res *executor.Result, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": d, "transfer": res})
}

// writeError maps domain errors to status codes.
func writeError(c *gin.Context, err error) {
	var cooldown *deal.CooldownError
	if errors.As(err, &cooldown) {
		c.JSON(http.StatusConflict, gin.H{
			"error":            "cooldown_active",
			"message":          err.Error(),
			"remainingSeconds": int64(cooldown.Remaining.Seconds()),
		})
		return
	}
	if f, ok := executor.AsFailure(err); ok {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":        "transfer_failed",
			"reason":       f.Reason,
			"txHash":       f.TxHash,
			"explorerLink": f.ExplorerLink,
			"message":      err.Error(),
		})
		return
	}

	switch {
	case errors.Is(err, deal.ErrDealNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Deal not found"})
	case errors.Is(err, deal.ErrUnauthorized), errors.Is(err, deal.ErrNotMember), errors.Is(err, deal.ErrWrongIdentity):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, deal.ErrInvalidAddress), errors.Is(err, deal.ErrInvalidAmount),
		errors.Is(err, deal.ErrInvalidRate), errors.Is(err, deal.ErrInvalidMethod),
		errors.Is(err, deal.ErrUnsupportedAsset):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, deal.ErrInvalidStatus), errors.Is(err, deal.ErrWrongStep),
		errors.Is(err, deal.ErrRoleConflict), errors.Is(err, deal.ErrRoomFull),
		errors.Is(err, deal.ErrTransferPending), errors.Is(err, deal.ErrConfirmationMissing),
		errors.Is(err, ErrSettlementInFlight), errors.Is(err, ErrNoPendingTransfer):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	case errors.Is(err, rooms.ErrNoRooms), errors.Is(err, ErrIDSpaceExhausted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no_capacity", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	}
}
