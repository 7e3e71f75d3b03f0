package handler

import (
	"context"
	"net/http"

	"posapproval/internal/middleware"
	"posapproval/internal/model"
	"posapproval/internal/service"
	"posapproval/pkg/pagination"
	"posapproval/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type ApprovalHandler struct {
	approvals service.ApprovalService
	tokens    service.TokenIssuer
	limiter   *middleware.RateLimiter
}

// NewApprovalHandler creates a new ApprovalHandler. limiter guards the routes
// that verify a PIN or TOTP code.
func NewApprovalHandler(approvals service.ApprovalService, tokens service.TokenIssuer, limiter *middleware.RateLimiter) *ApprovalHandler {
	return &ApprovalHandler{approvals: approvals, tokens: tokens, limiter: limiter}
}

// RegisterRoutes sets up the approval lifecycle routes
func (h *ApprovalHandler) RegisterRoutes(router *gin.RouterGroup) {
	verify := h.limiter.Middleware()

	approvals := router.Group("/approvals")
	{
		approvals.POST("", h.Create)
		approvals.GET("/queue", middleware.RequireTier(model.MinApprovalTier), h.Queue)
		approvals.GET("/:id", h.Status)
		approvals.GET("/:id/approvers", h.EligibleApprovers)
		approvals.POST("/:id/approve", verify, h.Approve)
		approvals.POST("/:id/deny", verify, h.Deny)
		approvals.POST("/:id/counter", verify, h.Counter)
		approvals.POST("/:id/cancel", h.Cancel)
		approvals.POST("/:id/counters/:counterId/accept", h.AcceptCounter)
		approvals.POST("/:id/counters/:counterId/decline", h.DeclineCounter)

		approvals.POST("/batch", h.CreateBatch)
		approvals.POST("/batch/:id/approve", verify, h.ApproveBatch)
		approvals.POST("/batch/:id/deny", verify, h.DenyBatch)
		approvals.POST("/batch/:id/consume", h.ConsumeBatch)
	}

	router.POST("/tokens/consume", h.ConsumeToken)
}

// Create handles POST /approvals
// @Summary      Request an override
// @Description  Evaluates the override against threshold rules. Auto-approved requests return their token at once.
// @Tags         approvals
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        payload  body      service.CreateApprovalRequest  true  "Override"
// @Success      201      {object}  response.Response{data=service.ApprovalResponse}
// @Failure      400      {object}  response.Response
// @Router       /approvals [post]
func (h *ApprovalHandler) Create(c *gin.Context) {
	principal, ok := caller(c)
	if !ok {
		return
	}
	var req service.CreateApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	resp, err := h.approvals.Create(c.Request.Context(), principal.ID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, resp))
}

// CreateBatch handles POST /approvals/batch
// @Summary      Request overrides for several line items
// @Tags         approvals
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        payload  body      service.CreateBatchRequest  true  "Batch"
// @Success      201      {object}  response.Response{data=service.ApprovalResponse}
// @Failure      400      {object}  response.Response
// @Router       /approvals/batch [post]
func (h *ApprovalHandler) CreateBatch(c *gin.Context) {
	principal, ok := caller(c)
	if !ok {
		return
	}
	var req service.CreateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	resp, err := h.approvals.CreateBatch(c.Request.Context(), principal.ID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, resp))
}

// Status handles GET /approvals/:id
// @Summary      Poll a request
// @Tags         approvals
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Request ID"
// @Success      200  {object}  response.Response{data=service.ApprovalResponse}
// @Failure      404  {object}  response.Response
// @Router       /approvals/{id} [get]
func (h *ApprovalHandler) Status(c *gin.Context) {
	principal, ok := caller(c)
	if !ok {
		return
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	resp, err := h.approvals.Status(c.Request.Context(), id, principal.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, resp))
}

// Queue handles GET /approvals/queue
// @Summary      Pending requests the caller may act on
// @Tags         approvals
// @Produce      json
// @Security     BearerAuth
// @Param        type   query     string  false  "Override type"
// @Param        page   query     int     false  "Page number"
// @Param        limit  query     int     false  "Page size"
// @Success      200    {object}  response.Response{data=response.Paginated}
// @Failure      403    {object}  response.Response
// @Router       /approvals/queue [get]
func (h *ApprovalHandler) Queue(c *gin.Context) {
	principal, ok := caller(c)
	if !ok {
		return
	}
	p := pagination.Parse(c)

	items, total, err := h.approvals.Queue(c.Request.Context(), principal.ID, service.QueueRequest{
		RequestType: model.OverrideType(c.Query("type")),
		Page:        p.Page,
		Limit:       p.Limit,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, response.Paginated{Items: items, Total: total, Page: p.Page, Limit: p.Limit}))
}

// EligibleApprovers handles GET /approvals/:id/approvers
// @Summary      Who can approve this request
// @Tags         approvals
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Request ID"
// @Success      200  {object}  response.Response{data=[]service.EligibleApprover}
// @Failure      404  {object}  response.Response
// @Router       /approvals/{id}/approvers [get]
func (h *ApprovalHandler) EligibleApprovers(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	approvers, err := h.approvals.EligibleApprovers(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, approvers))
}

// Approve handles POST /approvals/:id/approve
// @Summary      Approve a request
// @Tags         approvals
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      string                   true  "Request ID"
// @Param        payload  body      service.DecisionRequest  true  "Verification"
// @Success      200      {object}  response.Response{data=service.ApprovalResponse}
// @Failure      403      {object}  response.Response
// @Failure      409      {object}  response.Response
// @Failure      410      {object}  response.Response
// @Failure      429      {object}  response.Response
// @Router       /approvals/{id}/approve [post]
func (h *ApprovalHandler) Approve(c *gin.Context) {
	principal, ok := caller(c)
	if !ok {
		return
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	var req service.DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	resp, err := h.approvals.Approve(c.Request.Context(), id, principal.ID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, resp))
}

// Deny handles POST /approvals/:id/deny
// @Summary      Deny a request
// @Tags         approvals
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      string               true  "Request ID"
// @Param        payload  body      service.DenyRequest  true  "Verification and reason"
// @Success      200      {object}  response.Response{data=service.ApprovalResponse}
// @Failure      403      {object}  response.Response
// @Failure      409      {object}  response.Response
// @Router       /approvals/{id}/deny [post]
func (h *ApprovalHandler) Deny(c *gin.Context) {
	principal, ok := caller(c)
	if !ok {
		return
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	var req service.DenyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	resp, err := h.approvals.Deny(c.Request.Context(), id, principal.ID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, resp))
}

// Counter handles POST /approvals/:id/counter
// @Summary      Propose a different price
// @Tags         approvals
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      string                  true  "Request ID"
// @Param        payload  body      service.CounterRequest  true  "Verification and price"
// @Success      200      {object}  response.Response{data=service.ApprovalResponse}
// @Failure      400      {object}  response.Response
// @Failure      409      {object}  response.Response
// @Router       /approvals/{id}/counter [post]
func (h *ApprovalHandler) Counter(c *gin.Context) {
	principal, ok := caller(c)
	if !ok {
		return
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	var req service.CounterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	resp, err := h.approvals.Counter(c.Request.Context(), id, principal.ID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, resp))
}

// AcceptCounter handles POST /approvals/:id/counters/:counterId/accept
// @Summary      Accept a counter-offer
// @Tags         approvals
// @Produce      json
// @Security     BearerAuth
// @Param        id         path      string  true  "Request ID"
// @Param        counterId  path      string  true  "Counter-offer ID"
// @Success      200        {object}  response.Response{data=service.ApprovalResponse}
// @Failure      409        {object}  response.Response
// @Router       /approvals/{id}/counters/{counterId}/accept [post]
func (h *ApprovalHandler) AcceptCounter(c *gin.Context) {
	h.resolveCounter(c, h.approvals.AcceptCounter)
}

// DeclineCounter handles POST /approvals/:id/counters/:counterId/decline
// @Summary      Decline a counter-offer
// @Tags         approvals
// @Produce      json
// @Security     BearerAuth
// @Param        id         path      string  true  "Request ID"
// @Param        counterId  path      string  true  "Counter-offer ID"
// @Success      200        {object}  response.Response{data=service.ApprovalResponse}
// @Failure      409        {object}  response.Response
// @Router       /approvals/{id}/counters/{counterId}/decline [post]
func (h *ApprovalHandler) DeclineCounter(c *gin.Context) {
	h.resolveCounter(c, h.approvals.DeclineCounter)
}

type counterResolution func(ctx context.Context, id, counterID, callerID uuid.UUID) (*service.ApprovalResponse, error)

func (h *ApprovalHandler) resolveCounter(c *gin.Context, resolve counterResolution) {
	principal, ok := caller(c)
	if !ok {
		return
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	counterID, ok := paramUUID(c, "counterId")
	if !ok {
		return
	}

	resp, err := resolve(c.Request.Context(), id, counterID, principal.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, resp))
}

// Cancel handles POST /approvals/:id/cancel
// @Summary      Withdraw an open request
// @Tags         approvals
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Request ID"
// @Success      200  {object}  response.Response{data=service.ApprovalResponse}
// @Failure      409  {object}  response.Response
// @Router       /approvals/{id}/cancel [post]
func (h *ApprovalHandler) Cancel(c *gin.Context) {
	principal, ok := caller(c)
	if !ok {
		return
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	resp, err := h.approvals.Cancel(c.Request.Context(), id, principal.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, resp))
}

// ApproveBatch handles POST /approvals/batch/:id/approve
// @Summary      Approve every item of a batch
// @Tags         approvals
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      string                   true  "Batch ID"
// @Param        payload  body      service.DecisionRequest  true  "Verification"
// @Success      200      {object}  response.Response{data=service.ApprovalResponse}
// @Failure      403      {object}  response.Response
// @Failure      409      {object}  response.Response
// @Router       /approvals/batch/{id}/approve [post]
func (h *ApprovalHandler) ApproveBatch(c *gin.Context) {
	principal, ok := caller(c)
	if !ok {
		return
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	var req service.DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	resp, err := h.approvals.ApproveBatch(c.Request.Context(), id, principal.ID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, resp))
}

// DenyBatch handles POST /approvals/batch/:id/deny
// @Summary      Deny every item of a batch
// @Tags         approvals
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      string               true  "Batch ID"
// @Param        payload  body      service.DenyRequest  true  "Verification and reason"
// @Success      200      {object}  response.Response{data=service.ApprovalResponse}
// @Failure      403      {object}  response.Response
// @Failure      409      {object}  response.Response
// @Router       /approvals/batch/{id}/deny [post]
func (h *ApprovalHandler) DenyBatch(c *gin.Context) {
	principal, ok := caller(c)
	if !ok {
		return
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	var req service.DenyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	resp, err := h.approvals.DenyBatch(c.Request.Context(), id, principal.ID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, resp))
}

// ConsumeBatch handles POST /approvals/batch/:id/consume
// @Summary      Redeem every token of an approved batch at once
// @Tags         tokens
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Batch ID"
// @Success      200  {object}  response.Response{data=service.BatchConsumeResult}
// @Failure      409  {object}  response.Response
// @Failure      410  {object}  response.Response
// @Router       /approvals/batch/{id}/consume [post]
func (h *ApprovalHandler) ConsumeBatch(c *gin.Context) {
	principal, ok := caller(c)
	if !ok {
		return
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	result, err := h.tokens.ConsumeBatch(c.Request.Context(), principal.ID, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, result))
}

// ConsumeToken handles POST /tokens/consume
// @Summary      Redeem an approval token
// @Description  A token redeems exactly once; replays answer 409 and expired tokens 410
// @Tags         tokens
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        payload  body      service.ConsumeTokenRequest  true  "Token"
// @Success      200      {object}  response.Response{data=service.ConsumeResult}
// @Failure      404      {object}  response.Response
// @Failure      409      {object}  response.Response
// @Failure      410      {object}  response.Response
// @Router       /tokens/consume [post]
func (h *ApprovalHandler) ConsumeToken(c *gin.Context) {
	principal, ok := caller(c)
	if !ok {
		return
	}
	var req service.ConsumeTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.tokens.Consume(c.Request.Context(), principal.ID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, result))
}
