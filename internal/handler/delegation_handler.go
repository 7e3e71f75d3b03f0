package handler

import (
	"net/http"

	"posapproval/internal/middleware"
	"posapproval/internal/model"
	"posapproval/internal/service"
	"posapproval/pkg/response"

	"github.com/gin-gonic/gin"
)

type DelegationHandler struct {
	registry service.DelegationRegistry
}

func NewDelegationHandler(registry service.DelegationRegistry) *DelegationHandler {
	return &DelegationHandler{registry: registry}
}

func (h *DelegationHandler) RegisterRoutes(router *gin.RouterGroup) {
	delegations := router.Group("/delegations")
	{
		delegations.POST("", middleware.RequireTier(model.MinApprovalTier), h.Grant)
		delegations.GET("/active", h.ListActive)
		delegations.GET("/eligible-delegates", middleware.RequireTier(model.MinApprovalTier), h.EligibleDelegates)
		delegations.POST("/:id/revoke", h.Revoke)
	}
}

// Grant handles POST /delegations
// @Summary      Delegate approval authority
// @Description  Grants the delegate authority up to max_tier for a window. An active delegation for the same pair is replaced.
// @Tags         delegations
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        payload  body      service.GrantDelegationRequest  true  "Delegation"
// @Success      201      {object}  response.Response{data=model.Delegation}
// @Failure      400      {object}  response.Response
// @Failure      403      {object}  response.Response
// @Router       /delegations [post]
func (h *DelegationHandler) Grant(c *gin.Context) {
	principal, ok := caller(c)
	if !ok {
		return
	}
	var req service.GrantDelegationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	d, err := h.registry.Grant(c.Request.Context(), principal.ID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, d))
}

// ListActive handles GET /delegations/active
// @Summary      Delegations in effect
// @Description  Lists delegations involving the caller; admins may pass all=true
// @Tags         delegations
// @Produce      json
// @Security     BearerAuth
// @Param        all  query     bool  false  "Every active delegation (admin only)"
// @Success      200  {object}  response.Response{data=[]model.Delegation}
// @Router       /delegations/active [get]
func (h *DelegationHandler) ListActive(c *gin.Context) {
	principal, ok := caller(c)
	if !ok {
		return
	}
	all := c.Query("all") == "true" && principal.Role == model.RoleAdmin

	list, err := h.registry.ListActive(c.Request.Context(), principal.ID, all)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, list))
}

// EligibleDelegates handles GET /delegations/eligible-delegates
// @Summary      Users the caller may delegate to
// @Tags         delegations
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  response.Response{data=[]service.EligibleDelegate}
// @Router       /delegations/eligible-delegates [get]
func (h *DelegationHandler) EligibleDelegates(c *gin.Context) {
	principal, ok := caller(c)
	if !ok {
		return
	}

	list, err := h.registry.EligibleDelegates(c.Request.Context(), principal.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, list))
}

// Revoke handles POST /delegations/:id/revoke
// @Summary      Revoke a delegation
// @Tags         delegations
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Delegation ID"
// @Success      200  {object}  response.Response{data=model.Delegation}
// @Failure      403  {object}  response.Response
// @Failure      404  {object}  response.Response
// @Router       /delegations/{id}/revoke [post]
func (h *DelegationHandler) Revoke(c *gin.Context) {
	principal, ok := caller(c)
	if !ok {
		return
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	d, err := h.registry.Revoke(c.Request.Context(), id, principal.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, d))
}
