package handler

import (
	"net/http"

	"posapproval/internal/middleware"
	"posapproval/internal/model"
	"posapproval/internal/service"
	"posapproval/pkg/response"

	"github.com/gin-gonic/gin"
)

type RuleHandler struct {
	rules      service.RuleService
	exceptions service.ExceptionService
}

// NewRuleHandler serves threshold rules and policy exceptions; both are admin-only
func NewRuleHandler(rules service.RuleService, exceptions service.ExceptionService) *RuleHandler {
	return &RuleHandler{rules: rules, exceptions: exceptions}
}

func (h *RuleHandler) RegisterRoutes(router *gin.RouterGroup) {
	rules := router.Group("/rules", middleware.RequireRole(model.RoleAdmin))
	{
		rules.GET("", h.ListRules)
		rules.GET("/:id", h.GetRule)
		rules.POST("", h.CreateRule)
		rules.PUT("/:id", h.UpdateRule)
		rules.PATCH("/:id/active", h.SetRuleActive)
	}

	exceptions := router.Group("/exceptions", middleware.RequireRole(model.RoleAdmin))
	{
		exceptions.GET("", h.ListExceptions)
		exceptions.POST("", h.CreateException)
		exceptions.POST("/:id/deactivate", h.DeactivateException)
	}
}

type setActiveRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// ListRules handles GET /rules
// @Summary      List threshold rules
// @Tags         rules
// @Produce      json
// @Security     BearerAuth
// @Param        active  query     bool  false  "Only active rules"
// @Success      200     {object}  response.Response{data=[]model.ThresholdRule}
// @Router       /rules [get]
func (h *RuleHandler) ListRules(c *gin.Context) {
	rules, err := h.rules.List(c.Request.Context(), c.Query("active") == "true")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, rules))
}

// GetRule handles GET /rules/:id
// @Summary      Get a threshold rule
// @Tags         rules
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Rule ID"
// @Success      200  {object}  response.Response{data=model.ThresholdRule}
// @Failure      404  {object}  response.Response
// @Router       /rules/{id} [get]
func (h *RuleHandler) GetRule(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	rule, err := h.rules.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, rule))
}

// CreateRule handles POST /rules
// @Summary      Create a threshold rule
// @Tags         rules
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        payload  body      service.RuleRequest  true  "Rule"
// @Success      201      {object}  response.Response{data=model.ThresholdRule}
// @Failure      400      {object}  response.Response
// @Router       /rules [post]
func (h *RuleHandler) CreateRule(c *gin.Context) {
	var req service.RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	rule, err := h.rules.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, rule))
}

// UpdateRule handles PUT /rules/:id
// @Summary      Replace a threshold rule and its levels
// @Tags         rules
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      string               true  "Rule ID"
// @Param        payload  body      service.RuleRequest  true  "Rule"
// @Success      200      {object}  response.Response{data=model.ThresholdRule}
// @Failure      400      {object}  response.Response
// @Failure      404      {object}  response.Response
// @Router       /rules/{id} [put]
func (h *RuleHandler) UpdateRule(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	var req service.RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	rule, err := h.rules.Update(c.Request.Context(), id, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, rule))
}

// SetRuleActive handles PATCH /rules/:id/active
// @Summary      Enable or disable a threshold rule
// @Tags         rules
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      string            true  "Rule ID"
// @Param        payload  body      setActiveRequest  true  "State"
// @Success      200      {object}  response.Response
// @Failure      404      {object}  response.Response
// @Router       /rules/{id}/active [patch]
func (h *RuleHandler) SetRuleActive(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	var req setActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.rules.SetActive(c.Request.Context(), id, *req.Active); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, gin.H{"id": id, "active": *req.Active}))
}

// ListExceptions handles GET /exceptions
// @Summary      List policy exceptions
// @Tags         rules
// @Produce      json
// @Security     BearerAuth
// @Param        active  query     bool  false  "Only active exceptions"
// @Success      200     {object}  response.Response{data=[]model.PolicyException}
// @Router       /exceptions [get]
func (h *RuleHandler) ListExceptions(c *gin.Context) {
	list, err := h.exceptions.List(c.Request.Context(), c.Query("active") == "true")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, list))
}

// CreateException handles POST /exceptions
// @Summary      Exempt a product, category, customer or user from a rule type
// @Tags         rules
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        payload  body      service.CreateExceptionRequest  true  "Exception"
// @Success      201      {object}  response.Response{data=model.PolicyException}
// @Failure      400      {object}  response.Response
// @Router       /exceptions [post]
func (h *RuleHandler) CreateException(c *gin.Context) {
	principal, ok := caller(c)
	if !ok {
		return
	}
	var req service.CreateExceptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	exc, err := h.exceptions.Create(c.Request.Context(), principal.ID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, exc))
}

// DeactivateException handles POST /exceptions/:id/deactivate
// @Summary      Deactivate a policy exception
// @Tags         rules
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Exception ID"
// @Success      200  {object}  response.Response
// @Failure      404  {object}  response.Response
// @Router       /exceptions/{id}/deactivate [post]
func (h *RuleHandler) DeactivateException(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	if err := h.exceptions.Deactivate(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, gin.H{"message": "Exception deactivated"}))
}
