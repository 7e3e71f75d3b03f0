package handler

import (
	"net/http"
	"time"

	"posapproval/internal/middleware"
	"posapproval/internal/model"
	"posapproval/internal/repository"
	"posapproval/internal/service"
	"posapproval/pkg/pagination"
	"posapproval/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type AuditHandler struct {
	auditService service.AuditService
	now          func() time.Time
}

func NewAuditHandler(auditService service.AuditService) *AuditHandler {
	return &AuditHandler{auditService: auditService, now: time.Now}
}

func (h *AuditHandler) RegisterRoutes(router *gin.RouterGroup) {
	group := router.Group("/audit")
	group.Use(middleware.RequireTier(model.TierManager))
	{
		group.GET("", h.GetAuditLog)
		group.GET("/analytics", h.GetAnalytics)
	}
}

// GetAuditLog lists audit entries, newest first
// @Summary      Get the approval audit log
// @Description  Filters by request, actor, override type, outcome and time window
// @Tags         audit
// @Security     BearerAuth
// @Produce      json
// @Param        request_id  query     string  false  "Request ID"
// @Param        actor_id    query     string  false  "Actor ID"
// @Param        type        query     string  false  "Override type"
// @Param        outcome     query     string  false  "Outcome"
// @Param        from        query     string  false  "From (RFC3339)"
// @Param        to          query     string  false  "To (RFC3339)"
// @Param        page        query     int     false  "Page number (default 1)"
// @Param        limit       query     int     false  "Number of items per page (default 20)"
// @Success      200         {object}  response.Response{data=response.Paginated}
// @Failure      400         {object}  response.Response
// @Router       /audit [get]
func (h *AuditHandler) GetAuditLog(c *gin.Context) {
	p := pagination.Parse(c)
	filter := repository.AuditFilter{
		OverrideType: model.OverrideType(c.Query("type")),
		Outcome:      model.AuditOutcome(c.Query("outcome")),
		Page:         p.Page,
		Limit:        p.Limit,
	}

	var ok bool
	if filter.RequestID, ok = queryUUID(c, "request_id"); !ok {
		return
	}
	if filter.ActorID, ok = queryUUID(c, "actor_id"); !ok {
		return
	}
	if filter.From, ok = queryTime(c, "from"); !ok {
		return
	}
	if filter.To, ok = queryTime(c, "to"); !ok {
		return
	}

	entries, total, err := h.auditService.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, response.Paginated{Items: entries, Total: total, Page: p.Page, Limit: p.Limit}))
}

// GetAnalytics summarizes approval activity
// @Summary      Approval analytics
// @Description  Requests by tier and day, decisions by approver and outcome, average response time. Defaults to the last 30 days.
// @Tags         audit
// @Security     BearerAuth
// @Produce      json
// @Param        from  query     string  false  "From (RFC3339)"
// @Param        to    query     string  false  "To (RFC3339)"
// @Success      200   {object}  response.Response{data=model.AnalyticsSummary}
// @Failure      400   {object}  response.Response
// @Router       /audit/analytics [get]
func (h *AuditHandler) GetAnalytics(c *gin.Context) {
	from, ok := queryTime(c, "from")
	if !ok {
		return
	}
	to, ok := queryTime(c, "to")
	if !ok {
		return
	}

	end := h.now().UTC()
	if to != nil {
		end = *to
	}
	start := end.AddDate(0, 0, -30)
	if from != nil {
		start = *from
	}

	summary, err := h.auditService.Analytics(c.Request.Context(), start, end)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, summary))
}

func queryUUID(c *gin.Context, name string) (*uuid.UUID, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid "+name+" format"))
		return nil, false
	}
	return &id, true
}

func queryTime(c *gin.Context, name string) (*time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "invalid "+name+" format, expected RFC3339"))
		return nil, false
	}
	return &t, true
}
