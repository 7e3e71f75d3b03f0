package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"posapproval/internal/middleware"
	"posapproval/internal/model"
	"posapproval/internal/service"
	"posapproval/pkg/apperror"
	"posapproval/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("handler-test-secret")

// stubApprovals answers the calls a test sets up; anything else panics
type stubApprovals struct {
	service.ApprovalService
	create  func(requesterID uuid.UUID, req service.CreateApprovalRequest) (*service.ApprovalResponse, error)
	approve func(id, callerID uuid.UUID, req service.DecisionRequest) (*service.ApprovalResponse, error)
	queue   func(callerID uuid.UUID, req service.QueueRequest) ([]model.ApprovalRequest, int64, error)
}

func (s *stubApprovals) Create(_ context.Context, requesterID uuid.UUID, req service.CreateApprovalRequest) (*service.ApprovalResponse, error) {
	return s.create(requesterID, req)
}

func (s *stubApprovals) Approve(_ context.Context, id, callerID uuid.UUID, req service.DecisionRequest) (*service.ApprovalResponse, error) {
	return s.approve(id, callerID, req)
}

func (s *stubApprovals) Queue(_ context.Context, callerID uuid.UUID, req service.QueueRequest) ([]model.ApprovalRequest, int64, error) {
	return s.queue(callerID, req)
}

type stubTokens struct {
	service.TokenIssuer
	err error
}

func (s *stubTokens) Consume(context.Context, uuid.UUID, service.ConsumeTokenRequest) (*service.ConsumeResult, error) {
	return nil, s.err
}

func newTestRouter(approvals service.ApprovalService, tokens service.TokenIssuer, limiter *middleware.RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	if limiter == nil {
		limiter = middleware.NewRateLimiter(600, 100)
	}
	r := gin.New()
	protected := r.Group("/api", middleware.Authenticate(testSecret))
	NewApprovalHandler(approvals, tokens, limiter).RegisterRoutes(protected)
	return r
}

func bearer(t *testing.T, role string) (string, uuid.UUID) {
	t.Helper()
	user := &model.User{ID: uuid.New(), Username: role, Role: role}
	token, err := middleware.IssueToken(testSecret, "test", time.Hour, user, time.Now())
	require.NoError(t, err)
	return "Bearer " + token, user.ID
}

func call(r http.Handler, method, path, auth, body string) (*httptest.ResponseRecorder, response.Response) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp response.Response
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestCreateApproval(t *testing.T) {
	var gotRequester uuid.UUID
	var gotType model.OverrideType
	approvals := &stubApprovals{create: func(requesterID uuid.UUID, req service.CreateApprovalRequest) (*service.ApprovalResponse, error) {
		gotRequester, gotType = requesterID, req.RequestType
		return &service.ApprovalResponse{ApprovalRequest: model.ApprovalRequest{ReferenceCode: "OVR-TEST", Status: model.StatusPending}}, nil
	}}
	r := newTestRouter(approvals, &stubTokens{}, nil)
	auth, userID := bearer(t, model.RoleCashier)

	w, _ := call(r, http.MethodPost, "/api/approvals", "", `{}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, resp := call(r, http.MethodPost, "/api/approvals", auth,
		`{"request_type":"discount_percent","original_value":"100","requested_value":"85","reason":"price match"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, userID, gotRequester)
	assert.Equal(t, model.OverrideDiscountPercent, gotType)
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "OVR-TEST", data["reference_code"])

	w, _ = call(r, http.MethodPost, "/api/approvals", auth, `{"original_value":"100"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApproveMapsErrorKinds(t *testing.T) {
	lockedUntil := time.Date(2026, 3, 10, 14, 15, 0, 0, time.UTC)
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", apperror.Validation("bad input"), http.StatusBadRequest},
		{"authorization", apperror.Authorization("invalid PIN").WithDetail("remaining_attempts", 2), http.StatusForbidden},
		{"not found", apperror.NotFound("approval request", "x"), http.StatusNotFound},
		{"conflict", apperror.Conflict("request already approved"), http.StatusConflict},
		{"expired", apperror.Expired("credential is locked").WithDetail("locked_until", lockedUntil), http.StatusGone},
		{"rate limit", apperror.RateLimit("daily override quota exhausted"), http.StatusTooManyRequests},
		{"internal", errors.New("pq: connection refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			approvals := &stubApprovals{approve: func(uuid.UUID, uuid.UUID, service.DecisionRequest) (*service.ApprovalResponse, error) {
				return nil, tt.err
			}}
			r := newTestRouter(approvals, &stubTokens{}, nil)
			auth, _ := bearer(t, model.RoleManager)

			w, resp := call(r, http.MethodPost, "/api/approvals/"+uuid.NewString()+"/approve", auth, `{"method":"pin","pin":"1234"}`)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, "error", resp.Status)
			assert.NotContains(t, resp.Error, "connection refused")
		})
	}
}

func TestApproveCarriesErrorDetails(t *testing.T) {
	approvals := &stubApprovals{approve: func(uuid.UUID, uuid.UUID, service.DecisionRequest) (*service.ApprovalResponse, error) {
		return nil, apperror.Authorization("invalid PIN").WithDetail("remaining_attempts", 1)
	}}
	r := newTestRouter(approvals, &stubTokens{}, nil)
	auth, _ := bearer(t, model.RoleManager)

	w, resp := call(r, http.MethodPost, "/api/approvals/"+uuid.NewString()+"/approve", auth, `{"method":"pin","pin":"0000"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, float64(1), resp.Details["remaining_attempts"])
}

func TestApproveRejectsMalformedInput(t *testing.T) {
	approvals := &stubApprovals{approve: func(uuid.UUID, uuid.UUID, service.DecisionRequest) (*service.ApprovalResponse, error) {
		t.Fatal("service must not be reached")
		return nil, nil
	}}
	r := newTestRouter(approvals, &stubTokens{}, nil)
	auth, _ := bearer(t, model.RoleManager)

	w, _ := call(r, http.MethodPost, "/api/approvals/not-a-uuid/approve", auth, `{"method":"pin","pin":"1234"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = call(r, http.MethodPost, "/api/approvals/"+uuid.NewString()+"/approve", auth, `{"method":"badge"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestVerificationRoutesAreRateLimited(t *testing.T) {
	approvals := &stubApprovals{approve: func(uuid.UUID, uuid.UUID, service.DecisionRequest) (*service.ApprovalResponse, error) {
		return nil, apperror.Authorization("invalid PIN")
	}}
	r := newTestRouter(approvals, &stubTokens{}, middleware.NewRateLimiter(1, 2))
	auth, _ := bearer(t, model.RoleManager)
	path := "/api/approvals/" + uuid.NewString() + "/approve"

	for i := 0; i < 2; i++ {
		w, _ := call(r, http.MethodPost, path, auth, `{"method":"pin","pin":"0000"}`)
		assert.Equal(t, http.StatusForbidden, w.Code)
	}
	w, _ := call(r, http.MethodPost, path, auth, `{"method":"pin","pin":"0000"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestQueueNeedsApprovalAuthority(t *testing.T) {
	r := newTestRouter(&stubApprovals{}, &stubTokens{}, nil)
	auth, _ := bearer(t, model.RoleCashier)

	w, _ := call(r, http.MethodGet, "/api/approvals/queue", auth, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestQueueBoundsPaging(t *testing.T) {
	var got []service.QueueRequest
	approvals := &stubApprovals{queue: func(_ uuid.UUID, req service.QueueRequest) ([]model.ApprovalRequest, int64, error) {
		got = append(got, req)
		return nil, 0, nil
	}}
	r := newTestRouter(approvals, &stubTokens{}, nil)
	auth, _ := bearer(t, model.RoleManager)

	w, resp := call(r, http.MethodGet, "/api/approvals/queue?page=0&limit=500&type=void_item", auth, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "success", resp.Status)

	w, _ = call(r, http.MethodGet, "/api/approvals/queue?page=3&limit=-1", auth, "")
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, []service.QueueRequest{
		{RequestType: model.OverrideVoidItem, Page: 1, Limit: 100},
		{Page: 3, Limit: 20},
	}, got)
}

func TestConsumeTokenStatuses(t *testing.T) {
	auth, _ := bearer(t, model.RoleCashier)
	for err, status := range map[error]int{
		apperror.Conflict("token already used"): http.StatusConflict,
		apperror.Expired("token expired"):       http.StatusGone,
	} {
		r := newTestRouter(&stubApprovals{}, &stubTokens{err: err}, nil)
		w, _ := call(r, http.MethodPost, "/api/tokens/consume", auth, `{"token":"abc"}`)
		assert.Equal(t, status, w.Code, err.Error())
	}

	r := newTestRouter(&stubApprovals{}, &stubTokens{}, nil)
	w, _ := call(r, http.MethodPost, "/api/tokens/consume", auth, `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
