package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"posapproval/internal/events"
	"posapproval/internal/metrics"
	"posapproval/internal/middleware"
	"posapproval/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("hub-test-secret")

type message struct {
	Type    events.Type            `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(testSecret, Options{PingInterval: time.Minute, SendBuffer: 8}, zerolog.Nop(), metrics.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	router := gin.New()
	router.GET("/ws", hub.ServeWs)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, srv
}

func connect(t *testing.T, srv *httptest.Server, user *model.User) *gorillaws.Conn {
	t.Helper()
	token, err := middleware.IssueToken(testSecret, "test", time.Hour, user, time.Now())
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	hello := read(t, conn)
	require.Equal(t, events.TypeConnected, hello.Type)
	return conn
}

func read(t *testing.T, conn *gorillaws.Conn) message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var m message
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func newUser(role, name string) *model.User {
	return &model.User{ID: uuid.New(), Username: name, DisplayName: name, Role: role, IsActive: true}
}

func TestServeWsRejectsMissingOrBadToken(t *testing.T) {
	_, srv := startHub(t)
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := gorillaws.DefaultDialer.Dial(base, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = gorillaws.DefaultDialer.Dial(base+"?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDeliverReachesOnlyRecipients(t *testing.T) {
	hub, srv := startHub(t)
	cashier := newUser(model.RoleCashier, "casey")
	other := newUser(model.RoleCashier, "cory")

	conn := connect(t, srv, cashier)
	otherConn := connect(t, srv, other)
	assert.True(t, hub.IsOnline(cashier.ID))

	requestID := uuid.New()
	require.NoError(t, hub.Deliver(context.Background(), events.Event{
		Type:       events.TypeApproved,
		RequestID:  &requestID,
		Recipients: []uuid.UUID{cashier.ID},
		Payload:    map[string]interface{}{"reference_code": "OVR-1"},
		At:         time.Now(),
	}))

	got := read(t, conn)
	assert.Equal(t, events.TypeApproved, got.Type)
	assert.Equal(t, "OVR-1", got.Payload["reference_code"])

	// a broadcast reaches everyone, and is the next thing the other cashier sees
	require.NoError(t, hub.Deliver(context.Background(), events.Event{Type: events.TypeExpired, At: time.Now()}))
	assert.Equal(t, events.TypeExpired, read(t, otherConn).Type)
	assert.Equal(t, events.TypeExpired, read(t, conn).Type)
}

func TestApproverPresenceIsAnnouncedToCashiers(t *testing.T) {
	hub, srv := startHub(t)
	cashier := newUser(model.RoleCashier, "casey")
	manager := newUser(model.RoleManager, "morgan")

	cashierConn := connect(t, srv, cashier)
	managerConn := connect(t, srv, manager)

	online := read(t, cashierConn)
	assert.Equal(t, events.TypeApproverStatusChange, online.Type)
	assert.Equal(t, manager.ID.String(), online.Payload["user_id"])
	assert.Equal(t, true, online.Payload["online"])
	assert.Equal(t, "manager", online.Payload["tier"])
	assert.True(t, hub.IsOnline(manager.ID))

	require.NoError(t, managerConn.Close())
	offline := read(t, cashierConn)
	assert.Equal(t, events.TypeApproverStatusChange, offline.Type)
	assert.Equal(t, false, offline.Payload["online"])
	assert.False(t, hub.IsOnline(manager.ID))
}

func TestRoleTargetedEvent(t *testing.T) {
	hub, srv := startHub(t)
	lead := newUser(model.RoleShiftLead, "sam")
	leadConn := connect(t, srv, lead)
	cashierConn := connect(t, srv, newUser(model.RoleCashier, "casey"))

	// the cashier hears about the lead first
	assert.Equal(t, events.TypeApproverStatusChange, read(t, cashierConn).Type)

	require.NoError(t, hub.Deliver(context.Background(), events.Event{
		Type:  events.TypeRequestCreated,
		Roles: []string{model.RoleShiftLead},
		At:    time.Now(),
	}))
	assert.Equal(t, events.TypeRequestCreated, read(t, leadConn).Type)

	require.NoError(t, cashierConn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := cashierConn.ReadMessage()
	assert.Error(t, err)
}

func TestPresenceReachesEveryRoleBelowAdmin(t *testing.T) {
	_, srv := startHub(t)
	cashierConn := connect(t, srv, newUser(model.RoleCashier, "casey"))
	adminConn := connect(t, srv, newUser(model.RoleAdmin, "ada"))
	lead := newUser(model.RoleShiftLead, "sam")
	leadConn := connect(t, srv, lead)

	// the admin session is itself an approver; everyone below admin hears about it
	admin := read(t, cashierConn)
	assert.Equal(t, events.TypeApproverStatusChange, admin.Type)
	assert.Equal(t, "admin", admin.Payload["tier"])
	leadSnapshot := read(t, leadConn)
	assert.Equal(t, "admin", leadSnapshot.Payload["tier"])

	assert.Equal(t, lead.ID.String(), read(t, cashierConn).Payload["user_id"])

	area := newUser(model.RoleAreaManager, "avery")
	areaConn := connect(t, srv, area)
	snapshot := map[interface{}]bool{}
	for i := 0; i < 2; i++ {
		m := read(t, areaConn)
		require.Equal(t, events.TypeApproverStatusChange, m.Type)
		snapshot[m.Payload["tier"]] = true
	}
	assert.Equal(t, map[interface{}]bool{"admin": true, "shift_lead": true}, snapshot)

	for _, conn := range []*gorillaws.Conn{cashierConn, leadConn} {
		m := read(t, conn)
		assert.Equal(t, area.ID.String(), m.Payload["user_id"])
		assert.Equal(t, true, m.Payload["online"])
	}

	// admins are not told, and nobody hears about their own session
	require.NoError(t, adminConn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := adminConn.ReadMessage()
	assert.Error(t, err)
	require.NoError(t, areaConn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err = areaConn.ReadMessage()
	assert.Error(t, err)
}
