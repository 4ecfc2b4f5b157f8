package handler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prohmpiriya/rentsync/internal/backend"
	"github.com/prohmpiriya/rentsync/internal/billing"
	"github.com/prohmpiriya/rentsync/internal/changefeed"
	"github.com/prohmpiriya/rentsync/internal/collection"
	"github.com/prohmpiriya/rentsync/internal/domain"
	"github.com/prohmpiriya/rentsync/internal/gateway"
	"github.com/prohmpiriya/rentsync/internal/session"
	"github.com/prohmpiriya/rentsync/pkg/logger"
	"github.com/prohmpiriya/rentsync/pkg/middleware"
	"github.com/prohmpiriya/rentsync/pkg/response"
)

const (
	testJWTSecret     = "handler-test-secret"
	testWebhookSecret = "whsec_handler_test"
	ownerID           = "owner-1"
	tenantID          = "tenant-1"
	adminID           = "admin-1"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type envelope struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
	Meta    *response.Meta      `json:"meta"`
}

type fixture struct {
	mem    *backend.Memory
	router *gin.Engine
}

func newFixture(t *testing.T, checks map[string]HealthCheck) *fixture {
	t.Helper()
	broker := changefeed.NewMemoryBroker()
	listener := changefeed.NewListener(broker, changefeed.DefaultListenerConfig(), logger.NewNop(), nil)
	mem := backend.NewMemory(broker)
	store := collection.NewStore(mem.Backend(), listener, collection.DefaultConfig(), logger.NewNop(), nil)
	t.Cleanup(func() {
		store.Close()
		_ = listener.Close()
		_ = broker.Close()
	})

	_, err := mem.Accounts.CreateAccount(context.Background(), domain.Account{
		ID: ownerID, Email: "owner@example.com", Plan: domain.PlanFree, SubscriptionStatus: domain.StatusActive,
	})
	require.NoError(t, err)

	sessions := session.NewStore(mem.Accounts, logger.NewNop())
	gw := gateway.New(mem.Backend(), store, sessions, gateway.DefaultConfig(), logger.NewNop(), nil)
	processor := billing.NewProcessor(mem.Accounts, sessions, billing.NewMemoryDeduper(time.Hour), nil, logger.NewNop(), nil)

	router := NewRouter(RouterConfig{
		JWT:       middleware.JWTConfig{Secret: testJWTSecret},
		CORS:      middleware.DefaultCORSConfig(),
		RateLimit: middleware.DefaultRateLimitConfig(),
	}, Handlers{
		Health:      NewHealthHandler(checks),
		Property:    NewPropertyHandler(gw, nil),
		Lease:       NewLeaseHandler(gw, nil),
		Maintenance: NewMaintenanceHandler(gw, nil),
		Message:     NewMessageHandler(gw, nil),
		Usage:       NewUsageHandler(gw, nil),
		Webhook:     NewWebhookHandler(billing.NewStripeAdapter(testWebhookSecret), processor, nil),
	})
	return &fixture{mem: mem, router: router}
}

func token(t *testing.T, accountID string, role domain.Role) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"account_id": accountID,
		"role":       string(role),
		"exp":        time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

func (f *fixture) do(t *testing.T, method, path, bearer string, body any, headers map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &env)
	}
	return w, env
}

func (f *fixture) createProperty(t *testing.T, name string) domain.Property {
	t.Helper()
	w, env := f.do(t, http.MethodPost, "/api/v1/properties", token(t, ownerID, domain.RoleOwner),
		gateway.PropertyInput{Name: name, Address: "1 Elm St"}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var p domain.Property
	require.NoError(t, json.Unmarshal(env.Data, &p))
	return p
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		checks     map[string]HealthCheck
		path       string
		wantStatus int
	}{
		{name: "liveness", path: "/health", wantStatus: http.StatusOK},
		{
			name:       "ready",
			checks:     map[string]HealthCheck{"postgres": func(context.Context) error { return nil }},
			path:       "/ready",
			wantStatus: http.StatusOK,
		},
		{
			name: "dependency down",
			checks: map[string]HealthCheck{
				"postgres": func(context.Context) error { return nil },
				"redis":    func(context.Context) error { return errors.New("connection refused") },
			},
			path:       "/ready",
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.checks)
			w, _ := f.do(t, http.MethodGet, tt.path, "", nil, nil)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestAPI_RequiresToken(t *testing.T) {
	f := newFixture(t, nil)
	w, env := f.do(t, http.MethodGet, "/api/v1/properties", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "MISSING_TOKEN", env.Error.Code)
}

func TestProperties_CreateListAndQuota(t *testing.T) {
	f := newFixture(t, nil)
	owner := token(t, ownerID, domain.RoleOwner)

	p := f.createProperty(t, "Elm Court")
	assert.Equal(t, ownerID, p.OwnerID)

	w, env := f.do(t, http.MethodGet, "/api/v1/properties", owner, nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NotNil(t, env.Meta)
	assert.Equal(t, string(collection.StateReady), env.Meta.State)
	assert.Equal(t, 1, env.Meta.Total)
	assert.NotEmpty(t, w.Header().Get(HeaderCollectionVersion))

	w, env = f.do(t, http.MethodPost, "/api/v1/properties", owner, gateway.PropertyInput{Name: "Oak House"}, nil)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, response.ErrCodeQuotaDenied, env.Error.Code)
	assert.Equal(t, string(domain.PlanFree), env.Error.Details["plan"])
	assert.Equal(t, 1, f.mem.Properties.Len())
}

func TestProperties_RoleAndHeaderValidation(t *testing.T) {
	f := newFixture(t, nil)
	p := f.createProperty(t, "Elm Court")

	tests := []struct {
		name       string
		method     string
		path       string
		bearer     string
		body       any
		headers    map[string]string
		wantStatus int
	}{
		{
			name:       "tenant cannot create property",
			method:     http.MethodPost,
			path:       "/api/v1/properties",
			bearer:     token(t, tenantID, domain.RoleTenant),
			body:       gateway.PropertyInput{Name: "Mine"},
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "malformed precondition",
			method:     http.MethodPatch,
			path:       "/api/v1/properties/" + p.ID,
			bearer:     token(t, ownerID, domain.RoleOwner),
			body:       map[string]string{"name": "Renamed"},
			headers:    map[string]string{HeaderIfUnmodifiedSince: "yesterday"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "stale precondition",
			method:     http.MethodPatch,
			path:       "/api/v1/properties/" + p.ID,
			bearer:     token(t, ownerID, domain.RoleOwner),
			body:       map[string]string{"name": "Renamed"},
			headers:    map[string]string{HeaderIfUnmodifiedSince: p.UpdatedAt.Add(-time.Hour).Format(time.RFC3339Nano)},
			wantStatus: http.StatusConflict,
		},
		{
			name:       "unknown property",
			method:     http.MethodGet,
			path:       "/api/v1/properties/missing/units",
			bearer:     token(t, ownerID, domain.RoleOwner),
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "bad long-poll version",
			method:     http.MethodGet,
			path:       "/api/v1/properties?after_version=-1",
			bearer:     token(t, ownerID, domain.RoleOwner),
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := f.do(t, tt.method, tt.path, tt.bearer, tt.body, tt.headers)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

func TestMaintenance_Transition(t *testing.T) {
	f := newFixture(t, nil)
	owner := token(t, ownerID, domain.RoleOwner)
	p := f.createProperty(t, "Elm Court")
	base := "/api/v1/properties/" + p.ID + "/maintenance"

	w, env := f.do(t, http.MethodPost, base, owner, gateway.MaintenanceInput{Title: "Leaky tap"}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var req domain.MaintenanceRequest
	require.NoError(t, json.Unmarshal(env.Data, &req))
	assert.Equal(t, domain.MaintenancePending, req.Status)

	tests := []struct {
		name       string
		status     string
		wantStatus int
	}{
		{name: "unknown status", status: "exploded", wantStatus: http.StatusBadRequest},
		{name: "start work", status: string(domain.MaintenanceInProgress), wantStatus: http.StatusOK},
		{name: "back to pending", status: string(domain.MaintenancePending), wantStatus: http.StatusUnprocessableEntity},
		{name: "complete", status: string(domain.MaintenanceCompleted), wantStatus: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := f.do(t, http.MethodPost, base+"/"+req.ID+"/transition", owner, map[string]string{"status": tt.status}, nil)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

func TestMessages_AreImmutable(t *testing.T) {
	f := newFixture(t, nil)
	owner := token(t, ownerID, domain.RoleOwner)
	p := f.createProperty(t, "Elm Court")
	base := "/api/v1/properties/" + p.ID + "/conversations"

	w, env := f.do(t, http.MethodPost, base, owner, gateway.ConversationInput{Subject: "Keys"}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var conv domain.Conversation
	require.NoError(t, json.Unmarshal(env.Data, &conv))

	w, env = f.do(t, http.MethodPost, base+"/"+conv.ID+"/messages", owner, gateway.MessageInput{Body: "Spare set is in the box"}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var msg domain.Message
	require.NoError(t, json.Unmarshal(env.Data, &msg))

	for _, method := range []string{http.MethodPatch, http.MethodDelete} {
		w, env = f.do(t, method, base+"/"+conv.ID+"/messages/"+msg.ID, owner, map[string]string{"body": "edited"}, nil)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, method)
		require.NotNil(t, env.Error)
		assert.Equal(t, response.ErrCodeMessageImmutable, env.Error.Code)
	}
}

func TestAdminBillingEvents(t *testing.T) {
	f := newFixture(t, nil)
	f.createProperty(t, "Elm Court")
	admin := token(t, adminID, domain.RoleAdmin)
	update := domain.BillingUpdate{
		EventID: "evt_admin_1", AccountID: ownerID,
		NewPlan: domain.PlanPremium, NewStatus: domain.StatusActive,
		OccurredAt: time.Now().UTC(),
	}

	w, _ := f.do(t, http.MethodPost, "/api/v1/admin/billing-events", token(t, ownerID, domain.RoleOwner), update, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, env := f.do(t, http.MethodPost, "/api/v1/admin/billing-events", admin, update, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"event_id":"evt_admin_1","status":"applied"}`, string(env.Data))

	w, env = f.do(t, http.MethodPost, "/api/v1/admin/billing-events", admin, update, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"event_id":"evt_admin_1","status":"duplicate"}`, string(env.Data))

	f.createProperty(t, "Oak House")
	assert.Equal(t, 2, f.mem.Properties.Len())

	bad := update
	bad.EventID = "evt_admin_2"
	bad.NewPlan = "platinum"
	w, env = f.do(t, http.MethodPost, "/api/v1/admin/billing-events", admin, bad, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, response.ErrCodeValidationFailed, env.Error.Code)

	ghost := update
	ghost.EventID = "evt_admin_3"
	ghost.AccountID = "nobody"
	w, _ = f.do(t, http.MethodPost, "/api/v1/admin/billing-events", admin, ghost, nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "operators see unknown accounts")
}

func signStripe(t *testing.T, payload []byte) string {
	t.Helper()
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	_, err := fmt.Fprintf(mac, "%d.%s", ts, payload)
	require.NoError(t, err)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func stripePayload(id, eventType, object string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":%q,"object":"event","type":%q,"created":%d,"api_version":"2025-03-31.basil","data":{"object":%s}}`,
		id, eventType, time.Now().Unix(), object,
	))
}

func TestStripeWebhook(t *testing.T) {
	subscription := `{"id":"sub_1","object":"subscription","status":"active","metadata":{"account_id":"owner-1","plan":"enterprise"}}`
	applied := stripePayload("evt_s1", billing.EventSubscriptionUpdated, subscription)

	tests := []struct {
		name       string
		payload    []byte
		signature  func(t *testing.T, payload []byte) string
		wantStatus int
		wantResult string
	}{
		{
			name:       "unsigned",
			payload:    applied,
			signature:  func(*testing.T, []byte) string { return "" },
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "applied",
			payload:    applied,
			signature:  signStripe,
			wantStatus: http.StatusOK,
			wantResult: "applied",
		},
		{
			name:       "redelivered",
			payload:    applied,
			signature:  signStripe,
			wantStatus: http.StatusOK,
			wantResult: "duplicate",
		},
		{
			name:       "unrelated event type",
			payload:    stripePayload("evt_s2", "charge.refunded", `{"id":"ch_1","object":"charge"}`),
			signature:  signStripe,
			wantStatus: http.StatusOK,
			wantResult: "ignored",
		},
		{
			name:       "unknown account",
			payload:    stripePayload("evt_s4", billing.EventSubscriptionUpdated, `{"id":"sub_3","object":"subscription","status":"active","metadata":{"account_id":"nobody","plan":"premium"}}`),
			signature:  signStripe,
			wantStatus: http.StatusOK,
			wantResult: "ignored",
		},
		{
			name:       "missing metadata",
			payload:    stripePayload("evt_s3", billing.EventSubscriptionUpdated, `{"id":"sub_2","object":"subscription","status":"active"}`),
			signature:  signStripe,
			wantStatus: http.StatusOK,
			wantResult: "ignored",
		},
	}

	f := newFixture(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(tt.payload))
			if sig := tt.signature(t, tt.payload); sig != "" {
				req.Header.Set("Stripe-Signature", sig)
			}
			w := httptest.NewRecorder()
			f.router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantResult == "" {
				return
			}
			var env envelope
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
			var result webhookResult
			require.NoError(t, json.Unmarshal(env.Data, &result))
			assert.Equal(t, tt.wantResult, result.Status)
		})
	}

	acct, err := f.mem.Accounts.GetAccount(context.Background(), ownerID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanEnterprise, acct.Plan)
}
