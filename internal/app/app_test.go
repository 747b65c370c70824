package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"payment-callback-gateway/config"
	"payment-callback-gateway/internal/adapter/http/handler"
	"payment-callback-gateway/internal/core/domain"
	"payment-callback-gateway/internal/core/ports"
	"payment-callback-gateway/internal/service"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	gatewayMerchant = "M1"
	merchantKey     = "1234567890"
)

// fakeGateway plays the payment gateway: it accepts every placement and
// answers status queries with a settled success.
type fakeGateway struct {
	server  *httptest.Server
	placed  atomic.Int32
	queried atomic.Int32
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{}
	g.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodPost:
			g.placed.Add(1)
			_, _ = io.WriteString(w, `{"response":{"statusCode":200,"message":"Accepted"},"reply":{"transactionID":"gw-place"}}`)
		case http.MethodGet:
			g.queried.Add(1)
			_, _ = io.WriteString(w, `{"response":{"statusCode":200},"reply":{"result":"0","success":"Y","amount":"10.00","currency":"USD","transactionID":"gw-query"}}`)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(g.server.Close)
	return g
}

type testApp struct {
	app      *App
	server   *httptest.Server
	redis    *miniredis.Miniredis
	gateway  *fakeGateway
	admin    string
	operator string
}

func testConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{PublicBaseURL: "https://pay.example.com/"},
		Storage: config.StorageConfig{Driver: "memory"},
		JWT:     config.JWTConfig{Secret: "test-secret-with-enough-entropy", Expiry: time.Hour, Issuer: "pcg-test"},
		AES:     config.AESConfig{Key: strings.Repeat("ab", 32)},
		Gateway: config.GatewayConfig{Timeout: 2 * time.Second},
		Reconcile: config.ReconcileConfig{
			Factor:        1,
			MaxAttempts:   2,
			SweepEnabled:  true,
			SweepInterval: time.Hour,
		},
		Keys:      config.KeysConfig{GraceWindow: 24 * time.Hour, CacheTTL: time.Minute},
		Signature: config.SignatureConfig{CallbackSchemes: []string{"callback-md5-v1"}, RequestScheme: "request-md5-v1", QueryScheme: "query-md5-v1"},
		Callback:  config.CallbackConfig{ReceiptTTL: time.Hour, MaxRetries: 5},
		RateLimit: config.RateLimitConfig{Enabled: true, CallbackLimit: 10000, CallbackWindow: time.Minute, AdminLimit: 10000, AdminWindow: time.Minute},
	}
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := testConfig()
	a, err := Build(context.Background(), cfg, zerolog.Nop(), WithRedis(rdb))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	a.Start(ctx)
	t.Cleanup(func() {
		cancel()
		a.Wait()
		a.Close()
	})

	server := httptest.NewServer(a.Router)
	t.Cleanup(server.Close)

	tokens := service.NewJWTTokenService(cfg.JWT.Secret, cfg.JWT.Expiry, cfg.JWT.Issuer)
	admin, _, err := tokens.Generate("alice", ports.RoleAdmin)
	require.NoError(t, err)
	operator, _, err := tokens.Generate("bob", ports.RoleOperator)
	require.NoError(t, err)

	return &testApp{
		app:      a,
		server:   server,
		redis:    mr,
		gateway:  newFakeGateway(t),
		admin:    admin,
		operator: operator,
	}
}

func (ta *testApp) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ta.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func decodeData(t *testing.T, raw []byte, v any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	require.NoError(t, json.Unmarshal(env.Data, v), string(env.Data))
}

func (ta *testApp) registerMerchant(t *testing.T) {
	t.Helper()
	status, raw := ta.do(t, http.MethodPost, "/api/v1/merchants", ta.admin, map[string]any{
		"id":   "shop-1",
		"name": "Test Shop",
		"mode": "TEST",
		"credentials": []map[string]any{{
			"mode":                "TEST",
			"gateway_merchant_id": gatewayMerchant,
			"gateway_url":         ta.gateway.server.URL,
			"key":                 merchantKey,
		}},
	})
	require.Equal(t, http.StatusCreated, status, string(raw))
}

type txView struct {
	ID             string `json:"id"`
	OrderID        string `json:"order_id"`
	Status         string `json:"status"`
	Amount         string `json:"amount"`
	Version        int64  `json:"version"`
	ManualOverride bool   `json:"manual_override"`
}

func (ta *testApp) initiate(t *testing.T, orderID string) txView {
	t.Helper()
	status, raw := ta.do(t, http.MethodPost, "/api/v1/payments", ta.operator, map[string]any{
		"merchant_id":    "shop-1",
		"order_id":       orderID,
		"client_id":      "C1",
		"amount":         "10.00",
		"currency":       "USD",
		"reply_url":      "https://shop.example.com/return",
		"backoffice_url": "https://shop.example.com/backoffice",
	})
	require.Equal(t, http.StatusCreated, status, string(raw))

	var tx txView
	decodeData(t, raw, &tx)
	return tx
}

func (ta *testApp) get(t *testing.T, id string) txView {
	t.Helper()
	status, raw := ta.do(t, http.MethodGet, "/api/v1/payments/"+id, ta.operator, nil)
	require.Equal(t, http.StatusOK, status, string(raw))
	var tx txView
	decodeData(t, raw, &tx)
	return tx
}

func (ta *testApp) auditActions(t *testing.T, id string) map[domain.AuditAction]int {
	t.Helper()
	status, raw := ta.do(t, http.MethodGet, "/api/v1/payments/"+id+"/audit", ta.operator, nil)
	require.Equal(t, http.StatusOK, status, string(raw))
	var logs []domain.AuditLog
	decodeData(t, raw, &logs)

	counts := make(map[domain.AuditAction]int)
	for _, l := range logs {
		counts[l.Action]++
	}
	return counts
}

// callbackParams builds a gateway notification signed with key.
func callbackParams(t *testing.T, orderID, success, amount, key string) url.Values {
	t.Helper()
	fields := map[string]string{
		domain.ParamMerchantID: gatewayMerchant,
		domain.ParamOrderID:    orderID,
		domain.ParamSuccess:    success,
		domain.ParamAmount:     amount,
		domain.ParamCurrency:   "USD",
		domain.ParamClientID:   "C1",
	}
	scheme, ok := domain.LookupScheme("callback-md5-v1")
	require.True(t, ok)
	sig, err := service.NewSignatureCodec().Compute(scheme, fields, key)
	require.NoError(t, err)

	v := url.Values{}
	for k, val := range fields {
		v.Set(k, val)
	}
	v.Set(domain.ParamSignature, sig)
	return v
}

func (ta *testApp) postCallback(t *testing.T, params url.Values) {
	t.Helper()
	resp, err := http.PostForm(ta.server.URL+handler.CallbackPath, params)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestCallbackFlow(t *testing.T) {
	ta := newTestApp(t)
	ta.registerMerchant(t)

	tx := ta.initiate(t, "ABC123")
	assert.Equal(t, string(domain.TransactionStatusPending), tx.Status)
	assert.Equal(t, "10.00", tx.Amount)
	assert.EqualValues(t, 1, ta.gateway.placed.Load())

	ta.postCallback(t, callbackParams(t, "ABC123", "Y", "10.00", merchantKey))
	settled := ta.get(t, tx.ID)
	assert.Equal(t, string(domain.TransactionStatusSuccess), settled.Status)
	assert.Equal(t, tx.Version+1, settled.Version)

	// Redelivery is acknowledged and changes nothing.
	ta.postCallback(t, callbackParams(t, "ABC123", "Y", "10.00", merchantKey))
	again := ta.get(t, tx.ID)
	assert.Equal(t, settled.Version, again.Version)

	require.Eventually(t, func() bool {
		counts := ta.auditActions(t, tx.ID)
		return counts[domain.AuditActionCallbackAccepted] == 1 && counts[domain.AuditActionPaymentInitiated] == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCallback_OrderIDIsCaseInsensitive(t *testing.T) {
	ta := newTestApp(t)
	ta.registerMerchant(t)

	tx := ta.initiate(t, "ABC123")
	ta.postCallback(t, callbackParams(t, "abc123", "N", "10.00", merchantKey))

	assert.Equal(t, string(domain.TransactionStatusFailed), ta.get(t, tx.ID).Status)
}

func TestCallback_BadSignatureIsAcknowledgedButIgnored(t *testing.T) {
	ta := newTestApp(t)
	ta.registerMerchant(t)

	tx := ta.initiate(t, "ABC123")
	params := callbackParams(t, "ABC123", "Y", "10.00", merchantKey)
	params.Set(domain.ParamAmount, "1000.00")
	ta.postCallback(t, params)

	got := ta.get(t, tx.ID)
	assert.Equal(t, string(domain.TransactionStatusPending), got.Status)
	assert.Equal(t, tx.Version, got.Version)
}

func TestCallback_ConflictingOutcomeKeepsFirst(t *testing.T) {
	ta := newTestApp(t)
	ta.registerMerchant(t)

	tx := ta.initiate(t, "ABC123")
	ta.postCallback(t, callbackParams(t, "ABC123", "Y", "10.00", merchantKey))
	ta.postCallback(t, callbackParams(t, "ABC123", "N", "10.00", merchantKey))

	assert.Equal(t, string(domain.TransactionStatusSuccess), ta.get(t, tx.ID).Status)
	require.Eventually(t, func() bool {
		return ta.auditActions(t, tx.ID)[domain.AuditActionCallbackConflict] == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestConcurrentCallbacks_ExactlyOneApplied(t *testing.T) {
	ta := newTestApp(t)
	ta.registerMerchant(t)
	tx := ta.initiate(t, "ABC123")
	params := callbackParams(t, "ABC123", "Y", "10.00", merchantKey)

	const n = 50
	var (
		wg      sync.WaitGroup
		acked   atomic.Int32
		start   = make(chan struct{})
		payload = params.Encode()
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			resp, err := http.Post(ta.server.URL+handler.CallbackPath, "application/x-www-form-urlencoded", strings.NewReader(payload))
			if err != nil {
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				acked.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, n, acked.Load())

	got := ta.get(t, tx.ID)
	assert.Equal(t, string(domain.TransactionStatusSuccess), got.Status)
	assert.Equal(t, tx.Version+1, got.Version, "exactly one callback may bump the version")

	require.Eventually(t, func() bool {
		return ta.auditActions(t, tx.ID)[domain.AuditActionCallbackAccepted] == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestReconcile(t *testing.T) {
	ta := newTestApp(t)
	ta.registerMerchant(t)
	tx := ta.initiate(t, "ABC124")

	status, raw := ta.do(t, http.MethodPost, "/api/v1/payments/"+tx.ID+"/reconcile", ta.operator, nil)
	require.Equal(t, http.StatusOK, status, string(raw))

	var result struct {
		Transaction   txView `json:"transaction"`
		GatewayStatus string `json:"gateway_status"`
		Attempts      []struct {
			Outcome string `json:"outcome"`
		} `json:"attempts"`
	}
	decodeData(t, raw, &result)
	assert.Equal(t, string(domain.TransactionStatusQuerySuccess), result.Transaction.Status)
	assert.Equal(t, string(domain.GatewayStatusSuccess), result.GatewayStatus)
	require.Len(t, result.Attempts, 1)
	assert.Equal(t, string(domain.AttemptOutcomeApplied), result.Attempts[0].Outcome)
	assert.EqualValues(t, 1, ta.gateway.queried.Load())

	// A settled transaction is no longer eligible.
	status, raw = ta.do(t, http.MethodPost, "/api/v1/payments/"+tx.ID+"/reconcile", ta.operator, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, string(raw), "RC_001")
	assert.EqualValues(t, 1, ta.gateway.queried.Load())
}

func TestSweeperReconcilesStaleTransactions(t *testing.T) {
	ta := newTestApp(t)
	ta.registerMerchant(t)
	tx := ta.initiate(t, "ABC125")

	// Rows younger than the minimum age are left alone.
	queried, err := ta.app.Sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, queried)
	assert.Equal(t, string(domain.TransactionStatusPending), ta.get(t, tx.ID).Status)
}

func TestOverride(t *testing.T) {
	ta := newTestApp(t)
	ta.registerMerchant(t)
	tx := ta.initiate(t, "ABC126")

	body := map[string]any{
		"status":           "CANCELLED",
		"reason":           "customer called support",
		"expected_version": tx.Version,
	}

	status, raw := ta.do(t, http.MethodPost, "/api/v1/payments/"+tx.ID+"/override", ta.operator, body)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Contains(t, string(raw), "SEC_002")

	status, raw = ta.do(t, http.MethodPost, "/api/v1/payments/"+tx.ID+"/override", ta.admin, body)
	require.Equal(t, http.StatusOK, status, string(raw))
	var got txView
	decodeData(t, raw, &got)
	assert.Equal(t, string(domain.TransactionStatusCancelled), got.Status)
	assert.True(t, got.ManualOverride)

	// The version has moved on, so replaying the same request is a conflict.
	status, raw = ta.do(t, http.MethodPost, "/api/v1/payments/"+tx.ID+"/override", ta.admin, body)
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, string(raw), "TX_001")
}

func TestKeyRotation(t *testing.T) {
	ta := newTestApp(t)
	ta.registerMerchant(t)
	first := ta.initiate(t, "ROT-1")

	status, raw := ta.do(t, http.MethodPost, "/api/v1/merchants/shop-1/credentials/rotate", ta.admin, map[string]any{
		"mode": "TEST",
		"key":  "rotated-key-0987",
	})
	require.Equal(t, http.StatusOK, status, string(raw))

	second := ta.initiate(t, "ROT-2")
	ta.postCallback(t, callbackParams(t, "ROT-2", "Y", "10.00", "rotated-key-0987"))
	assert.Equal(t, string(domain.TransactionStatusSuccess), ta.get(t, second.ID).Status)

	// The retired key still verifies inside the grace window.
	ta.postCallback(t, callbackParams(t, "ROT-1", "Y", "10.00", merchantKey))
	assert.Equal(t, string(domain.TransactionStatusSuccess), ta.get(t, first.ID).Status)
}

func TestAuthRequired(t *testing.T) {
	ta := newTestApp(t)

	status, raw := ta.do(t, http.MethodGet, "/api/v1/payments", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Contains(t, string(raw), "SEC_001")

	status, _ = ta.do(t, http.MethodPost, "/api/v1/merchants", ta.operator, map[string]any{})
	assert.Equal(t, http.StatusForbidden, status)
}

func TestHealthAndMetrics(t *testing.T) {
	ta := newTestApp(t)

	status, raw := ta.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(raw), `"redis"`)

	ta.redis.SetError("LOADING")
	status, _ = ta.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	ta.redis.SetError("")

	status, raw = ta.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(raw), "pcg_http_requests_total")
}

func TestBuild_WithoutRedis(t *testing.T) {
	cfg := testConfig()
	a, err := Build(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, "https://pay.example.com/callback/gateway", a.CallbackURL())

	w := httptest.NewRecorder()
	a.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown driver", func(c *config.Config) { c.Storage.Driver = "sqlite" }},
		{"bad aes key", func(c *config.Config) { c.AES.Key = "short" }},
		{"unknown callback scheme", func(c *config.Config) { c.Signature.CallbackSchemes = []string{"nope"} }},
		{"unknown request scheme", func(c *config.Config) { c.Signature.RequestScheme = "nope" }},
		{"bad status mapping", func(c *config.Config) { c.Gateway.ResultMapping = map[string]string{"0": "DONE"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			_, err := Build(context.Background(), cfg, zerolog.Nop())
			assert.Error(t, err)
		})
	}
}
