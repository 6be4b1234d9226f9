package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/collectex/internal/crypto"
	"github.com/alanyoungcy/collectex/internal/domain"
	"github.com/alanyoungcy/collectex/internal/exchange"
	"github.com/alanyoungcy/collectex/internal/platform/registry"
	"github.com/alanyoungcy/collectex/internal/server/handler"
	"github.com/alanyoungcy/collectex/internal/service"
)

// Hardhat development accounts #0 and #1.
const (
	aliceKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	bobKey   = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

var (
	tokenT   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	govToken = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	admin    = common.HexToAddress("0x0000000000000000000000000000000000000001")
	artist   = common.HexToAddress("0x0000000000000000000000000000000000000021")
)

var _ handler.ExchangeAPI = (*service.ExchangeService)(nil)

type testEnv struct {
	handler http.Handler
	bank    *registry.Bank
	reg     *registry.Registry
	alice   *crypto.Signer
	bob     *crypto.Signer
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("connection refused") }

func newEnv(t *testing.T, requireSignatures bool) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.NewRegistry()
	bank := registry.NewBank()
	acl := registry.NewACL()
	acl.Grant(admin, domain.CapabilityAdmin)
	require.NoError(t, reg.CreateItem(1, domain.RoyaltyShare{Receiver: artist, Rate: 20_000}))

	ex, err := exchange.New(exchange.Config{
		PlatformFeeRate: exchange.DefaultPlatformFeeRate,
		PaymentTokens:   []common.Address{tokenT},
		GovernanceToken: govToken,
	}, reg, bank, acl, logger)
	require.NoError(t, err)
	svc := service.NewExchangeService(ex, nil, nil, nil, nil, logger)
	require.NoError(t, svc.Bootstrap(context.Background()))

	alice, err := crypto.NewSigner(aliceKey)
	require.NoError(t, err)
	bob, err := crypto.NewSigner(bobKey)
	require.NoError(t, err)

	srv := NewServer(Config{RequireSignatures: requireSignatures}, NewHandlers(svc, logger), nil, nil, logger)
	return &testEnv{handler: srv.Handler(), bank: bank, reg: reg, alice: alice, bob: bob}
}

func (e *testEnv) do(t *testing.T, signer *crypto.Signer, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	r := httptest.NewRequest(method, path, bytes.NewReader(raw))
	if signer != nil {
		headers, err := signer.Headers(method, r.URL.Path, raw, time.Now())
		require.NoError(t, err)
		for k, v := range headers {
			r.Header.Set(k, v)
		}
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, r)
	return rec
}

func (e *testEnv) as(t *testing.T, caller common.Address, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	r := httptest.NewRequest(method, path, bytes.NewReader(raw))
	r.Header.Set(crypto.HeaderAddress, caller.Hex())
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, r)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestBuyFillFlowOverHTTP(t *testing.T) {
	env := newEnv(t, true)
	require.NoError(t, env.bank.Mint(tokenT, env.alice.Address(), domain.NewAmount(1_000)))
	require.NoError(t, env.reg.Mint(env.bob.Address(), 1, domain.NewAmount(1)))

	rec := env.do(t, env.alice, http.MethodPost, "/api/orders", map[string]any{
		"item":          1,
		"payment_token": tokenT.Hex(),
		"unit_price":    "1000",
		"amount":        "1",
		"side":          "buy",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var order domain.Order
	decode(t, rec, &order)
	assert.Equal(t, uint64(1), order.ID)
	assert.Equal(t, env.alice.Address(), order.Owner)

	rec = env.do(t, env.bob, http.MethodPost, "/api/orders/fill-buy", map[string]any{
		"ids":     []uint64{1},
		"amounts": []string{"1"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	bal, err := env.bank.TokenBalanceOf(context.Background(), tokenT, env.bob.Address())
	require.NoError(t, err)
	assert.Equal(t, "977", bal.String())

	rec = env.do(t, nil, http.MethodGet, "/api/royalties/"+artist.Hex(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var claimable struct {
		Claimable []domain.TokenAmount `json:"claimable"`
	}
	decode(t, rec, &claimable)
	require.Len(t, claimable.Claimable, 1)
	assert.Equal(t, "20", claimable.Claimable[0].Amount.String())

	rec = env.do(t, nil, http.MethodGet, "/api/orders/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &order)
	assert.Equal(t, domain.OrderStatusFilled, order.Status)

	rec = env.do(t, env.alice, http.MethodPost, "/api/orders/claim", map[string]any{"ids": []uint64{1}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	items, err := env.reg.ItemBalanceOf(context.Background(), env.alice.Address(), 1)
	require.NoError(t, err)
	assert.Equal(t, "1", items.String())

	rec = env.do(t, nil, http.MethodGet, "/api/orders?owner="+env.alice.Address().Hex()+"&status=filled", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Orders []domain.Order `json:"orders"`
		Total  int            `json:"total"`
	}
	decode(t, rec, &list)
	assert.Equal(t, 1, list.Total)
}

func TestErrorMapping(t *testing.T) {
	env := newEnv(t, true)

	tests := []struct {
		name   string
		signer *crypto.Signer
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unsigned mutation", nil, http.MethodPost, "/api/orders/cancel", map[string]any{"ids": []uint64{1}}, http.StatusUnauthorized, "authorization_error"},
		{"unknown order", nil, http.MethodGet, "/api/orders/42", nil, http.StatusNotFound, "state_error"},
		{"bad order id", nil, http.MethodGet, "/api/orders/abc", nil, http.StatusBadRequest, "validation_error"},
		{"unknown field", env.alice, http.MethodPost, "/api/orders", map[string]any{"bogus": 1}, http.StatusBadRequest, "validation_error"},
		{"insufficient funds", env.alice, http.MethodPost, "/api/orders", map[string]any{
			"item": 1, "payment_token": tokenT.Hex(), "unit_price": "5", "amount": "1", "side": "buy",
		}, http.StatusConflict, "insufficient_balance"},
		{"not admin", env.alice, http.MethodPut, "/api/admin/platform-fee", map[string]any{"rate": 1}, http.StatusForbidden, "authorization_error"},
		{"bad owner", nil, http.MethodGet, "/api/royalties/nope", nil, http.StatusBadRequest, "validation_error"},
		{"bad status", nil, http.MethodGet, "/api/orders?status=weird", nil, http.StatusBadRequest, "validation_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.signer, tt.method, tt.path, tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			var body map[string]string
			decode(t, rec, &body)
			assert.Equal(t, tt.code, body["code"])
		})
	}
}

func TestRoyaltyCapOverHTTP(t *testing.T) {
	env := newEnv(t, false)

	rec := env.as(t, admin, http.MethodPut, "/api/items/1/royalties", map[string]any{
		"shares": []map[string]any{{"receiver": common.HexToAddress("0x31").Hex(), "rate": domain.RateCap}},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	rec = env.as(t, admin, http.MethodPut, "/api/items/1/royalties", map[string]any{
		"shares": []map[string]any{{"receiver": common.HexToAddress("0x31").Hex(), "rate": 100_000}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.as(t, admin, http.MethodGet, "/api/items/1/royalties?sale=1000000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var quote struct {
		Payouts []domain.RoyaltyPayout `json:"payouts"`
	}
	decode(t, rec, &quote)
	require.Len(t, quote.Payouts, 2)
	assert.Equal(t, "20000", quote.Payouts[0].Amount.String())
	assert.Equal(t, "100000", quote.Payouts[1].Amount.String())
}

func TestAdminEndpoints(t *testing.T) {
	env := newEnv(t, false)
	tokenU := common.HexToAddress("0x00000000000000000000000000000000000000a2")

	rec := env.as(t, admin, http.MethodPost, "/api/admin/payment-tokens", map[string]any{"token": tokenU.Hex()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.as(t, admin, http.MethodPut, "/api/admin/platform-fee", map[string]any{"rate": 5_000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.as(t, admin, http.MethodGet, "/api/exchange", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var params struct {
		PlatformFeeRate uint64           `json:"platform_fee_rate"`
		PaymentTokens   []common.Address `json:"payment_tokens"`
	}
	decode(t, rec, &params)
	assert.Equal(t, uint64(5_000), params.PlatformFeeRate)
	assert.Contains(t, params.PaymentTokens, tokenU)

	rec = env.as(t, admin, http.MethodGet, "/api/admin/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report exchange.AuditReport
	decode(t, rec, &report)
	assert.True(t, report.OK)

	rec = env.as(t, artist, http.MethodGet, "/api/admin/audit", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStakingOverHTTP(t *testing.T) {
	env := newEnv(t, true)
	require.NoError(t, env.bank.Mint(govToken, env.alice.Address(), domain.NewAmount(100)))

	rec := env.do(t, env.alice, http.MethodPost, "/api/staking/stake", map[string]any{"amount": "40"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, nil, http.MethodGet, "/api/staking/"+env.alice.Address().Hex()+"/rewards", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Stake       domain.Amount        `json:"stake"`
		TotalStaked domain.Amount        `json:"total_staked"`
		Rewards     []domain.TokenAmount `json:"rewards"`
	}
	decode(t, rec, &out)
	assert.Equal(t, "40", out.Stake.String())
	assert.Equal(t, "40", out.TotalStaked.String())

	rec = env.do(t, env.alice, http.MethodPost, "/api/staking/withdraw", map[string]any{"amount": "50"})
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = env.do(t, env.alice, http.MethodPost, "/api/staking/withdraw", map[string]any{"amount": "40"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	bal, err := env.bank.TokenBalanceOf(context.Background(), govToken, env.alice.Address())
	require.NoError(t, err)
	assert.Equal(t, "100", bal.String())
}

func TestHealthReportsDependencies(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := handler.NewHealthHandler(logger).WithDependency("redis", downPinger{})
	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redis":"down"`)

	env := newEnv(t, true)
	rec = env.do(t, nil, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSignedOrderCannotBeReplayed(t *testing.T) {
	env := newEnv(t, true)
	require.NoError(t, env.bank.Mint(tokenT, env.alice.Address(), domain.NewAmount(2_000)))

	raw, err := json.Marshal(map[string]any{
		"item":          1,
		"payment_token": tokenT.Hex(),
		"unit_price":    "1000",
		"amount":        "1",
		"side":          "buy",
	})
	require.NoError(t, err)
	headers, err := env.alice.Headers(http.MethodPost, "/api/orders", raw, time.Now())
	require.NoError(t, err)

	send := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewReader(raw))
		for k, v := range headers {
			r.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, r)
		return rec
	}

	rec := send()
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = send()
	require.Equal(t, http.StatusUnauthorized, rec.Code, rec.Body.String())
	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "authorization_error", body["code"])

	bal, err := env.bank.TokenBalanceOf(context.Background(), tokenT, env.alice.Address())
	require.NoError(t, err)
	assert.Equal(t, "1000", bal.String())

	rec = env.do(t, nil, http.MethodGet, "/api/orders?owner="+env.alice.Address().Hex(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Total int `json:"total"`
	}
	decode(t, rec, &page)
	assert.Equal(t, 1, page.Total)
}
