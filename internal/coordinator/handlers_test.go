package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/middleman/internal/auth"
	"github.com/mbd888/middleman/internal/deal"
	"github.com/mbd888/middleman/internal/executor"
)

const testSecret = "intake-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(h *harness) *gin.Engine {
	r := gin.New()
	handler := NewHandler(h.coord)
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)
	protected := v1.Group("")
	protected.Use(auth.RequireSecret(auth.NewSecret(testSecret)))
	handler.RegisterProtectedRoutes(protected)
	return r
}

func do(t *testing.T, r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderIntakeSecret, testSecret)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func dealPath(id, suffix string) string {
	return "/v1/deals/" + url.PathEscape(id) + suffix
}

func TestHandler_RequiresSecret(t *testing.T) {
	h := newHarness(t)
	r := setupRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/v1/deals", bytes.NewBufferString(`{"initiatorId":101}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_OpenAndGet(t *testing.T) {
	h := newHarness(t)
	r := setupRouter(h)

	w := do(t, r, http.MethodPost, "/v1/deals", OpenRequest{InitiatorID: alice, InitiatorHandle: "alice", CounterpartyHandle: "@bob"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Deal deal.Deal `json:"deal"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, deal.StatusCreated, created.Deal.Status)

	// lower-case id without '#' is normalized
	short := created.Deal.ID[1:]
	w = do(t, r, http.MethodGet, "/v1/deals/"+short, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"nextStep":"roles"`)
}

func TestHandler_OpenValidation(t *testing.T) {
	h := newHarness(t)
	r := setupRouter(h)

	w := do(t, r, http.MethodPost, "/v1/deals", OpenRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "initiatorId")
}

func TestHandler_GetErrors(t *testing.T) {
	h := newHarness(t)
	r := setupRouter(h)

	w := do(t, r, http.MethodGet, "/v1/deals/P2PMMX1234", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodGet, "/v1/deals/garbage", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_SetupFlow(t *testing.T) {
	h := newHarness(t)
	r := setupRouter(h)
	d, err := h.coord.OpenDeal(context.Background(), deal.Party{ID: alice}, "bob")
	require.NoError(t, err)
	id := d.ID

	steps := []struct {
		suffix string
		body   interface{}
	}{
		{"/members", MemberRequest{UserID: alice}},
		{"/members", MemberRequest{UserID: bob}},
		{"/role", CommandRequest{CallerID: alice, Role: deal.RoleBuyer}},
		{"/asset", CommandRequest{CallerID: bob, Value: "usdt"}},
		{"/amount", CommandRequest{CallerID: alice, Value: "100"}},
		{"/rate", CommandRequest{CallerID: bob, Value: "83.5"}},
		{"/payment-method", CommandRequest{CallerID: alice, Value: "upi"}},
		{"/address", CommandRequest{CallerID: alice, Role: deal.RoleBuyer, Value: buyerAddr}},
		{"/address", CommandRequest{CallerID: bob, Role: deal.RoleSeller, Value: sellerAddr}},
	}
	for _, s := range steps {
		w := do(t, r, http.MethodPost, dealPath(id, s.suffix), s.body)
		require.Equal(t, http.StatusOK, w.Code, "%s: %s", s.suffix, w.Body.String())
	}

	stored, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, deal.StatusAwaitingPayment, stored.Status)
	assert.Equal(t, "UPI", stored.PaymentMethod)
}

func TestHandler_ErrorMapping(t *testing.T) {
	h := newHarness(t)
	r := setupRouter(h)
	d := h.funded(t)

	t.Run("cooldown is 409 with remaining seconds", func(t *testing.T) {
		w := do(t, r, http.MethodPost, dealPath(d.ID, "/release"), CommandRequest{CallerID: bob})
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Contains(t, w.Body.String(), `"remainingSeconds":600`)
	})

	t.Run("buyer cannot release", func(t *testing.T) {
		w := do(t, r, http.MethodPost, dealPath(d.ID, "/release"), CommandRequest{CallerID: alice})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("missing token", func(t *testing.T) {
		w := do(t, r, http.MethodPost, dealPath(d.ID, "/release/confirm"), CommandRequest{CallerID: bob})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("bad tx hash on reconcile", func(t *testing.T) {
		w := do(t, r, http.MethodPost, dealPath(d.ID, "/reconcile"), CommandRequest{CallerID: operator, TxHash: "0x12"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("transfer failure is 502 with reason", func(t *testing.T) {
		w := do(t, r, http.MethodPost, dealPath(d.ID, "/refund"), CommandRequest{CallerID: operator})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var resp struct {
			Token string `json:"token"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

		h.exec.err = &executor.Failure{Reason: executor.ReasonInsufficientGas, Err: errors.New("empty")}
		w = do(t, r, http.MethodPost, dealPath(d.ID, "/refund/confirm"), CommandRequest{CallerID: operator, Token: resp.Token})
		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.Contains(t, w.Body.String(), `"reason":"insufficient_gas"`)
	})
}

func TestHandler_ReleaseFlow(t *testing.T) {
	h := newHarness(t)
	r := setupRouter(h)
	d := h.funded(t)
	h.clock.Advance(deal.CooldownPeriod)

	w := do(t, r, http.MethodPost, dealPath(d.ID, "/release"), CommandRequest{CallerID: bob})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)

	w = do(t, r, http.MethodPost, dealPath(d.ID, "/release/confirm"), CommandRequest{CallerID: bob, Token: resp.Token})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"completed"`)
	assert.Contains(t, w.Body.String(), `"transfer"`)
}

func TestHandler_ListAndStatus(t *testing.T) {
	h := newHarness(t)
	r := setupRouter(h)
	h.awaitingPayment(t)

	w := do(t, r, http.MethodGet, "/v1/deals?status=awaiting_payment", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = do(t, r, http.MethodGet, "/v1/deals?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"watches":1`)

	w = do(t, r, http.MethodGet, "/v1/wallet/balances", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"USDT":"500"`)
}
