package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manenim/keyword-coord/pkg/cache"
	"github.com/manenim/keyword-coord/pkg/idempotency"
	"github.com/manenim/keyword-coord/pkg/identity"
	"github.com/manenim/keyword-coord/pkg/lock"
	"github.com/manenim/keyword-coord/pkg/ratelimit"
	"github.com/manenim/keyword-coord/pkg/store"
	"github.com/manenim/keyword-coord/pkg/store/storetest"
	"github.com/manenim/keyword-coord/pkg/usage"
)

type fakeSource struct {
	calls atomic.Int64
	err   error
}

func (f *fakeSource) Keywords(_ context.Context, query string) (json.RawMessage, string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, "", f.err
	}
	return json.RawMessage(`["` + query + ` tips"]`), "fake", nil
}

type fixture struct {
	srv      *Server
	flaky    *storetest.Flaky
	source   *fakeSource
	registry *identity.Registry
}

func newFixture(t *testing.T, quota int64) *fixture {
	t.Helper()
	flaky := storetest.Wrap(store.NewMemory())
	registry := identity.New(flaky, lock.New(flaky), identity.WithWait(200*time.Millisecond, 5*time.Millisecond))
	src := &fakeSource{}
	srv := New(Config{
		Limiter:     ratelimit.New(flaky),
		Registry:    registry,
		Meter:       usage.New(flaky),
		Ledger:      idempotency.New(flaky),
		Cache:       cache.New(flaky),
		Source:      src,
		Billing:     RegistryBilling{Registry: registry},
		RateLimit:   ratelimit.Limit{PerWindow: 100, Window: time.Hour},
		QuotaWindow: usage.Monthly,
		Quota:       quota,
		CacheTTL:    time.Hour,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("# metrics"))
		}),
	})
	return &fixture{srv: srv, flaky: flaky, source: src, registry: registry}
}

func (f *fixture) lookup(user, q string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/keywords?q="+q, nil)
	req.RemoteAddr = "203.0.113.10:5000"
	if user != "" {
		req.Header.Set(HeaderUserID, user)
		req.Header.Set(HeaderUserEmail, user+"@example.com")
	}
	rr := httptest.NewRecorder()
	f.srv.ServeHTTP(rr, req)
	return rr
}

func (f *fixture) webhook(body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/billing", strings.NewReader(body))
	rr := httptest.NewRecorder()
	f.srv.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func TestKeywords_LookupThenCached(t *testing.T) {
	f := newFixture(t, 10)

	rr := f.lookup("u1", "seo")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decode(t, rr)
	assert.Equal(t, false, body["cached"])
	assert.Equal(t, float64(9), body["remaining"])
	assert.NotEmpty(t, rr.Header().Get("X-RateLimit-Limit"))

	rec, err := f.registry.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1@example.com", rec.Email)

	rr = f.lookup("u1", "SEO")
	require.Equal(t, http.StatusOK, rr.Code)
	body = decode(t, rr)
	assert.Equal(t, true, body["cached"])
	assert.Equal(t, float64(9), body["remaining"], "cache hits are free")
	assert.Equal(t, int64(1), f.source.calls.Load())
}

func TestKeywords_QuotaExhausted(t *testing.T) {
	f := newFixture(t, 2)

	assert.Equal(t, http.StatusOK, f.lookup("u1", "a").Code)
	assert.Equal(t, http.StatusOK, f.lookup("u1", "b").Code)
	rr := f.lookup("u1", "c")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("X-Quota-Reset"))
	assert.Equal(t, int64(2), f.source.calls.Load(), "provider is not called once the quota is gone")

	assert.Equal(t, http.StatusOK, f.lookup("u2", "c").Code)
}

func TestKeywords_ProviderFailureCostsNothing(t *testing.T) {
	f := newFixture(t, 1)
	f.source.err = errors.New("upstream down")
	assert.Equal(t, http.StatusBadGateway, f.lookup("u1", "a").Code)

	f.source.err = nil
	assert.Equal(t, http.StatusOK, f.lookup("u1", "a").Code)
}

func TestKeywords_BadRequests(t *testing.T) {
	f := newFixture(t, 10)
	assert.Equal(t, http.StatusUnauthorized, f.lookup("", "a").Code)
	assert.Equal(t, http.StatusBadRequest, f.lookup("u1", "").Code)
}

func TestKeywords_StoreDownFailsLoud(t *testing.T) {
	f := newFixture(t, 10)
	f.flaky.FailOnKey(storetest.OpGet, "entity:", storetest.Unavailable(storetest.OpGet))
	assert.Equal(t, http.StatusServiceUnavailable, f.lookup("u1", "a").Code)
	assert.Zero(t, f.source.calls.Load())
}

func TestKeywords_InactiveAccount(t *testing.T) {
	f := newFixture(t, 10)
	_, _, err := f.registry.GetOrCreate(context.Background(), "u1", identity.Attrs{Status: "suspended"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, f.lookup("u1", "a").Code)
}

func TestBillingWebhook_ExactlyOnce(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	_, _, err := f.registry.GetOrCreate(ctx, "u1", identity.Attrs{})
	require.NoError(t, err)

	ev := `{"id":"evt_1","type":"subscription.updated","user_id":"u1","customer_id":"cus_1","tier":"pro"}`
	rr := f.webhook(ev)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "committed", decode(t, rr)["state"])

	rr = f.webhook(ev)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "duplicate", decode(t, rr)["state"])

	rec, err := f.registry.Lookup(ctx, identity.IndexBillingCustomer, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "pro", rec.Tier)

	rr = f.webhook(`{"id":"evt_2","type":"subscription.canceled","customer_id":"cus_1"}`)
	assert.Equal(t, http.StatusOK, rr.Code)
	rec, err = f.registry.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, identity.TierFree, rec.Tier)
}

func TestBillingWebhook_BusinessFailureIsAcknowledged(t *testing.T) {
	f := newFixture(t, 10)
	rr := f.webhook(`{"id":"evt_9","type":"subscription.updated","user_id":"ghost","tier":"pro"}`)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "business_failure", decode(t, rr)["state"])

	rr = f.webhook(`{"id":"evt_9","type":"subscription.updated","user_id":"ghost","tier":"pro"}`)
	assert.Equal(t, "duplicate", decode(t, rr)["state"])
}

func TestBillingWebhook_InfrastructureFailureAsksForRedelivery(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	_, _, err := f.registry.GetOrCreate(ctx, "u1", identity.Attrs{})
	require.NoError(t, err)

	f.flaky.FailOnKey(storetest.OpSet, "entity:", storetest.Unavailable(storetest.OpSet))
	ev := `{"id":"evt_3","type":"subscription.updated","user_id":"u1","tier":"pro"}`
	rr := f.webhook(ev)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	f.flaky.Heal(storetest.OpSet)
	rr = f.webhook(ev)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "committed", decode(t, rr)["state"])
}

func TestBillingWebhook_Malformed(t *testing.T) {
	f := newFixture(t, 10)
	assert.Equal(t, http.StatusBadRequest, f.webhook(`{`).Code)
	assert.Equal(t, http.StatusBadRequest, f.webhook(`{"type":"subscription.updated"}`).Code)
}

type failingBody struct{}

func (failingBody) Read([]byte) (int, error) { return 0, errors.New("connection reset by peer") }

func TestBillingWebhook_BodyErrors(t *testing.T) {
	f := newFixture(t, 10)

	rr := httptest.NewRecorder()
	f.srv.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/webhooks/billing", failingBody{}))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	huge := `{"id":"evt_big","type":"` + strings.Repeat("x", maxWebhookBody) + `"}`
	assert.Equal(t, http.StatusRequestEntityTooLarge, f.webhook(huge).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, 10)

	rr := httptest.NewRecorder()
	f.srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", decode(t, rr)["status"])

	rr = httptest.NewRecorder()
	f.srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, "# metrics", rr.Body.String())
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("dial tcp: refused") }

func TestHealth_StoreDown(t *testing.T) {
	f := newFixture(t, 10)
	f.srv.cfg.Store = downPinger{}
	rr := httptest.NewRecorder()
	f.srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "unreachable", decode(t, rr)["store"])
}
