package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/bher20/aquabill/internal/billing"
	"github.com/bher20/aquabill/internal/portal"
	"github.com/bher20/aquabill/internal/storage"
	"github.com/bher20/aquabill/internal/tariff"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	rec, err := tariff.Record(&billing.TariffConfiguration{
		CustomerClass: billing.Domestic,
		Year:          2024,
		Tiers: []billing.TariffTier{
			{Rate: decimal.NewFromInt(10), Limit: billing.Bounded(decimal.NewFromInt(5))},
			{Rate: decimal.NewFromInt(15), Limit: billing.Unbounded()},
		},
	})
	require.NoError(t, err)
	st := storage.NewMemoryWithTariffs([]storage.TariffRecord{rec})
	cached := tariff.NewCachedResolver(tariff.NewStoreResolver(st, nil), tariff.DefaultTTL)
	svc := portal.NewService(st, billing.NewCalculator(cached), portal.WithTariffCache(cached))
	srv := httptest.NewServer(NewMux(svc, nil))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)
	for _, path := range []string{"/healthz", "/livez", "/readyz", "/metrics"} {
		resp, err := srv.Client().Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestDocs(t *testing.T) {
	srv := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL + "/docs/openapi.yaml")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-yaml", resp.Header.Get("Content-Type"))

	var doc struct {
		OpenAPI string         `yaml:"openapi"`
		Paths   map[string]any `yaml:"paths"`
	}
	require.NoError(t, yaml.Unmarshal(body, &doc))
	assert.Equal(t, "3.0.3", doc.OpenAPI)
	for _, p := range []string{
		"/api/v1/bills/calculate",
		"/api/v1/readings",
		"/api/v1/bulk-meters/{id}/reconciliation",
		"/api/v1/tariffs/{class}/{year}",
	} {
		assert.Contains(t, doc.Paths, p)
	}

	resp, err = srv.Client().Get(srv.URL + "/docs/")
	require.NoError(t, err)
	page, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(page), `url: "/docs/openapi.yaml"`)

	resp, err = srv.Client().Get(srv.URL + "/docs/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCalculate(t *testing.T) {
	srv := newTestServer(t)

	resp, body := do(t, srv, http.MethodPost, "/api/v1/bills/calculate", map[string]any{
		"usage": 8, "customer_class": "Domestic", "sewerage": "No", "meter_size": 0.5, "billing_month": "2024-11",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 95.0, body["total_bill"])
	assert.Equal(t, 95.0, body["base_water_charge"])
	assert.NotContains(t, body, "warning")

	resp, body = do(t, srv, http.MethodPost, "/api/v1/bills/calculate", map[string]any{
		"usage": 8, "customer_class": "Non-domestic", "billing_month": "2024-11",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0.0, body["total_bill"])
	assert.Equal(t, string(billing.WarningTariffNotFound), body["warning"])
}

func TestCalculate_BadRequests(t *testing.T) {
	srv := newTestServer(t)
	cases := map[string]map[string]any{
		"missing usage":  {"customer_class": "Domestic", "billing_month": "2024-11"},
		"bad class":      {"usage": 1, "customer_class": "Farm", "billing_month": "2024-11"},
		"bad month":      {"usage": 1, "customer_class": "Domestic", "billing_month": "2024-13"},
		"bad sewerage":   {"usage": 1, "customer_class": "Domestic", "billing_month": "2024-11", "sewerage": "maybe"},
		"negative usage": {"usage": -1, "customer_class": "Domestic", "billing_month": "2024-11"},
		"unknown field":  {"usage": 1, "customer_class": "Domestic", "billing_month": "2024-11", "discount": 5},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp, out := do(t, srv, http.MethodPost, "/api/v1/bills/calculate", body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestPortalFlow(t *testing.T) {
	srv := newTestServer(t)

	resp, bm := do(t, srv, http.MethodPost, "/api/v1/bulk-meters", map[string]any{
		"name": "Block A", "meter_number": "BM-1", "customer_class": "Domestic", "meter_size": 0.5,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	bulkID := bm["id"].(string)

	resp, cust := do(t, srv, http.MethodPost, "/api/v1/customers", map[string]any{
		"name": "Flat 1", "meter_number": "A1", "customer_class": "domestic", "meter_size": 0.5, "bulk_meter_id": bulkID,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	custID := cust["id"].(string)

	resp, _ = do(t, srv, http.MethodPost, "/api/v1/customers", map[string]any{
		"name": "Dup", "meter_number": "A1", "customer_class": "Domestic", "meter_size": 0.5,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/api/v1/customers", map[string]any{
		"name": "Orphan", "meter_number": "A2", "customer_class": "Domestic", "meter_size": 0.5, "bulk_meter_id": uuid.NewString(),
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodGet, "/api/v1/customers/"+custID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, srv, http.MethodGet, "/api/v1/customers/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, out := do(t, srv, http.MethodPost, "/api/v1/readings", map[string]any{
		"meter_kind": "customer", "meter_id": custID, "month": "2024-11", "previous": 100, "current": 108,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	bill := out["bill"].(map[string]any)
	assert.Equal(t, 95.0, bill["total_bill"])
	assert.Equal(t, "Unpaid", bill["payment_status"])
	billID := bill["id"].(string)

	resp, _ = do(t, srv, http.MethodPost, "/api/v1/readings", map[string]any{
		"meter_kind": "customer", "meter_id": custID, "month": "2024-11", "previous": 108, "current": 100,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, out = do(t, srv, http.MethodPost, "/api/v1/bills/"+billID+"/pay", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Paid", out["payment_status"])
	assert.NotEmpty(t, out["paid_at"])

	resp, _ = do(t, srv, http.MethodPost, "/api/v1/bills/"+uuid.NewString()+"/pay", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err := srv.Client().Get(srv.URL + "/api/v1/bills?status=Paid&month=2024-11")
	require.NoError(t, err)
	var bills []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&bills))
	resp.Body.Close()
	assert.Len(t, bills, 1)

	resp, _ = do(t, srv, http.MethodGet, "/api/v1/bills?status=Overdue", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/api/v1/readings", map[string]any{
		"meter_kind": "bulk", "meter_id": bulkID, "month": "2024-11", "previous": 0, "current": 20,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, out = do(t, srv, http.MethodGet, "/api/v1/bulk-meters/"+bulkID+"/reconciliation?month=2024-11", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 12.0, out["difference_usage"])
	assert.Equal(t, 180.0, out["difference_bill"])
	assert.Equal(t, []any{}, out["missing_customer_ids"])

	resp, _ = do(t, srv, http.MethodGet, "/api/v1/bulk-meters/"+bulkID+"/reconciliation?month=Nov", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTariffEndpoints(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := do(t, srv, http.MethodGet, "/api/v1/tariffs/domestic/2024", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, srv, http.MethodGet, "/api/v1/tariffs/domestic/1999", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = do(t, srv, http.MethodGet, "/api/v1/tariffs/farm/2024", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Warm the cache, then raise the top tier and check the new rate is used.
	_, before := do(t, srv, http.MethodPost, "/api/v1/bills/calculate", map[string]any{
		"usage": 8, "customer_class": "Domestic", "billing_month": "2024-11",
	})
	assert.Equal(t, 95.0, before["total_bill"])

	resp, _ = do(t, srv, http.MethodPut, "/api/v1/tariffs/Domestic/2024", map[string]any{
		"tiers": []map[string]any{{"rate": 10, "limit": 5}, {"rate": 20, "limit": "unbounded"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, after := do(t, srv, http.MethodPost, "/api/v1/bills/calculate", map[string]any{
		"usage": 8, "customer_class": "Domestic", "billing_month": "2024-11",
	})
	assert.Equal(t, 110.0, after["total_bill"])

	resp, _ = do(t, srv, http.MethodPut, "/api/v1/tariffs/Domestic/2024", map[string]any{
		"year": 2025, "tiers": []map[string]any{{"rate": 10}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPut, "/api/v1/tariffs/Domestic/2025", map[string]any{
		"tiers": []map[string]any{{"rate": 10, "limit": 5}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "last tier must be unbounded")
}
