package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concilia-dev/concilia/internal/models"
	"github.com/concilia-dev/concilia/internal/reconciler"
	"github.com/concilia-dev/concilia/internal/similarity"
	"github.com/concilia-dev/concilia/internal/storage/memory"
)

func newTestServer(t *testing.T) (*Server, *memory.Store) {
	t.Helper()

	store := memory.NewStore()
	engine := reconciler.New(store, reconciler.Config{
		Similarity:   similarity.NewLevenshteinProvider(),
		RetryBackoff: time.Millisecond,
	})
	return New(store, engine, nil, nil, nil), store
}

func seedTarget(t *testing.T, store *memory.Store, id string, amount float64, description, invoice string) {
	t.Helper()
	require.NoError(t, store.CreateTarget(context.Background(), &models.TargetRecord{
		ID:            id,
		TenantID:      "tenant-1",
		Kind:          models.TargetExpense,
		Amount:        decimal.NewFromFloat(amount),
		Date:          time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		Description:   description,
		InvoiceNumber: invoice,
	}))
}

func doRequest(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv.Routes(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestImportAndReconcileFlow(t *testing.T) {
	srv, store := newTestServer(t)
	handler := srv.Routes()

	seedTarget(t, store, "tr-1", 850.50, "Acme office supplies", "INV-2024-001")

	csv := "date,amount,description,reference\n" +
		"2024-03-15,-850.50,ACME OFFICE SUPPLIES INV-2024-001,INV-2024-001\n"

	rec := doRequest(t, handler, http.MethodPost, "/v1/tenants/tenant-1/accounts/acct-1/import", csv)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doRequest(t, handler, http.MethodPost, "/v1/tenants/tenant-1/reconcile", `{"workers":1}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report reconciler.RunReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, int64(1), report.Processed)
	assert.Equal(t, int64(1), report.AutoApplied)
}

func TestGenerateUnknownMovementReturns404(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv.Routes(), http.MethodPost, "/v1/tenants/tenant-1/movements/nope/suggestions", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var resp struct {
		Error struct {
			Category string `json:"category"`
			Code     string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "not_found", resp.Error.Category)
}

func TestSuggestionLifecycleOverHTTP(t *testing.T) {
	srv, store := newTestServer(t)
	handler := srv.Routes()
	ctx := context.Background()

	// Two partial targets force a split, which always lands in review
	seedTarget(t, store, "tr-1", 100.00, "Vendor split payment one", "")
	seedTarget(t, store, "tr-2", 50.00, "Vendor split payment two", "")
	require.NoError(t, store.CreateMovement(ctx, &models.BankMovement{
		ID:          "mv-1",
		TenantID:    "tenant-1",
		AccountID:   "acct-1",
		Date:        time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		Amount:      decimal.NewFromFloat(-150.00),
		Currency:    "USD",
		Description: "VENDOR SPLIT PAYMENT",
		Fingerprint: "fp-mv-1",
		Status:      models.MovementPending,
	}))

	rec := doRequest(t, handler, http.MethodPost, "/v1/tenants/tenant-1/movements/mv-1/suggestions", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result reconciler.GenerateResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.NotNil(t, result.Suggestion)

	rec = doRequest(t, handler, http.MethodGet, "/v1/tenants/tenant-1/suggestions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var open []*models.Suggestion
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &open))
	require.Len(t, open, 1)

	// Missing actor is rejected before touching the engine
	rec = doRequest(t, handler, http.MethodPost,
		"/v1/tenants/tenant-1/suggestions/"+result.Suggestion.ID+"/apply", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, handler, http.MethodPost,
		"/v1/tenants/tenant-1/suggestions/"+result.Suggestion.ID+"/apply", `{"actor":"user-1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Second apply conflicts
	rec = doRequest(t, handler, http.MethodPost,
		"/v1/tenants/tenant-1/suggestions/"+result.Suggestion.ID+"/apply", `{"actor":"user-1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, handler, http.MethodGet, "/v1/tenants/tenant-1/movements/mv-1/evidence", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var evidence reconciler.Evidence
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &evidence))
	assert.Equal(t, models.MovementMatched, evidence.Movement.Status)
	assert.Len(t, evidence.Links, 2)
}

func TestRejectSuggestionOverHTTP(t *testing.T) {
	srv, store := newTestServer(t)
	handler := srv.Routes()
	ctx := context.Background()

	seedTarget(t, store, "tr-1", 100.00, "Vendor split payment one", "")
	seedTarget(t, store, "tr-2", 50.00, "Vendor split payment two", "")
	require.NoError(t, store.CreateMovement(ctx, &models.BankMovement{
		ID:          "mv-1",
		TenantID:    "tenant-1",
		AccountID:   "acct-1",
		Date:        time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		Amount:      decimal.NewFromFloat(-150.00),
		Currency:    "USD",
		Description: "VENDOR SPLIT PAYMENT",
		Fingerprint: "fp-mv-1",
		Status:      models.MovementPending,
	}))

	rec := doRequest(t, handler, http.MethodPost, "/v1/tenants/tenant-1/movements/mv-1/suggestions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var result reconciler.GenerateResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.NotNil(t, result.Suggestion)

	rec = doRequest(t, handler, http.MethodPost,
		"/v1/tenants/tenant-1/suggestions/"+result.Suggestion.ID+"/reject",
		`{"actor":"user-1","reason":"wrong vendor"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	movement, err := store.GetMovement(ctx, "tenant-1", "mv-1")
	require.NoError(t, err)
	assert.Equal(t, models.MovementPending, movement.Status)
}

func TestExportEndpoint(t *testing.T) {
	srv, store := newTestServer(t)
	handler := srv.Routes()

	require.NoError(t, store.AppendAudit(context.Background(), &models.MatchDecisionAudit{
		ID:               "au-1",
		TenantID:         "tenant-1",
		MovementID:       "mv-1",
		AlgorithmVersion: "v3",
		Outcome:          models.OutcomeAutoApplied,
		Actor:            "system",
	}))

	rec := doRequest(t, handler, http.MethodGet, "/v1/tenants/tenant-1/audit/export?format=csv", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "au-1")

	rec = doRequest(t, handler, http.MethodGet, "/v1/tenants/tenant-1/audit/export?format=xml", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, handler, http.MethodGet, "/v1/tenants/tenant-1/audit/export?from=not-a-time", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecalibrateEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv.Routes(), http.MethodPost, "/v1/tenants/tenant-1/recalibrate", `{}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report struct {
		Adjusted bool `json:"adjusted"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.False(t, report.Adjusted)
}
