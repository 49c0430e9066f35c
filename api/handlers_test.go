package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sleli/tecnotouch/analytics"
	"github.com/sleli/tecnotouch/api"
	"github.com/sleli/tecnotouch/client"
	"github.com/sleli/tecnotouch/config"
	"github.com/sleli/tecnotouch/pipeline"
	"github.com/sleli/tecnotouch/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const fetchPayload = `[
	{"number":"3970","code":"01","type":"EVENTO","dateTime":"17/09/25 19:14:15","text":"IMPRONTA VALIDA"},
	{"number":"3971","code":"02","type":"POS","dateTime":"17/09/25 19:14:20","text":"CREDITO POS: 6.20 euro --- CREDITO: 6.20 euro"}
]`

const importPayload = `[
	{"number":"100","code":"01","type":"EVENTO","dateTime":"17/09/25 19:14:15","text":"IMPRONTA VALIDA"},
	{"number":"101","code":"02","type":"POS","dateTime":"17/09/25 19:14:20","text":"CREDITO POS: 6.20 euro --- CREDITO: 6.20 euro"},
	{"number":"102","code":"01","type":"EVENTO","dateTime":"17/09/25 19:14:23","text":"EROGAZIONE IN CORSO - MOTORE: 80 - PREZZO: 6.20 euro (MARLBORO GOLD TOUCH KS)"},
	{"number":"103","code":"01","type":"EVENTO","dateTime":"17/09/25 19:30:00","text":"TESSERA VALIDA"}
]`

// fakePanel imitates the machine's admin panel for fetch runs.
func fakePanel(t *testing.T) string {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/login_check", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/events2_query", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(fetchPayload))
	})
	mux.HandleFunc("/admin_index_back", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	panelAddr := fakePanel(t)
	mc, err := client.New(config.Machine{IP: panelAddr, Password: "22062", TimeoutSeconds: 5})
	require.NoError(t, err)

	log := zerolog.Nop()
	importer := pipeline.New(store)
	an := analytics.NewService(store)
	broker := api.NewBroker()
	fetcher := api.NewFetcher(mc, importer, an, store, broker, log, 10*time.Second, panelAddr)
	handler := api.NewHandler(store, importer, an, mc, fetcher, broker, log)

	srv := httptest.NewServer(api.NewRouter(handler))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, body string, out any) *http.Response {
	t.Helper()

	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

// =============================================================================
// INGESTION
// =============================================================================

func TestImportEndpoint(t *testing.T) {
	srv := newTestServer(t)

	var out api.ImportResponse
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/import", importPayload, &out)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 4, out.Summary.NewEvents)
	assert.Equal(t, 1, out.Summary.NewSales)
	assert.Equal(t, 1, out.Summary.FinalizedTransactions)

	// Same payload again: nothing new.
	var again api.ImportResponse
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/import", importPayload, &again)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, again.Summary.NewEvents)
}

func TestImportEndpoint_EmptyPayloadIsNoOp(t *testing.T) {
	srv := newTestServer(t)

	var out api.ImportResponse
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/import", "[]", &out)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, out.Message, "no events")
}

func TestImportEndpoint_GarbageRejected(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/import", "<html>", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFetchEndpoint_FullCycle(t *testing.T) {
	// GIVEN: A reachable fake panel
	// WHEN: A fetch run is triggered
	// THEN: It finishes with the panel's events imported
	srv := newTestServer(t)

	var started map[string]string
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/fetch", "", &started)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NotEmpty(t, started["run_id"])

	var status api.FetchStatusDTO
	deadline := time.Now().Add(5 * time.Second)
	for {
		doJSON(t, http.MethodGet, srv.URL+"/api/fetch/status", "", &status)
		if status.LastRun != nil && status.LastRun.FinishedAt != nil {
			break
		}
		require.True(t, time.Now().Before(deadline), "fetch run did not finish")
		time.Sleep(50 * time.Millisecond)
	}

	assert.Equal(t, api.OutcomeOK, status.LastRun.Outcome)
	require.NotNil(t, status.LastRun.Summary)
	assert.Equal(t, 2, status.LastRun.Summary.NewEvents)
	assert.False(t, status.Running)
}

// =============================================================================
// MOTORS
// =============================================================================

func TestMotorEndpoints(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, http.MethodPost, srv.URL+"/api/import", importPayload, nil)

	var reports []analytics.MotorReport
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/motors", "", &reports)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, reports, 1)
	assert.Equal(t, 80, reports[0].MotorID)

	var detail api.MotorDetailDTO
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/motors/80", "", &detail)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, detail.RecentSales, 1)
}

func TestGetMotor_UnknownIs404(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/motors/999", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetMotor_BadIdIs400(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/motors/eighty", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// =============================================================================
// STATISTICS
// =============================================================================

func TestOverviewEndpoint(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, http.MethodPost, srv.URL+"/api/import", importPayload, nil)

	var stats sqlite.OverviewStats
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/stats/overview?date_from=2025-09-17&date_to=2025-09-17", "", &stats)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, stats.TotalSales)
	assert.InDelta(t, 6.20, stats.TotalRevenue, 0.001)
}

func TestOverviewEndpoint_BadDate(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/stats/overview?date_from=17-09-2025", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTransactionsEndpoint_EmptyIsArray(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/transactions")
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.Equal(t, "[]", strings.TrimSpace(string(raw)), "empty list, not null")
}

// =============================================================================
// SERVICE
// =============================================================================

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, http.MethodPost, srv.URL+"/api/import", importPayload, nil)

	var status api.StatusDTO
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/status", "", &status)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 4, status.EventCount)
	assert.NotNil(t, status.LastDownload)
	assert.False(t, status.FetchRunning)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	var health api.HealthDTO
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/health", "", &health)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, health.ServiceOK)
	assert.True(t, health.MachineOnline)
}
