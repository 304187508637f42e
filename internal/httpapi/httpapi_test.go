package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/grailbio/geoserver/internal/config"
	"github.com/grailbio/geoserver/internal/core"
	"github.com/grailbio/geoserver/internal/gendata"
	"github.com/stretchr/testify/require"
)

const fixtureCSV = "H\n" +
	"1,Point,\"10.000000,20.000000\"\n" +
	"2,Line,\"0.000000,0.000000 5.000000,5.000000\"\n" +
	"3,Polygon,\"0.000000,0.000000 10.000000,0.000000 10.000000,10.000000 0.000000,10.000000\"\n"

func newTestRouter(t *testing.T) (http.Handler, *core.Core) {
	t.Helper()
	dataPath := filepath.Join(t.TempDir(), "snapshot.csv")
	require.NoError(t, os.WriteFile(dataPath, []byte(fixtureCSV), 0o644))

	cfgPath := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"DataFile":"`+dataPath+`","GeoLog":"/dev/null","InitialWorkers":2}`), 0o644))
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	c, err := core.New(cfg, gendata.NewRandomGenerator(gendata.DefaultDomain, 1))
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)

	r := NewRouter(c, NewLogger(), func() {})
	return r, c
}

func TestHandleCount(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/count", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "success", body["status"])
	require.Equal(t, float64(3), body["count"])
}

func TestHandleQuerySuccess(t *testing.T) {
	router, _ := newTestRouter(t)
	body := `{"coords":[[-1,-1],[11,-1],[11,11],[-1,11]]}`
	req := httptest.NewRequest(http.MethodGet, "/api/query", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "success", resp["status"])
	data := resp["data"].([]any)
	require.Len(t, data, 3)
}

func TestHandleQueryBadRequest(t *testing.T) {
	router, _ := newTestRouter(t)
	body := `{"coords":[[0,0],[1,1]]}`
	req := httptest.NewRequest(http.MethodGet, "/api/query", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleDeleteOne(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodDelete, "/api/objects/2", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, true, resp["removed"])
}

func TestHandleDeleteRandom(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodDelete, "/api/objects/random?count=2", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, float64(2), resp["achieved"])
}

func TestHandleInsertBatchBadRequest(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/api/objects/batch", strings.NewReader(`{"count":5}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleShutdownInvokesCallback(t *testing.T) {
	dataPath := filepath.Join(t.TempDir(), "snapshot.csv")
	require.NoError(t, os.WriteFile(dataPath, []byte(fixtureCSV), 0o644))
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"DataFile":"`+dataPath+`","GeoLog":"/dev/null","InitialWorkers":2}`), 0o644))
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	c, err := core.New(cfg, gendata.NewRandomGenerator(gendata.DefaultDomain, 1))
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)

	called := make(chan struct{}, 1)
	router := NewRouter(c, NewLogger(), func() { called <- struct{}{} })

	req := httptest.NewRequest(http.MethodPost, "/api/shutdown", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("onShutdown was not invoked")
	}
}
