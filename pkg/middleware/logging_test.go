package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/genbatch/pkg/logging"
)

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(logging.INFO, true)
	logger.SetOutput(&buf)

	router := mux.NewRouter()
	router.Use(RequestLogger(logger))
	router.HandleFunc("/batches/{id}", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Batch not found", http.StatusNotFound)
	})
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/batches/b1", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/health", nil))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1, "health checks are logged at debug level")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "GET", entry["method"])
	assert.Equal(t, "/batches/b1", entry["path"])
	assert.Equal(t, float64(http.StatusNotFound), entry["status"])
}
