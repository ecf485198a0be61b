package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/septivank/lifeline-telemetry/internal/db"
	"github.com/septivank/lifeline-telemetry/internal/detector"
	"github.com/septivank/lifeline-telemetry/internal/repository"
)

const validBody = `{
	"device_id": "esp32-01",
	"accel_x": 25.0, "accel_y": 10.0, "accel_z": 5.0,
	"gyro_x": 1.0, "gyro_y": 2.0, "gyro_z": 3.0,
	"latitude": 12.97, "longitude": 77.59, "speed": 42.5
}`

type fakeIngester struct {
	calls    int
	err      error
	panicMsg string
	detector *detector.Detector
}

func (f *fakeIngester) Ingest(_ context.Context, reading db.Reading, _ *zap.Logger) (db.StoredRecord, detector.Verdict, error) {
	f.calls++
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.err != nil {
		return db.StoredRecord{}, detector.Verdict{}, f.err
	}
	record := db.StoredRecord{
		Reading:   reading,
		ID:        int64(f.calls),
		Timestamp: time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC),
	}
	return record, f.detector.Evaluate(reading), nil
}

type fakeProber struct {
	err error
}

func (p *fakeProber) Probe(context.Context) error { return p.err }

func newTestRouter(t *testing.T, ing *fakeIngester, prober *fakeProber) http.Handler {
	t.Helper()
	if ing.detector == nil {
		ing.detector = detector.NewDetector(30, 200)
	}
	logger := zaptest.NewLogger(t)
	h := NewHandler(ing, prober, "lifeline-telemetry", "1.2.3", logger)
	return NewRouter(h, []string{"https://dashboard.example"}, logger)
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rec.Body.String(), err)
	}
}

func TestSensorData_Accepted(t *testing.T) {
	ing := &fakeIngester{}
	router := newTestRouter(t, ing, &fakeProber{})

	rec := do(t, router, http.MethodPost, "/api/v1/iot/sensor-data", validBody, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp IngestResponse
	decode(t, rec, &resp)
	if resp.Status != "success" || resp.RecordID != 1 {
		t.Errorf("Unexpected response %+v", resp)
	}
	if !resp.AccidentDetected || resp.Reason != "high impact" {
		t.Errorf("Expected high impact verdict, got %+v", resp)
	}
	if resp.Timestamp != "2024-03-01T10:30:00Z" {
		t.Errorf("Unexpected timestamp %s", resp.Timestamp)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("Expected a generated request id")
	}
}

func TestSensorData_EchoesRequestID(t *testing.T) {
	router := newTestRouter(t, &fakeIngester{}, &fakeProber{})

	rec := do(t, router, http.MethodPost, "/api/v1/iot/sensor-data", validBody, map[string]string{RequestIDHeader: "req-42"})
	if got := rec.Header().Get(RequestIDHeader); got != "req-42" {
		t.Errorf("Expected request id req-42, got %q", got)
	}
}

func TestSensorData_LegacyPath(t *testing.T) {
	router := newTestRouter(t, &fakeIngester{}, &fakeProber{})

	rec := do(t, router, http.MethodPost, "/iot/send", validBody, nil)
	if rec.Code != http.StatusCreated {
		t.Errorf("Expected 201 on legacy path, got %d", rec.Code)
	}
}

func TestSensorData_MalformedJSON(t *testing.T) {
	ing := &fakeIngester{}
	router := newTestRouter(t, ing, &fakeProber{})

	rec := do(t, router, http.MethodPost, "/api/v1/iot/sensor-data", `{"device_id": `, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
	if ing.calls != 0 {
		t.Errorf("Expected no ingest, got %d calls", ing.calls)
	}
}

func TestSensorData_InvalidReading(t *testing.T) {
	ing := &fakeIngester{}
	router := newTestRouter(t, ing, &fakeProber{})

	body := strings.Replace(validBody, `"latitude": 12.97`, `"latitude": 123.0`, 1)
	rec := do(t, router, http.MethodPost, "/api/v1/iot/sensor-data", body, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422, got %d", rec.Code)
	}

	var resp ErrorResponse
	decode(t, rec, &resp)
	if resp.Field != "latitude" {
		t.Errorf("Expected field latitude, got %+v", resp)
	}
	if ing.calls != 0 {
		t.Errorf("Expected no ingest, got %d calls", ing.calls)
	}
}

func TestSensorData_MissingField(t *testing.T) {
	router := newTestRouter(t, &fakeIngester{}, &fakeProber{})

	body := strings.Replace(validBody, `"speed": 42.5`, `"speed": null`, 1)
	rec := do(t, router, http.MethodPost, "/api/v1/iot/sensor-data", body, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422, got %d", rec.Code)
	}
}

func TestSensorData_UnstorableInputIsClientError(t *testing.T) {
	ing := &fakeIngester{}
	router := newTestRouter(t, ing, &fakeProber{})

	bodies := []string{
		strings.Replace(validBody, `"esp32-01"`, `"esp\u0000x"`, 1),
		strings.Replace(validBody, `"speed": 42.5`, `"speed": 42.5, "timestamp": 1e15`, 1),
	}
	for _, body := range bodies {
		rec := do(t, router, http.MethodPost, "/api/v1/iot/sensor-data", body, nil)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("Expected 422, got %d for %s", rec.Code, body)
		}
	}
	if ing.calls != 0 {
		t.Errorf("Expected no ingest, got %d calls", ing.calls)
	}
}

func TestSensorData_StorageFailure(t *testing.T) {
	ing := &fakeIngester{err: &repository.StorageError{Op: "insert", Err: errors.New("connection reset by peer")}}
	router := newTestRouter(t, ing, &fakeProber{})

	rec := do(t, router, http.MethodPost, "/api/v1/iot/sensor-data", validBody, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", rec.Code)
	}

	var resp ErrorResponse
	decode(t, rec, &resp)
	if resp.Detail != "internal server error" {
		t.Errorf("Expected generic detail, got %q", resp.Detail)
	}
	if strings.Contains(rec.Body.String(), "connection reset") {
		t.Error("Storage cause leaked into response body")
	}
}

func TestSensorData_BodyTooLarge(t *testing.T) {
	ing := &fakeIngester{}
	router := newTestRouter(t, ing, &fakeProber{})

	body := `{"device_id": "` + strings.Repeat("x", MaxBodyBytes) + `"}`
	rec := do(t, router, http.MethodPost, "/api/v1/iot/sensor-data", body, nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413, got %d", rec.Code)
	}
	if ing.calls != 0 {
		t.Errorf("Expected no ingest, got %d calls", ing.calls)
	}
}

func TestSensorData_PanicRecovered(t *testing.T) {
	router := newTestRouter(t, &fakeIngester{panicMsg: "boom"}, &fakeProber{})

	rec := do(t, router, http.MethodPost, "/api/v1/iot/sensor-data", validBody, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", rec.Code)
	}
}

func TestSensorData_WrongMethod(t *testing.T) {
	router := newTestRouter(t, &fakeIngester{}, &fakeProber{})

	rec := do(t, router, http.MethodGet, "/api/v1/iot/sensor-data", "", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		probeErr   error
		wantStatus string
		wantDB     string
	}{
		{
			name:       "healthy",
			wantStatus: "ok",
			wantDB:     "ok",
		},
		{
			name:       "degraded",
			probeErr:   errors.New("dial tcp: connection refused"),
			wantStatus: "degraded",
			wantDB:     "error: dial tcp: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(t, &fakeIngester{}, &fakeProber{err: tt.probeErr})

			for _, path := range []string{"/api/v1/health", "/health"} {
				rec := do(t, router, http.MethodGet, path, "", nil)
				if rec.Code != http.StatusOK {
					t.Fatalf("%s: expected 200, got %d", path, rec.Code)
				}

				var resp HealthResponse
				decode(t, rec, &resp)
				if resp.Status != tt.wantStatus || resp.Details["db"] != tt.wantDB {
					t.Errorf("%s: unexpected response %+v", path, resp)
				}
			}
		})
	}
}

func TestInfo(t *testing.T) {
	router := newTestRouter(t, &fakeIngester{}, &fakeProber{})

	rec := do(t, router, http.MethodGet, "/", "", nil)
	var resp InfoResponse
	decode(t, rec, &resp)
	if resp.Service != "lifeline-telemetry" || resp.Version != "1.2.3" {
		t.Errorf("Unexpected info %+v", resp)
	}
}

func TestCORS_AllowedOrigin(t *testing.T) {
	router := newTestRouter(t, &fakeIngester{}, &fakeProber{})

	rec := do(t, router, http.MethodGet, "/api/v1/health", "", map[string]string{"Origin": "https://dashboard.example"})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://dashboard.example" {
		t.Errorf("Expected allowed origin header, got %q", got)
	}

	rec = do(t, router, http.MethodGet, "/api/v1/health", "", map[string]string{"Origin": "https://evil.example"})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Expected no CORS header for unknown origin, got %q", got)
	}
}
