package observability

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danmuck/iolitectl/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)

	RegisterMetrics()
	RegisterMetrics()

	before := testutil.ToFloat64(busMessages.WithLabelValues("KeepAliveRequest"))
	RecordInbound("KeepAliveRequest")
	RecordOutbound("keepalive")
	RecordDropped("unknown-room")
	RecordClose("shutdown")
	RecordAcquire("reused")
	RecordDiscovery(2, 5)
	RecordState("ready", []string{"subscribing", "ready"})

	if got := testutil.ToFloat64(busMessages.WithLabelValues("KeepAliveRequest")); got != before+1 {
		t.Fatalf("unexpected inbound count: %v", got)
	}
	if got := testutil.ToFloat64(sessionState.WithLabelValues("ready")); got != 1 {
		t.Fatalf("ready gauge = %v", got)
	}
	if got := testutil.ToFloat64(sessionState.WithLabelValues("subscribing")); got != 0 {
		t.Fatalf("subscribing gauge = %v", got)
	}
	if got := testutil.ToFloat64(discoveredDevices); got != 5 {
		t.Fatalf("devices gauge = %v", got)
	}
}

func TestStatusRouter(t *testing.T) {
	testlog.Start(t)

	board := &StatusBoard{}
	board.Publish(Status{State: "subscribing"})
	router := NewRouter(board)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", rec.Code)
	}

	board.Publish(Status{State: "ready", Rooms: 1, Devices: 2})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 when ready, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	var st Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Rooms != 1 || st.Devices != 2 || st.UpdatedAt.IsZero() {
		t.Fatalf("unexpected status: %+v", st)
	}

	RecordInbound("QuerySuccess")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "iolitectl_bus_messages_received_total") {
		t.Fatalf("metrics output missing bus counter")
	}
}
