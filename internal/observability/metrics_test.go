package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/mailslot/internal/mailbox"
	"github.com/danmuck/mailslot/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("mailslotd", "GET", "/health", 200, 12*time.Millisecond)
	RecordLinkFrame("link-a", "out", "record")
	RecordWorkerRecord("echo", "ok", 3*time.Millisecond)
	AddWorkerConns(1)
	AddWorkerConns(-1)
}

func TestMailboxObserverTracksPending(t *testing.T) {
	testlog.Start(t)
	obs := NewMailboxObserver("observer-test")
	obs.Registered("a")
	obs.Registered("b")
	obs.Delivered("a", 5*time.Millisecond)
	if got := testutil.ToFloat64(mailboxPending.WithLabelValues("observer-test")); got != 1 {
		t.Fatalf("pending=%v want 1", got)
	}
	obs.Abandoned("b")
	if got := testutil.ToFloat64(mailboxPending.WithLabelValues("observer-test")); got != 0 {
		t.Fatalf("pending=%v want 0", got)
	}
	obs.Dropped(mailbox.DropUnknownSlot)
	got := testutil.ToFloat64(mailboxDropped.WithLabelValues("observer-test", string(mailbox.DropUnknownSlot)))
	if got != 1 {
		t.Fatalf("dropped=%v want 1", got)
	}
}

func TestMailboxObserverWiredIntoMailbox(t *testing.T) {
	testlog.Start(t)
	mb := mailbox.New[*testResponse](mailbox.WithObserver(NewMailboxObserver("observer-wired")))
	req := &testRequest{}
	h, err := mb.RequireResponse(req)
	if err != nil {
		t.Fatalf("require response: %v", err)
	}
	if err := mb.Deliver(&testResponse{slot: req.slot}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if h.State() != mailbox.StateDelivered {
		t.Fatalf("unexpected state %v", h.State())
	}
	got := testutil.ToFloat64(mailboxOutcomes.WithLabelValues("observer-wired", "delivered"))
	if got != 1 {
		t.Fatalf("delivered outcomes=%v want 1", got)
	}
}

func TestAdminRouterServesHealthAndMetrics(t *testing.T) {
	testlog.Start(t)
	r := NewAdminRouter("admin-test", zerolog.Nop(), func() map[string]any {
		return map[string]any{"connections": 2}
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status=%d", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, `"connections":2`) || !strings.Contains(body, `"node":"admin-test"`) {
		t.Fatalf("unexpected health body: %s", body)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "mailslot_http_requests_total") {
		t.Fatalf("metrics body missing http counter")
	}
}

type testRequest struct{ slot string }

func (r *testRequest) MailboxSlot() string { return r.slot }

func (r *testRequest) SetMailboxSlot(slot string) { r.slot = slot }

type testResponse struct{ slot string }

func (r *testResponse) MailboxSlot() string { return r.slot }
