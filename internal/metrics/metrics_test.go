package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func TestRecorders(t *testing.T) {
	RecordRequest("GET", "/notifications", 200, 10*time.Millisecond)
	RecordNotificationCreated()
	RecordTransition("acknowledged")
	RecordSweep("ok")
	RecordDelivery("push", "sent", 120*time.Millisecond)
	RecordDelivery("sms", "failed", time.Second)
	StreamOpened()
	StreamClosed("client_gone")
	RecordEventDropped("stream")
	SetPoolQueueDepth(3)
	RecordRateLimitRejection()
	SetBreakerState("sms", 1)
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/notifications/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest("GET", "/notifications/abc", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("expected 418, got %d", rec.Code)
	}

	metricsRec := httptest.NewRecorder()
	Handler().ServeHTTP(metricsRec, httptest.NewRequest("GET", "/metrics", nil))

	body := metricsRec.Body.String()
	if !strings.Contains(body, `path="/notifications/{id}"`) {
		t.Error("expected route pattern label in metrics output")
	}
	if strings.Contains(body, `path="/notifications/abc"`) {
		t.Error("raw path should not be used as a label")
	}
}

func TestMiddleware_PreservesFlusher(t *testing.T) {
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := w.(http.Flusher); !ok {
			t.Error("wrapped writer should implement http.Flusher")
		}
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/stream", nil))
}

func TestHandler(t *testing.T) {
	if Handler() == nil {
		t.Error("Handler should not return nil")
	}
}
