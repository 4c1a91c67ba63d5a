package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	body := w.Body.String()
	if len(body) == 0 {
		t.Error("Expected non-empty metrics response")
	}

	// Gauges always appear; counters/histograms only after first observation.
	for _, name := range []string{
		"credithub_eventbus_subscribers",
		"credithub_goroutines",
	} {
		if !contains(body, name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}

	// Trigger a counter so we can verify it appears
	PaymentsTotal.WithLabelValues("committed").Inc()

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/metrics", nil)
	r.ServeHTTP(w, req)
	body = w.Body.String()

	if !contains(body, "credithub_payments_total") {
		t.Error("Expected credithub_payments_total after incrementing")
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && searchString(s, substr)
}

func searchString(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func TestMiddleware_PassesThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/test", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/test", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}
