package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func isUUIDv4(v string) bool {
	parsed, err := uuid.Parse(v)
	return err == nil && parsed.Version() == 4
}

func TestNormalizeRequestID(t *testing.T) {
	valid := "d4f9cbf0-5b95-4efe-a542-24f55108db4f"
	if got := NormalizeRequestID(valid); got != valid {
		t.Fatalf("expected valid v4 request id to be preserved, got %q", got)
	}

	got := NormalizeRequestID("not-a-uuid")
	if got == "not-a-uuid" {
		t.Fatalf("expected invalid request id to be replaced")
	}
	if !isUUIDv4(got) {
		t.Fatalf("expected generated request id to be uuid v4, got %q", got)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/ping", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	validReqID := "5cd6f88f-fc2d-4d55-a621-d95bdb730394"
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-ID", validReqID)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != validReqID {
		t.Fatalf("expected response request id %q, got %q", validReqID, got)
	}

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-ID", "invalid")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	got := w.Header().Get("X-Request-ID")
	if !isUUIDv4(got) {
		t.Fatalf("expected middleware to set uuid v4, got %q", got)
	}
}

func TestRequestIDReachesHandlerContext(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestIDMiddleware())
	var seen string
	r.GET("/ping", func(c *gin.Context) {
		seen = RequestIDFromContext(c.Request.Context())
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if seen == "" || seen != w.Header().Get("X-Request-ID") {
		t.Fatalf("expected handler context to carry %q, got %q", w.Header().Get("X-Request-ID"), seen)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "TEXT")
	t.Setenv("LOG_OUTPUT", "bogus")
	t.Setenv("LOG_FILE_MAX_BACKUPS", "3")

	cfg, err := LoadConfig("agentboxd")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Format != "text" || cfg.Output != "stdout" || cfg.MaxBackups != 3 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if parseLevel(cfg.Level) != slog.LevelDebug {
		t.Fatalf("expected debug level, got %q", cfg.Level)
	}
	if cfg.FilePath != "./logs/agentboxd.log" {
		t.Fatalf("unexpected default file path %q", cfg.FilePath)
	}
}

func TestEnsureRequestIDKeepsExisting(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	if got := RequestIDFromContext(EnsureRequestID(ctx)); got != "req-1" {
		t.Fatalf("expected existing id to be kept, got %q", got)
	}
	if got := RequestIDFromContext(EnsureRequestID(context.Background())); !isUUIDv4(got) {
		t.Fatalf("expected a fresh uuid v4, got %q", got)
	}
}

func TestDetachOutlivesParent(t *testing.T) {
	parent, cancel := context.WithCancel(WithRequestID(context.Background(), "req-2"))
	detached := Detach(parent)
	cancel()
	if detached.Err() != nil {
		t.Fatalf("detached context must not be cancelled with its parent")
	}
	if got := RequestIDFromContext(detached); got != "req-2" {
		t.Fatalf("expected request id to carry over, got %q", got)
	}
}

func TestComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	ctx := WithRequestID(context.Background(), "req-3")
	ComponentLogger(ctx, "allocator", "box_id", "b1").Info("box ready")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["component"] != "allocator" || line["request_id"] != "req-3" || line["box_id"] != "b1" {
		t.Fatalf("unexpected log attributes: %v", line)
	}

	buf.Reset()
	ComponentLogger(context.Background(), "pool_manager").Info("tick")
	if bytes.Contains(buf.Bytes(), []byte("request_id")) {
		t.Fatalf("expected no request_id without one in context: %s", buf.String())
	}
}

func TestAccessLogQuietPaths(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestIDMiddleware(), AccessLogMiddleware("api_http", "/health"))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/boxes", func(c *gin.Context) { c.Status(http.StatusOK) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	if buf.Len() != 0 {
		t.Fatalf("expected health poll below info level, got %s", buf.String())
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boxes", nil))
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["route"] != "/boxes" || line["request_id"] != w.Header().Get("X-Request-ID") {
		t.Fatalf("unexpected access log: %v", line)
	}
}
