// Package httpapi is the HTTP control surface: status, start, stop and a
// websocket feed of dispatch events.
package httpapi

import (
	"context"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"wadispatch/internal/dispatch"
	"wadispatch/internal/eventbus"
	logx "wadispatch/pkg/logx"
)

// Dispatcher is the job controller as seen by the handlers.
type Dispatcher interface {
	Start(ctx context.Context, req dispatch.StartRequest) (dispatch.Result, error)
	Stop(key, remote string) error
	Status() dispatch.Status
}

// Artifacts keeps copies of uploaded files. Optional.
type Artifacts interface {
	Save(kind string, data []byte) (string, error)
}

type Config struct {
	MaxUploadBytes int64
	StaticDir      string
}

const defaultMaxUpload = 10 << 20

// Handler owns the routes. Dispatch jobs run under base, not under the
// request context: a client hanging up does not cancel a job, shutdown does.
type Handler struct {
	d    Dispatcher
	arts Artifacts
	bus  eventbus.Bus
	log  logx.Logger
	base context.Context

	staticDir string
	maxUpload atomic.Int64
	upgrader  websocket.Upgrader
}

func New(base context.Context, cfg Config, d Dispatcher, arts Artifacts, bus eventbus.Bus, log logx.Logger) *Handler {
	if base == nil {
		base = context.Background()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	h := &Handler{
		d:         d,
		arts:      arts,
		bus:       bus,
		log:       log.With(logx.String("comp", "http")),
		base:      base,
		staticDir: cfg.StaticDir,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	h.Apply(cfg)
	return h
}

// Apply updates the live part of the config (upload cap).
func (h *Handler) Apply(cfg Config) {
	n := cfg.MaxUploadBytes
	if n <= 0 {
		n = defaultMaxUpload
	}
	h.maxUpload.Store(n)
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/status", h.handleStatus)
	r.Post("/start", h.handleStart)
	r.Post("/stop", h.handleStop)
	r.Get("/events", h.handleEvents)

	if dir := h.staticDir; dir != "" {
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			r.Handle("/*", http.FileServer(http.Dir(dir)))
		} else {
			h.log.Debug("static dir not served", logx.String("dir", dir))
		}
	}
	return r
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		t0 := time.Now()
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		fields := []logx.Field{
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", status),
			logx.Int("bytes", ww.BytesWritten()),
			logx.String("remote", r.RemoteAddr),
			logx.Duration("took", time.Since(t0)),
		}
		if id := middleware.GetReqID(r.Context()); id != "" {
			fields = append(fields, logx.String("req_id", id))
		}
		switch {
		case status >= 500:
			h.log.Error("http request", fields...)
		case status >= 400:
			h.log.Warn("http request", fields...)
		default:
			h.log.Debug("http request", fields...)
		}
	})
}

func writeText(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(msg))
}
