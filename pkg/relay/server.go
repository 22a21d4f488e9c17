// Package relay bridges one client websocket to one lazily-opened upstream
// recognition websocket per connection, forwarding frames in order and
// annotating completed transcripts with language/direction routing.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parleyvoice/parley/pkg/logging"
	"github.com/parleyvoice/parley/pkg/metrics"
	"github.com/parleyvoice/parley/pkg/redact"
)

// Audio frames arrive continuously while a speaker holds the control;
// per-frame events are sampled instead of recorded one by one.
const frameSampleRate = 0.05

type Server struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger
	obs      metrics.Observer
	frameObs metrics.Observer

	mu      sync.Mutex
	bridges map[string]*bridge

	draining atomic.Bool
}

func NewServer(cfg Config) *Server {
	redact.SetEnabled(cfg.Privacy.RedactPII)
	s := &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:  logging.NewComponentLogger(slog.Default(), "relay"),
		bridges: make(map[string]*bridge),
	}
	s.SetObserver(nil)
	return s
}

// SetObserver installs the metrics sink; nil restores the noop observer.
func (s *Server) SetObserver(obs metrics.Observer) {
	s.obs = metrics.OrNoop(obs)
	s.frameObs = metrics.NewSamplingObserver(s.obs, frameSampleRate)
}

func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.server = &http.Server{
		Addr:              s.cfg.ListenAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           s,
	}
	go func() {
		<-ctx.Done()
		_ = s.server.Close()
	}()
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("relay_server_error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Drain closes every live bridge; used during shutdown.
func (s *Server) Drain() error {
	s.draining.Store(true)
	s.mu.Lock()
	for _, b := range s.bridges {
		b.close()
	}
	s.bridges = make(map[string]*bridge)
	s.mu.Unlock()
	return nil
}

func (s *Server) Stop() error {
	_ = s.Drain()
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.cfg.WSPath {
		// Only one upgrade path is served; anything else gets its socket
		// destroyed without a protocol response.
		s.logger.Warn("upgrade_path_rejected", slog.String("path", r.URL.Path))
		panic(http.ErrAbortHandler)
	}
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	traceID := uuid.NewString()
	b := newBridge(s.cfg.Upstream, traceID, conn, s.logger)
	b.obs = s.obs
	b.frameObs = s.frameObs
	s.mu.Lock()
	s.bridges[traceID] = b
	s.mu.Unlock()

	s.logger.Info("client_connected", slog.String("trace_id", traceID))
	b.clientLoop()
	s.logger.Info("client_disconnected", slog.String("trace_id", traceID))

	s.mu.Lock()
	delete(s.bridges, traceID)
	s.mu.Unlock()
}
