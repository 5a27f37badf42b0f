package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Tick metrics
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamlimit_ticks_total",
			Help: "Total polls processed, by outcome",
		},
		[]string{"outcome"},
	)

	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "streamlimit_tick_duration_seconds",
			Help:    "Poll duration in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 20},
		},
	)

	SessionsObserved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamlimit_sessions_observed_total",
			Help: "Sessions reported by the media server, by state",
		},
		[]string{"state"},
	)

	// Segment metrics
	SegmentsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "streamlimit_segments_created_total",
			Help: "Total segments created",
		},
	)

	SegmentsSaturated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "streamlimit_segments_saturated_total",
			Help: "Total segments closed off after a disconnect gap",
		},
	)

	// Enforcement metrics
	Terminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamlimit_terminations_total",
			Help: "Total terminate decisions, by reason",
		},
		[]string{"reason"},
	)

	RemoteErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamlimit_remote_errors_total",
			Help: "Media server API errors, by operation",
		},
		[]string{"operation"},
	)

	DailyResets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "streamlimit_daily_resets_total",
			Help: "Total daily segment wipes",
		},
	)

	// Usage metrics
	TodayMinutes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamlimit_today_minutes",
			Help: "Minutes watched today as of the last poll",
		},
		[]string{"user"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		TicksTotal,
		TickDuration,
		SessionsObserved,
		SegmentsCreated,
		SegmentsSaturated,
		Terminations,
		RemoteErrors,
		DailyResets,
		TodayMinutes,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Handler returns the HTTP handler serving /metrics and /health
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
