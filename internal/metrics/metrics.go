// Package metrics exposes the Prometheus vectors the pipeline emits,
// and a small HTTP server for scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	// Orderbook metrics
	OrderbookUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketfeed_orderbook_updates_total",
			Help: "Total number of orderbook updates applied",
		},
		[]string{"exchange", "symbol"},
	)

	OrderbookSnapshots = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketfeed_orderbook_snapshots_total",
			Help: "Total number of orderbook snapshots applied",
		},
		[]string{"exchange", "symbol"},
	)

	OrderbookDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketfeed_orderbook_depth",
			Help: "Current orderbook depth (number of levels)",
		},
		[]string{"exchange", "symbol", "side"},
	)

	OrderbookBestBid = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketfeed_orderbook_best_bid",
			Help: "Current best bid price",
		},
		[]string{"exchange", "symbol"},
	)

	OrderbookBestAsk = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketfeed_orderbook_best_ask",
			Help: "Current best ask price",
		},
		[]string{"exchange", "symbol"},
	)

	OrderbookSpread = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketfeed_orderbook_spread_bps",
			Help: "Current bid-ask spread in basis points",
		},
		[]string{"exchange", "symbol"},
	)

	// Trade metrics
	TradeCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketfeed_trades_total",
			Help: "Total number of trades received",
		},
		[]string{"exchange", "symbol", "side"},
	)

	TradeVolume = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketfeed_trade_volume_total",
			Help: "Total trade volume",
		},
		[]string{"exchange", "symbol"},
	)

	// Latency metrics
	MessageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketfeed_message_latency_seconds",
			Help:    "Latency from exchange timestamp to processing",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"exchange", "message_type"},
	)

	ProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketfeed_processing_duration_seconds",
			Help:    "Time to process and publish a message",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
		[]string{"exchange", "message_type"},
	)

	// Connection metrics
	ConnectionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketfeed_connection_status",
			Help: "WebSocket connection status (1=connected, 0=disconnected)",
		},
		[]string{"exchange"},
	)

	ConnectionReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketfeed_reconnects_total",
			Help: "Total number of reconnection attempts",
		},
		[]string{"exchange"},
	)

	ConnectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketfeed_connection_errors_total",
			Help: "Total number of connection errors",
		},
		[]string{"exchange", "error_type"},
	)

	// Frame metrics
	FramesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketfeed_frames_processed_total",
			Help: "Total number of wire frames decoded or dropped, by venue, frame kind, and outcome",
		},
		[]string{"exchange", "kind", "outcome"},
	)

	// Resync metrics
	ResyncGaps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketfeed_resync_gaps_total",
			Help: "Total number of detected resync gaps",
		},
		[]string{"exchange", "symbol"},
	)

	ResyncOverflows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketfeed_resync_overflows_total",
			Help: "Total number of fatal resync buffer overflows",
		},
		[]string{"exchange", "symbol"},
	)

	// Redis metrics
	RedisPublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketfeed_redis_publish_duration_seconds",
			Help:    "Time to publish message to Redis",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		},
		[]string{"channel"},
	)

	RedisPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketfeed_redis_publish_errors_total",
			Help: "Total number of Redis publish errors",
		},
		[]string{"channel"},
	)

	// REST snapshot fetch metrics
	RestFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketfeed_rest_fetch_duration_seconds",
			Help:    "Time to fetch a snapshot from an exchange REST API",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"exchange", "endpoint"},
	)

	RestFetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketfeed_rest_fetch_errors_total",
			Help: "Total number of REST API fetch errors",
		},
		[]string{"exchange", "endpoint"},
	)
)

// Timer is a helper for measuring operation duration.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// RecordOrderbookUpdate records metrics for an applied orderbook
// update. bestBid/bestAsk are float64 for Prometheus purposes only;
// the book itself never does decimal arithmetic in float64.
func RecordOrderbookUpdate(exchange, symbol string, bidDepth, askDepth int, bestBid, bestAsk float64) {
	OrderbookUpdates.WithLabelValues(exchange, symbol).Inc()
	OrderbookDepth.WithLabelValues(exchange, symbol, "bid").Set(float64(bidDepth))
	OrderbookDepth.WithLabelValues(exchange, symbol, "ask").Set(float64(askDepth))

	if bestBid > 0 {
		OrderbookBestBid.WithLabelValues(exchange, symbol).Set(bestBid)
	}
	if bestAsk > 0 {
		OrderbookBestAsk.WithLabelValues(exchange, symbol).Set(bestAsk)
	}

	if bestBid > 0 && bestAsk > 0 {
		midPrice := (bestBid + bestAsk) / 2
		spreadBps := (bestAsk - bestBid) / midPrice * 10000
		OrderbookSpread.WithLabelValues(exchange, symbol).Set(spreadBps)
	}
}

// RecordFrameDecoded records a wire frame that was successfully
// classified and decoded.
func RecordFrameDecoded(exchange, kind string) {
	FramesProcessed.WithLabelValues(exchange, kind, "decoded").Inc()
}

// RecordFrameDropped records a wire frame discarded because it could
// not be classified or decoded.
func RecordFrameDropped(exchange, kind string) {
	FramesProcessed.WithLabelValues(exchange, kind, "dropped").Inc()
}

// RecordOrderbookSnapshot records metrics for a wholesale snapshot
// replacement.
func RecordOrderbookSnapshot(exchange, symbol string) {
	OrderbookSnapshots.WithLabelValues(exchange, symbol).Inc()
}

// RecordTrade records metrics for a trade.
func RecordTrade(exchange, symbol, side string, volume float64) {
	TradeCount.WithLabelValues(exchange, symbol, side).Inc()
	TradeVolume.WithLabelValues(exchange, symbol).Add(volume)
}

// RecordConnectionStatus records connection status.
func RecordConnectionStatus(exchange string, connected bool) {
	status := 0.0
	if connected {
		status = 1.0
	}
	ConnectionStatus.WithLabelValues(exchange).Set(status)
}

// RecordReconnect records a reconnection attempt.
func RecordReconnect(exchange string) {
	ConnectionReconnects.WithLabelValues(exchange).Inc()
}

// RecordConnectionError records a connection error.
func RecordConnectionError(exchange, errorType string) {
	ConnectionErrors.WithLabelValues(exchange, errorType).Inc()
}

// RecordResyncGap records a detected resync discontinuity.
func RecordResyncGap(exchange, symbol string) {
	ResyncGaps.WithLabelValues(exchange, symbol).Inc()
}

// RecordResyncOverflow records a fatal buffer overflow.
func RecordResyncOverflow(exchange, symbol string) {
	ResyncOverflows.WithLabelValues(exchange, symbol).Inc()
}

// Server hosts the Prometheus metrics HTTP endpoint.
type Server struct {
	addr   string
	server *http.Server
}

func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *Server) Start() error {
	log.Info().Str("addr", s.addr).Msg("starting metrics server")
	return s.server.ListenAndServe()
}

func (s *Server) Stop() error {
	return s.server.Close()
}
