package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Engine loop metrics
	ticksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strategy_engine_ticks_total",
			Help: "Ticks processed per strategy kind and result",
		},
		[]string{"strategy", "result"},
	)

	tickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "strategy_engine_tick_duration_seconds",
			Help:    "Distribution of tick processing time",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)

	instanceCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strategy_engine_instances",
			Help: "Number of strategy instances per lifecycle status",
		},
		[]string{"status"},
	)

	// Order flow metrics
	ordersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strategy_engine_orders_total",
			Help: "Orders submitted to the exchange",
		},
		[]string{"symbol", "side"},
	)

	fillsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strategy_engine_fills_total",
			Help: "Orders observed filled",
		},
		[]string{"symbol", "side"},
	)

	fillQuote = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "strategy_engine_fill_quote",
			Help:    "Distribution of filled order quote values",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
		[]string{"symbol"},
	)

	riskRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strategy_engine_risk_rejections_total",
			Help: "Orders turned down by the risk gate",
		},
		[]string{"symbol"},
	)

	// Market data metrics
	currentPrice = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strategy_engine_price",
			Help: "Last observed price per symbol",
		},
		[]string{"symbol"},
	)

	windowDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strategy_engine_window_depth",
			Help: "Samples held in the market window",
		},
		[]string{"symbol", "timeframe"},
	)

	// Outcome metrics
	instancePnL = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strategy_engine_pnl",
			Help: "Realized PnL per instance in quote currency",
		},
		[]string{"instance"},
	)

	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strategy_engine_errors_total",
			Help: "Errors by taxonomy category",
		},
		[]string{"category"},
	)
)

func init() {
	prometheus.MustRegister(ticksTotal)
	prometheus.MustRegister(tickDuration)
	prometheus.MustRegister(instanceCount)
	prometheus.MustRegister(ordersTotal)
	prometheus.MustRegister(fillsTotal)
	prometheus.MustRegister(fillQuote)
	prometheus.MustRegister(riskRejectionsTotal)
	prometheus.MustRegister(currentPrice)
	prometheus.MustRegister(windowDepth)
	prometheus.MustRegister(instancePnL)
	prometheus.MustRegister(errorsTotal)
}

// MetricsHandler serves the Prometheus scrape endpoint.
type MetricsHandler struct{}

// NewMetricsHandler creates a new metrics handler.
func NewMetricsHandler() *MetricsHandler {
	return &MetricsHandler{}
}

func (m *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// RecordTick counts one finished tick and observes its duration.
func RecordTick(strategy, result string, elapsed time.Duration) {
	ticksTotal.WithLabelValues(strategy, result).Inc()
	tickDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())
}

// RecordOrder counts an order submission.
func RecordOrder(symbol, side string) {
	ordersTotal.WithLabelValues(symbol, side).Inc()
}

// RecordFill counts a filled order and observes its quote value.
func RecordFill(symbol, side string, quote float64) {
	fillsTotal.WithLabelValues(symbol, side).Inc()
	fillQuote.WithLabelValues(symbol).Observe(quote)
}

// RecordRiskRejection counts a risk gate rejection.
func RecordRiskRejection(symbol string) {
	riskRejectionsTotal.WithLabelValues(symbol).Inc()
}

// RecordError counts an error by taxonomy category.
func RecordError(category string) {
	errorsTotal.WithLabelValues(category).Inc()
}

// UpdatePrice updates the last observed price gauge.
func UpdatePrice(symbol string, price float64) {
	currentPrice.WithLabelValues(symbol).Set(price)
}

// UpdateWindowDepth updates the market window fill level.
func UpdateWindowDepth(symbol, timeframe string, depth int) {
	windowDepth.WithLabelValues(symbol, timeframe).Set(float64(depth))
}

// UpdatePnL updates the realized PnL gauge of one instance.
func UpdatePnL(instance string, pnl float64) {
	instancePnL.WithLabelValues(instance).Set(pnl)
}

// SetInstanceCount sets the number of instances currently in a status.
func SetInstanceCount(status string, count int) {
	instanceCount.WithLabelValues(status).Set(float64(count))
}
