package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// States reported on the bridge_state gauge, in lifecycle order.
var States = []string{"attaching", "announced", "running", "terminating"}

// BridgeCollector bundles Prometheus metrics for the lockstep loop and the
// status endpoints.
type BridgeCollector struct {
	gatherer prometheus.Gatherer

	Iterations        prometheus.Counter
	IterationDuration prometheus.Histogram
	LocationEvents    *prometheus.CounterVec
	PoseRemaps        prometheus.Counter
	TornReads         *prometheus.CounterVec
	Nodes             prometheus.Gauge
	NumRobot          prometheus.Gauge
	SimulatedSeconds  prometheus.Gauge
	State             *prometheus.GaugeVec

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec
}

// NewBridgeCollector registers bridge metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewBridgeCollector(reg prometheus.Registerer) (*BridgeCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	iterations, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_iterations_total",
		Help: "Completed poll iterations.",
	}), "bridge_iterations_total")
	if err != nil {
		return nil, err
	}

	duration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bridge_iteration_duration_seconds",
		Help:    "Time spent reading segments and publishing per iteration, excluding the poll sleep.",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	}), "bridge_iteration_duration_seconds")
	if err != nil {
		return nil, err
	}

	events, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_location_events_total",
		Help: "Location events handed to the event channel, labeled by result.",
	}, []string{"result"}), "bridge_location_events_total")
	if err != nil {
		return nil, err
	}

	remaps, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_pose_remaps_total",
		Help: "Times the pose segment was mapped again after the robot count grew.",
	}), "bridge_pose_remaps_total")
	if err != nil {
		return nil, err
	}

	torn, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_torn_reads_total",
		Help: "Pose slots that changed between two consecutive reads, labeled by outcome.",
	}, []string{"outcome"}), "bridge_torn_reads_total")
	if err != nil {
		return nil, err
	}

	nodes, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_nodes",
		Help: "Nodes tracked in the node state table.",
	}), "bridge_nodes")
	if err != nil {
		return nil, err
	}

	numRobot, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_num_robot",
		Help: "Robot count last read from the metadata segment.",
	}), "bridge_num_robot")
	if err != nil {
		return nil, err
	}

	simSeconds, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_simulated_seconds",
		Help: "Simulated time accumulated from the simulator's step length.",
	}), "bridge_simulated_seconds")
	if err != nil {
		return nil, err
	}

	state, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bridge_state",
		Help: "1 for the lockstep controller's current state, 0 otherwise.",
	}, []string{"state"}), "bridge_state")
	if err != nil {
		return nil, err
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_rpc_requests_total",
		Help: "Total number of handled status RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "bridge_rpc_requests_total")
	if err != nil {
		return nil, err
	}

	rpcDurations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bridge_rpc_duration_seconds",
		Help:    "Status RPC latency in seconds.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"service", "method"}), "bridge_rpc_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &BridgeCollector{
		gatherer:          gatherer,
		Iterations:        iterations,
		IterationDuration: duration,
		LocationEvents:    events,
		PoseRemaps:        remaps,
		TornReads:         torn,
		Nodes:             nodes,
		NumRobot:          numRobot,
		SimulatedSeconds:  simSeconds,
		State:             state,
		RPCRequests:       requests,
		RPCDurations:      rpcDurations,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *BridgeCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveIteration records one finished iteration.
func (c *BridgeCollector) ObserveIteration(d time.Duration) {
	if c == nil {
		return
	}
	c.Iterations.Inc()
	c.IterationDuration.Observe(d.Seconds())
}

// ObservePublish counts one location event by outcome.
func (c *BridgeCollector) ObservePublish(err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.LocationEvents.WithLabelValues(result).Inc()
}

// IncPoseRemaps counts one pose segment remap.
func (c *BridgeCollector) IncPoseRemaps() {
	if c == nil {
		return
	}
	c.PoseRemaps.Inc()
}

// ObserveTornRead counts a pose slot that changed under a read. skipped
// reports that it never settled and was left out of the iteration.
func (c *BridgeCollector) ObserveTornRead(skipped bool) {
	if c == nil {
		return
	}
	outcome := "retried"
	if skipped {
		outcome = "skipped"
	}
	c.TornReads.WithLabelValues(outcome).Inc()
}

// SetNodeCount satisfies nodes.MetricsRecorder.
func (c *BridgeCollector) SetNodeCount(n int) {
	if c == nil {
		return
	}
	c.Nodes.Set(float64(n))
}

// SetNumRobot records the robot count read from metadata.
func (c *BridgeCollector) SetNumRobot(n int) {
	if c == nil {
		return
	}
	c.NumRobot.Set(float64(n))
}

// SetSimulatedTime records accumulated simulated time.
func (c *BridgeCollector) SetSimulatedTime(d time.Duration) {
	if c == nil {
		return
	}
	c.SimulatedSeconds.Set(d.Seconds())
}

// SetState marks state as current on the bridge_state gauge.
func (c *BridgeCollector) SetState(state string) {
	if c == nil {
		return
	}
	state = strings.ToLower(state)
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		c.State.WithLabelValues(s).Set(v)
	}
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *BridgeCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		c.RPCRequests.WithLabelValues(service, method, code).Inc()
		c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())

		return resp, err
	}
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

// ServeMetrics starts an HTTP server exposing /metrics on addr. It returns
// nil when addr is empty.
func ServeMetrics(addr string, c *BridgeCollector, onErr func(error)) *http.Server {
	if addr == "" || c == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed && onErr != nil {
			onErr(err)
		}
	}()
	return srv
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
