package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusUnknown   HealthStatus = "unknown"
)

type HealthCheck struct {
	Name        string       `json:"name"`
	Status      HealthStatus `json:"status"`
	Message     string       `json:"message,omitempty"`
	LastChecked time.Time    `json:"last_checked"`
	Duration    string       `json:"duration"`
}

type HealthResponse struct {
	Status  HealthStatus  `json:"status"`
	Checks  []HealthCheck `json:"checks"`
	Version string        `json:"version"`
	Uptime  string        `json:"uptime"`
}

type HealthChecker interface {
	Check(ctx context.Context) HealthCheck
}

// HealthServer exposes /health, /ready and /metrics for one runtime process.
type HealthServer struct {
	port        string
	serviceName string
	version     string
	startTime   time.Time

	mu       sync.RWMutex
	checkers map[string]HealthChecker
	ready    func(ctx context.Context) error

	server *http.Server
}

func NewHealthServer(port, serviceName, version string) *HealthServer {
	return &HealthServer{
		port:        port,
		serviceName: serviceName,
		version:     version,
		startTime:   time.Now(),
		checkers:    make(map[string]HealthChecker),
	}
}

func (hs *HealthServer) AddChecker(name string, checker HealthChecker) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.checkers[name] = checker
}

// SetReadiness installs an extra gate for /ready, typically reporting whether
// the broker finished startup.
func (hs *HealthServer) SetReadiness(fn func(ctx context.Context) error) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.ready = fn
}

func (hs *HealthServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/metrics", promhttp.Handler())

	hs.server = &http.Server{
		Addr:    ":" + hs.port,
		Handler: mux,
	}
	return hs.server.ListenAndServe()
}

func (hs *HealthServer) Shutdown(ctx context.Context) error {
	if hs.server != nil {
		return hs.server.Shutdown(ctx)
	}
	return nil
}

func (hs *HealthServer) runChecks(ctx context.Context) HealthResponse {
	hs.mu.RLock()
	checkers := make([]HealthChecker, 0, len(hs.checkers))
	for _, c := range hs.checkers {
		checkers = append(checkers, c)
	}
	hs.mu.RUnlock()

	response := HealthResponse{
		Status:  HealthStatusHealthy,
		Version: hs.version,
		Uptime:  time.Since(hs.startTime).String(),
		Checks:  make([]HealthCheck, 0, len(checkers)),
	}
	for _, checker := range checkers {
		check := checker.Check(ctx)
		response.Checks = append(response.Checks, check)
		if check.Status != HealthStatusHealthy {
			response.Status = HealthStatusUnhealthy
		}
	}
	return response
}

func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	response := hs.runChecks(r.Context())

	statusCode := http.StatusOK
	if response.Status != HealthStatusHealthy {
		statusCode = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	hs.mu.RLock()
	ready := hs.ready
	hs.mu.RUnlock()

	if ready != nil {
		if err := ready(r.Context()); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":  string(HealthStatusUnhealthy),
				"message": err.Error(),
			})
			return
		}
	}
	hs.healthHandler(w, r)
}

// BasicHealthChecker adapts a plain check function.
type BasicHealthChecker struct {
	name    string
	checkFn func(ctx context.Context) error
}

func NewBasicHealthChecker(name string, checkFn func(ctx context.Context) error) *BasicHealthChecker {
	return &BasicHealthChecker{
		name:    name,
		checkFn: checkFn,
	}
}

func (bhc *BasicHealthChecker) Check(ctx context.Context) HealthCheck {
	start := time.Now()
	check := HealthCheck{
		Name:        bhc.name,
		LastChecked: start,
	}
	if err := bhc.checkFn(ctx); err != nil {
		check.Status = HealthStatusUnhealthy
		check.Message = err.Error()
	} else {
		check.Status = HealthStatusHealthy
	}
	check.Duration = time.Since(start).String()
	return check
}

// GRPCHealthChecker probes a remote context over the standard gRPC health
// protocol. The mobility manager uses it to verify a destination before
// shipping a snapshot.
type GRPCHealthChecker struct {
	checkerName string
	endpoint    string
	timeout     time.Duration

	mu   sync.Mutex
	conn *grpc.ClientConn
}

func NewGRPCHealthChecker(name, endpoint string) *GRPCHealthChecker {
	return &GRPCHealthChecker{
		checkerName: name,
		endpoint:    endpoint,
		timeout:     5 * time.Second,
	}
}

func (ghc *GRPCHealthChecker) client() (healthpb.HealthClient, error) {
	ghc.mu.Lock()
	defer ghc.mu.Unlock()
	if ghc.conn == nil {
		conn, err := grpc.NewClient(ghc.endpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		)
		if err != nil {
			return nil, err
		}
		ghc.conn = conn
	}
	return healthpb.NewHealthClient(ghc.conn), nil
}

func (ghc *GRPCHealthChecker) Check(ctx context.Context) HealthCheck {
	start := time.Now()
	check := HealthCheck{
		Name:        ghc.checkerName,
		LastChecked: start,
	}

	client, err := ghc.client()
	if err != nil {
		check.Status = HealthStatusUnhealthy
		check.Message = err.Error()
		check.Duration = time.Since(start).String()
		return check
	}

	ctx, cancel := context.WithTimeout(ctx, ghc.timeout)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	switch {
	case err != nil:
		check.Status = HealthStatusUnhealthy
		check.Message = err.Error()
	case resp.GetStatus() != healthpb.HealthCheckResponse_SERVING:
		check.Status = HealthStatusUnhealthy
		check.Message = resp.GetStatus().String()
	default:
		check.Status = HealthStatusHealthy
	}
	check.Duration = time.Since(start).String()
	return check
}

// Close releases the probe connection.
func (ghc *GRPCHealthChecker) Close() error {
	ghc.mu.Lock()
	defer ghc.mu.Unlock()
	if ghc.conn != nil {
		err := ghc.conn.Close()
		ghc.conn = nil
		return err
	}
	return nil
}
