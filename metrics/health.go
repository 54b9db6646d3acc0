package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mjasion/balena-home/podwatch/buffer"
	"github.com/mjasion/balena-home/podwatch/scanner"
	"github.com/mjasion/balena-home/podwatch/types"
	"go.uber.org/zap"
)

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status          string    `json:"status"`
	ScanState       string    `json:"scanState"`
	LastReportTime  time.Time `json:"lastReportTime"`
	LastPushTime    time.Time `json:"lastPushTime"`
	BufferedSamples int       `json:"bufferedSamples"`
	DroppedSamples  uint64    `json:"droppedSamples"`
}

// ScanStateSource reports the scan session state
type ScanStateSource interface {
	State() scanner.State
}

// PushTimeSource reports the last successful push
type PushTimeSource interface {
	LastPushTime() time.Time
}

// HealthChecker serves /health
type HealthChecker struct {
	buffer       *buffer.RingBuffer[*types.Reading]
	pusher       PushTimeSource
	scan         ScanStateSource
	pushInterval time.Duration
	server       *http.Server
	logger       *zap.Logger

	mu         sync.RWMutex
	lastReport time.Time
}

// NewHealthChecker creates a new HealthChecker instance
func NewHealthChecker(buf *buffer.RingBuffer[*types.Reading], pusher PushTimeSource, scan ScanStateSource, pushInterval time.Duration, port int, logger *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		buffer:       buf,
		pusher:       pusher,
		scan:         scan,
		pushInterval: pushInterval,
		logger:       logger,
	}

	hc.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      hc.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	return hc
}

// Handler returns the HTTP handler serving the health endpoint
func (hc *HealthChecker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", hc.handleHealth)
	return mux
}

// RecordReport notes the time of the latest decoded advertisement
func (hc *HealthChecker) RecordReport(t time.Time) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if t.After(hc.lastReport) {
		hc.lastReport = t
	}
}

// LastReportTime returns the time of the latest decoded advertisement
func (hc *HealthChecker) LastReportTime() time.Time {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.lastReport
}

// Start begins serving the health check endpoint
func (hc *HealthChecker) Start() error {
	hc.logger.Info("starting health check server", zap.String("addr", hc.server.Addr))
	if err := hc.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("health check server error: %w", err)
	}
	return nil
}

// Stop shuts down the health check server
func (hc *HealthChecker) Stop() error {
	return hc.server.Close()
}

// Status evaluates the current health
func (hc *HealthChecker) Status() HealthStatus {
	state := hc.scan.State()
	lastPush := hc.pusher.LastPushTime()

	status := HealthStatus{
		Status:          "healthy",
		ScanState:       state.String(),
		LastReportTime:  hc.LastReportTime(),
		LastPushTime:    lastPush,
		BufferedSamples: hc.buffer.Size(),
		DroppedSamples:  hc.buffer.Dropped(),
	}

	if state != scanner.StateScanning {
		status.Status = "unhealthy"
	}
	// Pushing is stale after three missed intervals
	if !lastPush.IsZero() && time.Since(lastPush) > 3*hc.pushInterval {
		status.Status = "unhealthy"
	}

	return status
}

func (hc *HealthChecker) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hc.Status()

	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		hc.logger.Debug("health check failed",
			zap.String("scan_state", status.ScanState),
			zap.Time("last_push", status.LastPushTime),
		)
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	if err := json.NewEncoder(w).Encode(status); err != nil {
		hc.logger.Warn("failed to encode health status", zap.Error(err))
	}
}
