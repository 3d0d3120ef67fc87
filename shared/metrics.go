package shared

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ServiceMetrics tracks request outcomes and named counters for one component
type ServiceMetrics struct {
	serviceName         string
	totalRequests       int64
	successfulRequests  int64
	failedRequests      int64
	totalProcessingTime time.Duration
	maxProcessingTime   time.Duration
	lastUpdated         time.Time
	counters            map[string]int64
	mutex               sync.RWMutex
}

// MetricsSnapshot is a point-in-time copy of ServiceMetrics
type MetricsSnapshot struct {
	ServiceName           string           `json:"service_name"`
	TotalRequests         int64            `json:"total_requests"`
	SuccessfulRequests    int64            `json:"successful_requests"`
	FailedRequests        int64            `json:"failed_requests"`
	AverageProcessingTime time.Duration    `json:"average_processing_time"`
	MaxProcessingTime     time.Duration    `json:"max_processing_time"`
	SuccessRate           float64          `json:"success_rate"`
	LastUpdated           time.Time        `json:"last_updated"`
	Counters              map[string]int64 `json:"counters"`
}

// NewServiceMetrics creates a new metrics tracker for a service
func NewServiceMetrics(serviceName string) *ServiceMetrics {
	return &ServiceMetrics{
		serviceName: serviceName,
		lastUpdated: time.Now(),
		counters:    make(map[string]int64),
	}
}

// ServiceName returns the tracked component name.
func (m *ServiceMetrics) ServiceName() string {
	return m.serviceName
}

// RecordRequest records a request with its success status and processing time
func (m *ServiceMetrics) RecordRequest(success bool, processingTime time.Duration) {
	if m == nil {
		return
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.totalRequests++
	m.totalProcessingTime += processingTime
	if processingTime > m.maxProcessingTime {
		m.maxProcessingTime = processingTime
	}
	if success {
		m.successfulRequests++
	} else {
		m.failedRequests++
	}
	m.lastUpdated = time.Now()
}

// IncrementCustomCounter increments a named counter
func (m *ServiceMetrics) IncrementCustomCounter(key string) {
	m.AddCustomCounter(key, 1)
}

// AddCustomCounter adds delta to a named counter
func (m *ServiceMetrics) AddCustomCounter(key string, delta int64) {
	if m == nil {
		return
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.counters[key] += delta
	m.lastUpdated = time.Now()
}

// Counter returns the current value of a named counter
func (m *ServiceMetrics) Counter(key string) int64 {
	if m == nil {
		return 0
	}
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.counters[key]
}

// GetSnapshot returns a thread-safe snapshot of current metrics
func (m *ServiceMetrics) GetSnapshot() MetricsSnapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	counters := make(map[string]int64, len(m.counters))
	for k, v := range m.counters {
		counters[k] = v
	}

	snapshot := MetricsSnapshot{
		ServiceName:        m.serviceName,
		TotalRequests:      m.totalRequests,
		SuccessfulRequests: m.successfulRequests,
		FailedRequests:     m.failedRequests,
		MaxProcessingTime:  m.maxProcessingTime,
		LastUpdated:        m.lastUpdated,
		Counters:           counters,
	}
	if m.totalRequests > 0 {
		snapshot.AverageProcessingTime = time.Duration(int64(m.totalProcessingTime) / m.totalRequests)
		snapshot.SuccessRate = float64(m.successfulRequests) / float64(m.totalRequests) * 100.0
	}
	return snapshot
}

// LogSummary logs a metrics summary
func (m *ServiceMetrics) LogSummary() {
	snapshot := m.GetSnapshot()

	logrus.WithFields(logrus.Fields{
		"service_name":            snapshot.ServiceName,
		"total_requests":          snapshot.TotalRequests,
		"successful_requests":     snapshot.SuccessfulRequests,
		"failed_requests":         snapshot.FailedRequests,
		"success_rate":            snapshot.SuccessRate,
		"average_processing_time": snapshot.AverageProcessingTime,
		"max_processing_time":     snapshot.MaxProcessingTime,
		"counters":                snapshot.Counters,
	}).Info("Service metrics summary")
}

// MetricsRegistry collects the metrics of every component built at start-up
type MetricsRegistry struct {
	mutex    sync.RWMutex
	services map[string]*ServiceMetrics
}

// NewMetricsRegistry creates an empty registry
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{services: make(map[string]*ServiceMetrics)}
}

// Register returns the metrics for name, creating them on first use.
func (r *MetricsRegistry) Register(name string) *ServiceMetrics {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if existing, ok := r.services[name]; ok {
		return existing
	}
	m := NewServiceMetrics(name)
	r.services[name] = m
	return m
}

// Snapshots returns a snapshot for every registered component, sorted by name.
func (r *MetricsRegistry) Snapshots() []MetricsSnapshot {
	r.mutex.RLock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	r.mutex.RUnlock()
	sort.Strings(names)

	out := make([]MetricsSnapshot, 0, len(names))
	for _, name := range names {
		r.mutex.RLock()
		m := r.services[name]
		r.mutex.RUnlock()
		out = append(out, m.GetSnapshot())
	}
	return out
}

// LogAll logs a summary for every registered component.
func (r *MetricsRegistry) LogAll() {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	for _, m := range r.services {
		m.LogSummary()
	}
}
