package rest

import (
	"context"
	"sync"
	"time"
)

// HealthStatus represents the health status.
type HealthStatus string

const (
	HealthStatusPass HealthStatus = "pass"
	HealthStatusFail HealthStatus = "fail"
)

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) error

type HealthCheckResult struct {
	Status       HealthStatus  `json:"status"`
	Error        string        `json:"error,omitempty"`
	ResponseTime time.Duration `json:"response_time"`
}

type HealthReport struct {
	Status  HealthStatus                 `json:"status"`
	Version string                       `json:"version"`
	Uptime  string                       `json:"uptime"`
	Checks  map[string]HealthCheckResult `json:"checks"`
}

// HealthService runs dependency probes concurrently under a shared timeout.
type HealthService struct {
	checks    map[string]CheckFunc
	timeout   time.Duration
	version   string
	startTime time.Time
}

func NewHealthService(version string, timeout time.Duration, checks map[string]CheckFunc) *HealthService {
	return &HealthService{
		checks:    checks,
		timeout:   timeout,
		version:   version,
		startTime: time.Now(),
	}
}

func (s *HealthService) Check(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	report := HealthReport{
		Status:  HealthStatusPass,
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		Checks:  make(map[string]HealthCheckResult, len(s.checks)),
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, check := range s.checks {
		wg.Add(1)
		go func(name string, check CheckFunc) {
			defer wg.Done()
			start := time.Now()
			res := HealthCheckResult{Status: HealthStatusPass}
			if err := check(ctx); err != nil {
				res.Status = HealthStatusFail
				res.Error = err.Error()
			}
			res.ResponseTime = time.Since(start)

			mu.Lock()
			defer mu.Unlock()
			report.Checks[name] = res
			if res.Status == HealthStatusFail {
				report.Status = HealthStatusFail
			}
		}(name, check)
	}
	wg.Wait()
	return report
}
