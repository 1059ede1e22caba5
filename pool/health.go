package pool

import (
	"context"
	"time"
)

// HealthStatus is the pool's tri-state condition.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// HealthReport aggregates pool size, queue depth, timeout rate, and a live
// probe into a single status.
type HealthReport struct {
	Status      HealthStatus
	Size        int
	InUse       int
	Idle        int
	QueueDepth  int
	TimeoutRate float64
	ProbeError  string
}

// degradation thresholds
const (
	degradedTimeoutRate = 0.10
	degradedQueueShare  = 0.50
)

// Health probes an idle connection when one is available and combines the
// probe with current counters. A closed pool or failed probe is unhealthy;
// heavy queueing, an elevated timeout rate, or running below MinConnections
// degrades the status.
func (p *Pool) Health(ctx context.Context) HealthReport {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return HealthReport{Status: StatusUnhealthy}
	}

	report := HealthReport{
		Size:       len(p.conns),
		QueueDepth: p.queue.Len(),
	}
	for _, conn := range p.conns {
		if conn.inUse {
			report.InUse++
		}
	}
	report.Idle = report.Size - report.InUse

	attempts := p.stats.acquired + p.stats.timeouts
	if attempts > 0 {
		report.TimeoutRate = float64(p.stats.timeouts) / float64(attempts)
	}

	probe := p.popIdleLocked()
	p.mu.Unlock()

	probeFailed := false
	if probe != nil {
		probeCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := probe.client.Ping(probeCtx)
		cancel()

		if err != nil {
			probeFailed = true
			report.ProbeError = err.Error()
			p.discard(probe, true)
		} else {
			p.mu.Lock()
			probe.lastUsedAt = time.Now()
			p.grantLocked(probe)
			p.mu.Unlock()
		}
	}

	switch {
	case probeFailed, report.Size == 0 && p.cfg.MinConnections > 0:
		report.Status = StatusUnhealthy
	case report.TimeoutRate > degradedTimeoutRate,
		float64(report.QueueDepth) > degradedQueueShare*float64(p.cfg.MaxQueueSize),
		report.Size < p.cfg.MinConnections:
		report.Status = StatusDegraded
	default:
		report.Status = StatusHealthy
	}

	return report
}
