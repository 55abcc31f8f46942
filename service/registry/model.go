// Package registry tracks known models, their health metrics, and the
// selection strategies used to pick one for a task.
package registry

import "time"

// Model is one registered backend the engine can dispatch generation
// requests to.
type Model struct {
	Name         string
	ProviderTag  string
	BaseURL      string
	Credentials  string
	Weight       float64
	CostPerToken float64
	MaxTokens    int
	DefaultTemp  float64
	Available    bool

	// rolling health, updated via recordSuccess/recordFailure only.
	successRate     float64 // EMA in [0, 1]
	avgResponseTime float64 // seconds, running average
	usageCount      int64
	sampleCount     int64
	lastUsed        time.Time
}

// Snapshot is a read-only copy of a Model's current health, safe to hand
// to callers outside the registry's lock.
type Snapshot struct {
	Name            string
	ProviderTag     string
	BaseURL         string
	Credentials     string
	Weight          float64
	CostPerToken    float64
	MaxTokens       int
	DefaultTemp     float64
	Available       bool
	SuccessRate     float64
	AvgResponseTime float64
	UsageCount      int64
}

func (m *Model) snapshot() Snapshot {
	return Snapshot{
		Name:            m.Name,
		ProviderTag:     m.ProviderTag,
		BaseURL:         m.BaseURL,
		Credentials:     m.Credentials,
		Weight:          m.Weight,
		CostPerToken:    m.CostPerToken,
		MaxTokens:       m.MaxTokens,
		DefaultTemp:     m.DefaultTemp,
		Available:       m.Available,
		SuccessRate:     m.successRate,
		AvgResponseTime: m.avgResponseTime,
		UsageCount:      m.usageCount,
	}
}

// score is the composite "availability" strategy score: higher is better.
// Grounded on model_manager.py's select_best_model formula.
func (m *Model) score() float64 {
	return m.Weight*m.successRate - m.avgResponseTime/10.0
}

const emaAlpha = 0.01

func (m *Model) recordSuccess(latency time.Duration) {
	m.successRate = clamp01(0.99*m.successRate + emaAlpha)
	m.updateLatency(latency)
	m.usageCount++
	m.lastUsed = time.Now()
}

func (m *Model) recordFailure(latency time.Duration) {
	m.successRate = clamp01(0.99*m.successRate - emaAlpha)
	m.updateLatency(latency)
	m.usageCount++
	m.lastUsed = time.Now()
}

func (m *Model) updateLatency(latency time.Duration) {
	seconds := latency.Seconds()
	m.sampleCount++
	if m.sampleCount == 1 {
		m.avgResponseTime = seconds
		return
	}
	// running average: avg += (sample - avg) / n
	m.avgResponseTime += (seconds - m.avgResponseTime) / float64(m.sampleCount)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
