package monitoring

import (
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Metrics 指标收集器
type Metrics struct {
	// 生成请求
	GenerationsTotal uint64
	BouncesTotal     uint64

	// 工具调用
	ToolCallsEmitted      uint64
	MisroutedToolCalls    uint64
	InvalidToolCandidates uint64

	// 加密
	DecryptFailures uint64

	// 启动时间
	StartTime time.Time
}

// Monitor 性能监控器
type Monitor struct {
	metrics *Metrics
	logger  *zap.Logger
}

// Snapshot 指标快照
type Snapshot struct {
	Uptime                string `json:"uptime"`
	GenerationsTotal      uint64 `json:"generations_total"`
	BouncesTotal          uint64 `json:"bounces_total"`
	ToolCallsEmitted      uint64 `json:"tool_calls_emitted"`
	MisroutedToolCalls    uint64 `json:"misrouted_tool_calls"`
	InvalidToolCandidates uint64 `json:"invalid_tool_candidates"`
	DecryptFailures       uint64 `json:"decrypt_failures"`
	Goroutines            int    `json:"goroutines"`
}

// NewMonitor 创建监控器
func NewMonitor(logger *zap.Logger) *Monitor {
	return &Monitor{
		metrics: &Metrics{StartTime: time.Now()},
		logger:  logger,
	}
}

// 计数方法 (实现 service.Metrics)
func (m *Monitor) IncGeneration()           { atomic.AddUint64(&m.metrics.GenerationsTotal, 1) }
func (m *Monitor) IncBounce()               { atomic.AddUint64(&m.metrics.BouncesTotal, 1) }
func (m *Monitor) IncToolCallEmitted()      { atomic.AddUint64(&m.metrics.ToolCallsEmitted, 1) }
func (m *Monitor) IncMisroutedToolCall()    { atomic.AddUint64(&m.metrics.MisroutedToolCalls, 1) }
func (m *Monitor) IncInvalidToolCandidate() { atomic.AddUint64(&m.metrics.InvalidToolCandidates, 1) }
func (m *Monitor) IncDecryptFailure()       { atomic.AddUint64(&m.metrics.DecryptFailures, 1) }

// GetSnapshot 获取当前指标快照
func (m *Monitor) GetSnapshot() Snapshot {
	return Snapshot{
		Uptime:                time.Since(m.metrics.StartTime).Round(time.Second).String(),
		GenerationsTotal:      atomic.LoadUint64(&m.metrics.GenerationsTotal),
		BouncesTotal:          atomic.LoadUint64(&m.metrics.BouncesTotal),
		ToolCallsEmitted:      atomic.LoadUint64(&m.metrics.ToolCallsEmitted),
		MisroutedToolCalls:    atomic.LoadUint64(&m.metrics.MisroutedToolCalls),
		InvalidToolCandidates: atomic.LoadUint64(&m.metrics.InvalidToolCandidates),
		DecryptFailures:       atomic.LoadUint64(&m.metrics.DecryptFailures),
		Goroutines:            runtime.NumGoroutine(),
	}
}

// LogSummary 输出指标摘要日志
func (m *Monitor) LogSummary() {
	snap := m.GetSnapshot()
	m.logger.Info("Metrics summary",
		zap.String("uptime", snap.Uptime),
		zap.Uint64("generations", snap.GenerationsTotal),
		zap.Uint64("bounces", snap.BouncesTotal),
		zap.Uint64("tool_calls", snap.ToolCallsEmitted),
		zap.Uint64("misrouted", snap.MisroutedToolCalls),
		zap.Uint64("invalid_candidates", snap.InvalidToolCandidates),
		zap.Uint64("decrypt_failures", snap.DecryptFailures),
	)
}
