package crawlers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// 内存压力等级
const (
	PressureNormal    = "normal"
	PressureWarning   = "warning"
	PressureCritical  = "critical"
	PressureEmergency = "emergency"
)

// ResourceSample 一次资源采样
type ResourceSample struct {
	TotalMemory     uint64
	AvailableMemory uint64
	CPUPercent      float64
}

// ResourceSampler 资源采样函数
type ResourceSampler func() (ResourceSample, error)

// SystemSampler 通过gopsutil读取系统内存和CPU
func SystemSampler() (ResourceSample, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return ResourceSample{}, fmt.Errorf("获取系统内存失败: %w", err)
	}
	sample := ResourceSample{TotalMemory: vm.Total, AvailableMemory: vm.Available}

	// 100毫秒采样间隔,避免阻塞过久
	percentages, err := cpu.Percent(100*time.Millisecond, false)
	if err == nil && len(percentages) > 0 {
		sample.CPUPercent = percentages[0]
	}
	return sample, nil
}

// ResourceMonitor 系统资源监控器
// 职责: 周期性采样内存和CPU,在内存紧张时阻止打开新标签页
type ResourceMonitor struct {
	config  ResourceMonitorConfig
	sampler ResourceSampler

	last ResourceSample
	mu   sync.RWMutex

	cancelFunc context.CancelFunc
	isRunning  bool
}

// ResourceMonitorConfig 资源监控器配置
type ResourceMonitorConfig struct {
	SafetyReserveMemory int64 // 安全保留内存(字节)
	SafetyThreshold     int64 // 安全阈值(字节)
	CPULoadThreshold    int   // CPU负载阈值(%),>=200视为禁用
}

// MemoryStatus 内存状态信息
type MemoryStatus struct {
	TotalMemory     uint64  `json:"totalMemory"`
	AvailableMemory int64   `json:"availableMemory"`
	SafetyReserve   int64   `json:"safetyReserve"`
	SafetyThreshold int64   `json:"safetyThreshold"`
	CPUPercent      float64 `json:"cpuPercent"`
	MemoryPressure  string  `json:"memoryPressure"`
}

// NewResourceMonitor 创建资源监控器实例,sampler为nil时使用系统采样
func NewResourceMonitor(config ResourceMonitorConfig, sampler ResourceSampler) *ResourceMonitor {
	if sampler == nil {
		sampler = SystemSampler
	}
	rm := &ResourceMonitor{config: config, sampler: sampler}
	rm.Sample()

	rm.mu.RLock()
	total := rm.last.TotalMemory
	rm.mu.RUnlock()
	log.Info().Msgf("系统总内存: %.2f GB", float64(total)/(1024*1024*1024))
	return rm
}

// Sample 立即采样一次
func (rm *ResourceMonitor) Sample() {
	sample, err := rm.sampler()
	if err != nil {
		log.Warn().Err(err).Msg("资源采样失败,沿用上次结果")
		return
	}
	rm.mu.Lock()
	rm.last = sample
	rm.mu.Unlock()
}

// StartMonitoring 启动后台周期采样(幂等)
func (rm *ResourceMonitor) StartMonitoring(interval time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.isRunning {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rm.cancelFunc = cancel
	rm.isRunning = true

	go rm.monitoringLoop(ctx, interval)
}

func (rm *ResourceMonitor) monitoringLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rm.Sample()
		}
	}
}

// StopMonitoring 停止资源监控
func (rm *ResourceMonitor) StopMonitoring() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.isRunning && rm.cancelFunc != nil {
		rm.cancelFunc()
		rm.isRunning = false
		rm.cancelFunc = nil
	}
}

func (rm *ResourceMonitor) available() (ResourceSample, int64) {
	rm.mu.RLock()
	sample := rm.last
	rm.mu.RUnlock()
	return sample, int64(sample.AvailableMemory) - rm.config.SafetyReserveMemory
}

// CheckResourceAvailability 检查当前资源是否允许打开新标签页
// 返回canCreate(是否允许创建)和reason(不允许时的原因)
func (rm *ResourceMonitor) CheckResourceAvailability() (canCreate bool, reason string) {
	sample, availableMemory := rm.available()

	if availableMemory < rm.config.SafetyThreshold || pressureLevel(availableMemory) == PressureEmergency {
		availableMemoryMB := availableMemory / (1024 * 1024)
		log.Warn().Msgf("可用内存不足(当前%dMB),标签页创建受限", availableMemoryMB)
		return false, fmt.Sprintf("内存不足(当前%dMB)", availableMemoryMB)
	}

	if rm.config.CPULoadThreshold < 200 && sample.CPUPercent > float64(rm.config.CPULoadThreshold) {
		return false, fmt.Sprintf("CPU负载过高(当前%.1f%%)", sample.CPUPercent)
	}

	return true, ""
}

// GetMemoryStatus 获取当前内存状态
func (rm *ResourceMonitor) GetMemoryStatus() MemoryStatus {
	sample, availableMemory := rm.available()
	return MemoryStatus{
		TotalMemory:     sample.TotalMemory,
		AvailableMemory: availableMemory,
		SafetyReserve:   rm.config.SafetyReserveMemory,
		SafetyThreshold: rm.config.SafetyThreshold,
		CPUPercent:      sample.CPUPercent,
		MemoryPressure:  pressureLevel(availableMemory),
	}
}

func pressureLevel(availableMemory int64) string {
	availableMemoryMB := availableMemory / (1024 * 1024)
	switch {
	case availableMemoryMB < 200:
		return PressureEmergency
	case availableMemoryMB < 300:
		return PressureCritical
	case availableMemoryMB < 500:
		return PressureWarning
	default:
		return PressureNormal
	}
}
