// Package pacing 把"是否被封锁"的定性信号流转换为定量的请求间隔：
// 持续成功时逐渐加速，疑似封锁时迅速减速。
//
// DelayController 不是并发安全的。按设计每个并发抓取 worker
// 持有自己的实例——节奏和"看起来像一个人"的语义都是 per-worker 的。
package pacing

import (
	"math/rand"
	"time"
)

// minDelaySeconds 任何情况下的最小延迟下限。
const minDelaySeconds = 0.1

// blockingBackoffCap 封锁失败时延迟增量的连败倍率上限。
const blockingBackoffCap = 5

// Strategy 定义了一组延迟参数，单位为秒。
type Strategy struct {
	BaseDelay float64
	Variance  float64
	Increment float64
	MaxDelay  float64
}

// 预设策略，覆盖约 0.1s–20s 的区间。
var presets = map[string]Strategy{
	"ultra_fast": {BaseDelay: 0.1, Variance: 0.05, Increment: 0.1, MaxDelay: 1.0},
	"fast":       {BaseDelay: 0.5, Variance: 0.2, Increment: 0.3, MaxDelay: 3.0},
	"normal":     {BaseDelay: 1.0, Variance: 0.5, Increment: 0.5, MaxDelay: 5.0},
	"cautious":   {BaseDelay: 2.0, Variance: 1.0, Increment: 1.0, MaxDelay: 10.0},
	"stealth":    {BaseDelay: 4.0, Variance: 2.0, Increment: 2.0, MaxDelay: 20.0},
}

// PresetStrategy 按名字返回预设策略，未知名字回退到 normal。
func PresetStrategy(name string) Strategy {
	if s, ok := presets[name]; ok {
		return s
	}
	return presets["normal"]
}

// DelayController 是有状态的自适应延迟生成器。
// 不变式：BaseDelay <= currentDelay <= MaxDelay 在每次调整后成立。
type DelayController struct {
	strategy            Strategy
	currentDelay        float64
	consecutiveFailures int
	rng                 *rand.Rand
}

// New 用给定策略创建一个 DelayController。
func New(strategy Strategy) *DelayController {
	if strategy.MaxDelay < strategy.BaseDelay {
		strategy.MaxDelay = strategy.BaseDelay
	}
	return &DelayController{
		strategy:     strategy,
		currentDelay: strategy.BaseDelay,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewPreset 按预设名创建一个 DelayController。
func NewPreset(name string) *DelayController {
	return New(PresetStrategy(name))
}

// NextDelay 返回下一次请求前应等待的时长。
// 从以 currentDelay 为中心、Variance 为标准差的正态分布中采样，
// 再钳制到 [0.1s, MaxDelay]。正态分布而不是均匀分布，避免请求
// 间隔呈现可疑的周期性。
func (d *DelayController) NextDelay() time.Duration {
	sample := d.currentDelay + d.rng.NormFloat64()*d.strategy.Variance
	sample = clamp(sample, minDelaySeconds, d.strategy.MaxDelay)
	return time.Duration(sample * float64(time.Second))
}

// ReportSuccess 回报一次成功。连败归零；currentDelay 高于基准时
// 以 Increment/2 的步长缓慢回落——成功只会逐渐消磨警惕，不会
// 一下子清零。
func (d *DelayController) ReportSuccess() {
	d.consecutiveFailures = 0
	if d.currentDelay > d.strategy.BaseDelay {
		d.currentDelay = clamp(d.currentDelay-d.strategy.Increment/2, d.strategy.BaseDelay, d.strategy.MaxDelay)
	}
}

// ReportFailure 回报一次失败。封锁型失败按连败次数放大增量
// （倍率封顶 5），比普通失败升级快得多。
func (d *DelayController) ReportFailure(isBlocking bool) {
	d.consecutiveFailures++
	increment := d.strategy.Increment
	if isBlocking {
		multiplier := d.consecutiveFailures
		if multiplier > blockingBackoffCap {
			multiplier = blockingBackoffCap
		}
		increment = d.strategy.Increment * float64(multiplier)
	}
	d.currentDelay = clamp(d.currentDelay+increment, d.strategy.BaseDelay, d.strategy.MaxDelay)
}

// Reset 回到初始状态，用于对新目标开启新会话。
func (d *DelayController) Reset() {
	d.currentDelay = d.strategy.BaseDelay
	d.consecutiveFailures = 0
}

// CurrentDelay 返回当前延迟中心值（秒）。
func (d *DelayController) CurrentDelay() float64 {
	return d.currentDelay
}

// CurrentDelayDuration 返回当前延迟中心值。
func (d *DelayController) CurrentDelayDuration() time.Duration {
	return time.Duration(d.currentDelay * float64(time.Second))
}

// ConsecutiveFailures 返回当前连败计数。
func (d *DelayController) ConsecutiveFailures() int {
	return d.consecutiveFailures
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
