package proxypool

import (
	"context"
	"fmt"
	"time"

	"github.com/bageyalu160/universal-scraper-auto-sub000/internal/shared/logger"
)

// ActionResult 是面向外部调度器（cron、运维 CLI）的统一结果结构。
// 调度方只根据 Status 分支，永远不需要处理异常。
type ActionResult struct {
	Status         string  `json:"status"` // "success" 或 "error"
	Action         string  `json:"action"`
	SourceType     string  `json:"source_type,omitempty"`
	BeforeCount    int     `json:"before_count"`
	AfterCount     int     `json:"after_count"`
	RecoveredCount int     `json:"recovered_count,omitempty"`
	ClearedCount   int     `json:"cleared_count,omitempty"`
	ElapsedTime    float64 `json:"elapsed_time"` // 秒
	Error          string  `json:"error,omitempty"`
}

// Facade 把池的粗粒度动作暴露给外部调度器。它只依赖 Pool。
type Facade struct {
	pool *Pool
}

// NewFacade 创建一个 Facade。
func NewFacade(pool *Pool) *Facade {
	return &Facade{pool: pool}
}

// Integrate 执行一个调度动作并返回结果摘要。
//
// action ∈ {update, validate, clear, rebuild, recover}
// sourceType ∈ {all, api, file, web, script}
//
// 本方法从不返回 Go error，也从不 panic 逃逸：任何失败都落在
// 返回结构的 Error 字段里。
func (f *Facade) Integrate(ctx context.Context, action, sourceType string) (result ActionResult) {
	l := logger.WithComponent("ProxyPool/Facade")
	start := time.Now()

	if sourceType == "" {
		sourceType = "all"
	}
	result = ActionResult{
		Status:     "success",
		Action:     action,
		SourceType: sourceType,
	}

	defer func() {
		if r := recover(); r != nil {
			result.Status = "error"
			result.Error = fmt.Sprintf("panic during %s: %v", action, r)
			l.Error().Interface("panic", r).Str("action", action).Msg("Integrate action panicked.")
		}
		result.ElapsedTime = time.Since(start).Seconds()
		l.Info().Str("action", action).Str("status", result.Status).Float64("elapsed", result.ElapsedTime).Msg("Integrate action finished.")
	}()

	result.BeforeCount = f.pool.Stats().Active

	switch action {
	case "update":
		if err := f.pool.Refresh(ctx, true, sourceType); err != nil {
			result.Status = "error"
			result.Error = err.Error()
		}
	case "validate":
		result.BeforeCount, result.AfterCount = f.pool.ValidateActive(ctx)
		return result
	case "clear":
		result.ClearedCount = f.pool.ClearFailed()
	case "rebuild":
		if err := f.pool.Rebuild(ctx, sourceType); err != nil {
			result.Status = "error"
			result.Error = err.Error()
		}
	case "recover":
		result.RecoveredCount = f.pool.Recover(ctx)
	default:
		result.Status = "error"
		result.Error = fmt.Sprintf("unknown action: %q", action)
	}

	result.AfterCount = f.pool.Stats().Active
	return result
}
