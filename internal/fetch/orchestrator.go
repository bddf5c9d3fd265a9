// Package fetch 执行单次逻辑抓取：分配代理、控制节奏、附加
// 拟人化的请求元数据、识别封锁响应并在有界次数内重试。
package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bageyalu160/universal-scraper-auto-sub000/internal/pacing"
	"github.com/bageyalu160/universal-scraper-auto-sub000/internal/shared/logger"
	"github.com/bageyalu160/universal-scraper-auto-sub000/internal/shared/types"
	"github.com/bageyalu160/universal-scraper-auto-sub000/proxypool/model"
)

// ErrRetriesExhausted 表示重试次数用尽后仍未取得可用响应。
var ErrRetriesExhausted = errors.New("retries exhausted")

// maxResponseBody 读取响应体的上限，封锁特征都在页面前部。
const maxResponseBody = 1 << 20

// ProxyProvider 是编排器对代理池的最小依赖。
// *proxypool.Pool 满足该接口。
type ProxyProvider interface {
	Acquire(ctx context.Context, rotate bool) (model.Proxy, error)
	Report(proxy model.Proxy, success bool)
}

// Result 是一次逻辑抓取的结果。
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	UsedProxy  model.Proxy
	Attempts   int
	Blocked    bool
}

// Orchestrator 组合代理池、延迟控制器与封锁检测器，完成一次带
// 重试的逻辑抓取。每个并发 worker 持有自己的 Orchestrator
// （以及其中的会话状态和延迟控制器）；只有代理池是全局共享的。
type Orchestrator struct {
	provider ProxyProvider
	delay    *pacing.DelayController
	detector *BlockDetector
	cfg      types.FetchConf

	sess          *session
	lastRequestAt time.Time
	forceRotate   bool

	// sleep 可在测试中替换
	sleep func(time.Duration)
}

// NewOrchestrator 创建一个编排器。
func NewOrchestrator(provider ProxyProvider, delay *pacing.DelayController, cfg types.FetchConf) *Orchestrator {
	return &Orchestrator{
		provider: provider,
		delay:    delay,
		detector: NewBlockDetector(cfg.BlockPatterns),
		cfg:      cfg,
		sess:     newSession(),
		sleep:    time.Sleep,
	}
}

// SessionID 返回当前会话的标识，用于日志关联。
func (o *Orchestrator) SessionID() string {
	return o.sess.id
}

// Fetch 执行一次逻辑抓取。
//
// 每次尝试经历 PREPARE → WAIT → SEND → INSPECT；封锁响应或传输
// 错误触发换代理重试，最多 MaxRetries 次。重试耗尽时返回
// ErrRetriesExhausted（包装后），连同最后一次的结果——失败从不被
// 静默吞掉。HTTP 尝试总数不会超过 MaxRetries+1。
func (o *Orchestrator) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	l := logger.WithComponent("Fetch")
	maxRetries := o.maxRetries()

	var lastResult *Result
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			// 重试前按当前延迟中心值等待
			o.sleep(o.delay.CurrentDelayDuration())
		}

		// PREPARE: 按轮换计数或上次封锁决定是否换代理
		if err := o.ensureProxy(ctx); err != nil {
			return lastResult, err
		}

		// WAIT: 对齐到距上次请求的墙钟时间，而不是无条件叠加
		if wait := o.delay.NextDelay() - time.Since(o.lastRequestAt); wait > 0 {
			o.sleep(wait)
		}

		// SEND
		result, err := o.doRequest(ctx, rawURL)
		o.lastRequestAt = time.Now()
		o.sess.proxyRequestCount++

		if err != nil {
			l.Warn().Err(err).Str("url", rawURL).Str("proxy", o.sess.currentProxy.Key()).Int("attempt", attempt+1).Msg("Request transport failure.")
			o.provider.Report(o.sess.currentProxy, false)
			o.delay.ReportFailure(false)
			o.noteRetry()
			lastErr = err
			continue
		}

		// INSPECT
		result.Attempts = attempt + 1
		if o.detector.Blocked(result.StatusCode, result.Body) {
			result.Blocked = true
			l.Warn().Str("url", rawURL).Int("status", result.StatusCode).Str("proxy", o.sess.currentProxy.Key()).Int("attempt", attempt+1).Msg("Blocking response detected.")
			o.provider.Report(o.sess.currentProxy, false)
			o.delay.ReportFailure(true)
			o.noteRetry()
			lastResult = result
			lastErr = nil
			continue
		}

		// SUCCESS
		o.provider.Report(o.sess.currentProxy, true)
		o.delay.ReportSuccess()
		o.sess.recordVisit(rawURL)
		return result, nil
	}

	// EXHAUSTED
	if lastErr != nil {
		return lastResult, fmt.Errorf("fetch %s: %w: last error: %v", rawURL, ErrRetriesExhausted, lastErr)
	}
	return lastResult, fmt.Errorf("fetch %s: %w after %d attempts", rawURL, ErrRetriesExhausted, maxRetries+1)
}

// noteRetry 标记下一次尝试前需要换代理（可通过配置关闭）。
func (o *Orchestrator) noteRetry() {
	if o.cfg.RotateOnRetry {
		o.forceRotate = true
	}
}

// ensureProxy 保证会话持有一个可用代理。
// 首次请求、连续使用达到轮换计数、或上一次被封锁时换新代理。
func (o *Orchestrator) ensureProxy(ctx context.Context) error {
	rotationCount := o.cfg.ProxyRotationCount
	if rotationCount <= 0 {
		rotationCount = 10
	}

	needNew := o.sess.currentProxy.IsZero() ||
		o.forceRotate ||
		o.sess.proxyRequestCount >= rotationCount

	if !needNew {
		return nil
	}

	proxy, err := o.provider.Acquire(ctx, true)
	if err != nil {
		return fmt.Errorf("acquire proxy: %w", err)
	}
	o.sess.setProxy(proxy)
	o.forceRotate = false
	return nil
}

// doRequest 通过当前代理发送一次 GET 并读取响应体。
func (o *Orchestrator) doRequest(ctx context.Context, rawURL string) (*Result, error) {
	transport := &http.Transport{
		Proxy:           http.ProxyURL(o.sess.currentProxy.URL()),
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		Timeout:   o.timeout(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", o.sess.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	if ref := o.sess.referer(); ref != "" {
		req.Header.Set("Referer", ref)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, err
	}

	return &Result{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		UsedProxy:  o.sess.currentProxy,
	}, nil
}

func (o *Orchestrator) maxRetries() int {
	if o.cfg.MaxRetries <= 0 {
		return 3
	}
	return o.cfg.MaxRetries
}

func (o *Orchestrator) timeout() time.Duration {
	if o.cfg.Timeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(o.cfg.Timeout) * time.Second
}

// RandomizeOrder 把一批目标 URL 重排成"局部聚簇、全局乱序"的
// 顺序：随机选一个起点，再随机拉 1–5 个 URL 进同一簇（模拟用户
// 先浏览几个相关页面再换话题），直到输入耗尽。比单纯 shuffle 更
// 接近真实会话轨迹。maxRequests > 0 时截断到该数量。
func (o *Orchestrator) RandomizeOrder(urls []string, maxRequests int) []string {
	remaining := make([]string, len(urls))
	copy(remaining, urls)

	pop := func(i int) string {
		v := remaining[i]
		remaining[i] = remaining[len(remaining)-1]
		remaining = remaining[:len(remaining)-1]
		return v
	}

	ordered := make([]string, 0, len(urls))
	for len(remaining) > 0 {
		// 簇的起点
		ordered = append(ordered, pop(o.sess.rng.Intn(len(remaining))))

		clusterSize := 1 + o.sess.rng.Intn(5)
		for i := 0; i < clusterSize && len(remaining) > 0; i++ {
			ordered = append(ordered, pop(o.sess.rng.Intn(len(remaining))))
		}
	}

	if maxRequests > 0 && len(ordered) > maxRequests {
		ordered = ordered[:maxRequests]
	}
	return ordered
}
