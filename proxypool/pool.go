// Package proxypool 维护可用代理的权威集合：获取、验证、轮换、
// 持久化与恢复。整个进程只应构造一个 Pool 实例，由所有并发
// worker 共享（依赖注入，而不是语言级单例），这样健康统计才是
// 一致的。
package proxypool

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/bageyalu160/universal-scraper-auto-sub000/internal/shared/logger"
	"github.com/bageyalu160/universal-scraper-auto-sub000/internal/shared/types"
	"github.com/bageyalu160/universal-scraper-auto-sub000/proxypool/model"
	"github.com/bageyalu160/universal-scraper-auto-sub000/proxypool/source"
	"github.com/bageyalu160/universal-scraper-auto-sub000/proxypool/storage"
	"github.com/bageyalu160/universal-scraper-auto-sub000/proxypool/validator"
)

// ErrPoolExhausted 表示活跃集为空且强制刷新后仍然为空。
// 调用方应把它当作"稍后重试"，而不是崩溃。
var ErrPoolExhausted = errors.New("proxy pool exhausted: no active proxies available")

// maxRefreshLoopInterval 后台刷新循环的最大唤醒间隔。
const maxRefreshLoopInterval = 300 * time.Second

// Stats 是池状态的一次快照拷贝，读取时短暂持锁后复制出来。
type Stats struct {
	Active     int       `json:"active"`
	Failed     int       `json:"failed"`
	Records    int       `json:"records"`
	LastUpdate time.Time `json:"last_update"`
}

// ProxyStatus 描述单个代理的当前状态，供状态页使用。
type ProxyStatus struct {
	Proxy        model.Proxy `json:"proxy"`
	Active       bool        `json:"active"`
	UseCount     int         `json:"use_count"`
	SuccessCount int         `json:"success_count"`
	FailureCount int         `json:"failure_count"`
	LastUsedAt   time.Time   `json:"last_used_at"`
}

// Pool 是代理池模块的总控制器。
// 对活跃集、使用记录和失败记录的所有修改都发生在同一把锁下；
// 唯一设计为在锁外运行的操作是验证（纯 I/O，按候选独立）。
type Pool struct {
	cfg       *types.Config
	storage   storage.Storage
	validator *validator.Validator
	sources   []source.Source

	mu         sync.Mutex
	active     map[string]model.Proxy
	records    map[string]*model.ProxyRecord
	failures   map[string]*model.FailureRecord
	lastUpdate time.Time

	// onChange 在池状态变更后被调用（如有设置），用于状态推送。
	onChange func(Stats)

	refreshTicker *time.Ticker
	stopChan      chan struct{}
	wg            sync.WaitGroup
	stopOnce      sync.Once
}

// New 创建并初始化代理池。
func New(cfg *types.Config, store storage.Storage, v *validator.Validator, sources []source.Source) *Pool {
	return &Pool{
		cfg:       cfg,
		storage:   store,
		validator: v,
		sources:   sources,
		active:    make(map[string]model.Proxy),
		records:   make(map[string]*model.ProxyRecord),
		failures:  make(map[string]*model.FailureRecord),
		stopChan:  make(chan struct{}),
	}
}

// AddSource 追加一个代理来源。
func (p *Pool) AddSource(s source.Source) {
	p.sources = append(p.sources, s)
}

// SetOnChange 注册池状态变更回调。必须在 Start 之前调用。
func (p *Pool) SetOnChange(fn func(Stats)) {
	p.onChange = fn
}

// Start 加载上次运行的快照并启动后台刷新循环。
func (p *Pool) Start() {
	l := logger.WithComponent("ProxyPool")
	l.Info().Msg("Pool starting...")

	if err := p.loadSnapshot(); err != nil {
		l.Error().Err(err).Msg("Failed to load snapshot from storage. Starting with an empty pool.")
	}

	interval := p.updateInterval()
	tick := interval / 12
	if tick > maxRefreshLoopInterval {
		tick = maxRefreshLoopInterval
	}
	if tick <= 0 {
		tick = time.Second
	}
	p.refreshTicker = time.NewTicker(tick)

	l.Info().Dur("update_interval", interval).Dur("wake_interval", tick).Msg("Background refresh loop initialized.")

	p.wg.Add(1)
	go p.refreshLoop()
}

// refreshLoop 是后台刷新循环。它必须在进程的整个生命周期内存活，
// 单次迭代的任何错误都只记录日志，绝不终止循环。
func (p *Pool) refreshLoop() {
	defer p.wg.Done()
	l := logger.WithComponent("ProxyPool")

	for {
		select {
		case <-p.refreshTicker.C:
			p.runRefreshIteration()
		case <-p.stopChan:
			l.Info().Msg("Stop signal received. Shutting down refresh loop.")
			p.refreshTicker.Stop()
			return
		}
	}
}

func (p *Pool) runRefreshIteration() {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Refresh iteration panicked, loop continues.")
		}
	}()
	if err := p.Refresh(context.Background(), false, "all"); err != nil {
		logger.Warn().Err(err).Msg("Background refresh failed.")
	}
}

// Stop 优雅地停止后台任务并做最后一次快照落盘。
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
		p.wg.Wait()
		p.persist()
		logger.Info().Msg("Proxy pool gracefully stopped.")
	})
}

// Acquire 从活跃集取出一个代理。活跃集为空时先做一次同步强制
// 刷新，仍然为空才返回 ErrPoolExhausted。
//
// rotate=false 时均匀随机选取；rotate=true 时选 (UseCount,
// LastUsedAt) 最小的代理，把负载摊开而不是压在一个代理上。
// 每次取出都会递增 UseCount 并更新 LastUsedAt。
func (p *Pool) Acquire(ctx context.Context, rotate bool) (model.Proxy, error) {
	p.mu.Lock()
	if len(p.active) == 0 {
		p.mu.Unlock()
		if err := p.Refresh(ctx, true, "all"); err != nil {
			logger.Warn().Err(err).Msg("Forced refresh on empty pool failed.")
		}
		p.mu.Lock()
	}
	if len(p.active) == 0 {
		p.mu.Unlock()
		return model.Proxy{}, ErrPoolExhausted
	}

	var chosen model.Proxy
	if rotate {
		chosen = p.pickLeastUsedLocked()
	} else {
		chosen = p.pickRandomLocked()
	}

	rec := p.ensureRecordLocked(chosen)
	rec.UseCount++
	rec.LastUsedAt = time.Now()
	p.mu.Unlock()

	return chosen, nil
}

// pickLeastUsedLocked 选出 (UseCount, LastUsedAt) 元组最小的代理。
func (p *Pool) pickLeastUsedLocked() model.Proxy {
	var chosen model.Proxy
	bestUse := -1
	var bestLast time.Time
	for key, proxy := range p.active {
		use := 0
		var last time.Time
		if rec, ok := p.records[key]; ok {
			use = rec.UseCount
			last = rec.LastUsedAt
		}
		if bestUse < 0 || use < bestUse || (use == bestUse && last.Before(bestLast)) {
			chosen = proxy
			bestUse = use
			bestLast = last
		}
	}
	return chosen
}

func (p *Pool) pickRandomLocked() model.Proxy {
	n := rand.Intn(len(p.active))
	for _, proxy := range p.active {
		if n == 0 {
			return proxy
		}
		n--
	}
	// unreachable: len(p.active) > 0 is checked by the caller
	return model.Proxy{}
}

// ensureRecordLocked 返回代理的使用记录，不存在则创建。
func (p *Pool) ensureRecordLocked(proxy model.Proxy) *model.ProxyRecord {
	key := proxy.Key()
	rec, ok := p.records[key]
	if !ok {
		rec = &model.ProxyRecord{Proxy: proxy}
		p.records[key] = rec
	}
	return rec
}

// Report 回报一次通过该代理发出的请求的结果。
//
// 成功：递增 SuccessCount；若存在失败记录则减一，减到 0 删除。
// 失败：创建/递增失败记录；达到 MaxFails 时逐出活跃集（失败
// 记录保留，供 Recover 以后重新接纳）。
// 每次调用都会触发一次尽力而为的快照写入。
func (p *Pool) Report(proxy model.Proxy, success bool) {
	l := logger.WithComponent("ProxyPool")
	key := proxy.Key()

	p.mu.Lock()
	rec := p.ensureRecordLocked(proxy)
	if success {
		// 保持 UseCount >= SuccessCount 不变式
		if rec.SuccessCount < rec.UseCount {
			rec.SuccessCount++
		}
		if fr, ok := p.failures[key]; ok {
			fr.FailureCount--
			if fr.FailureCount <= 0 {
				delete(p.failures, key)
			}
		}
	} else {
		fr, ok := p.failures[key]
		if !ok {
			fr = &model.FailureRecord{Proxy: proxy}
			p.failures[key] = fr
		}
		fr.FailureCount++
		if fr.FailureCount >= p.maxFails() {
			delete(p.active, key)
			l.Info().Str("proxy", key).Int("failures", fr.FailureCount).Msg("Proxy evicted from active set due to excessive failures.")
		}
	}
	p.mu.Unlock()

	p.persist()
	p.notifyChange()
}

// Refresh 从来源拉取候选并重建活跃集。
//
// 除非 force 为真或距上次更新已超过配置间隔，否则跳过。
// 候选与"当前活跃 + 从未失败的已知代理"合并后整体验证，
// 验证在池锁之外并发执行，只有最终接受的列表在锁内写回。
// 刷新后活跃数低于恢复阈值时自动触发 Recover。
func (p *Pool) Refresh(ctx context.Context, force bool, sourceType string) error {
	l := logger.WithComponent("ProxyPool")

	p.mu.Lock()
	if !force && time.Since(p.lastUpdate) < p.updateInterval() {
		p.mu.Unlock()
		l.Debug().Msg("Refresh skipped: update interval not elapsed.")
		return nil
	}
	p.mu.Unlock()

	candidates := p.fetchCandidates(ctx, sourceType)
	if len(candidates) == 0 {
		// 所有来源都失败不是错误：保留最后已知可用的代理
		l.Warn().Msg("No candidates from any source. Keeping last known good active set.")
		p.mu.Lock()
		p.lastUpdate = time.Now()
		p.mu.Unlock()
		return nil
	}

	// 合并候选、当前活跃集、以及从未失败过的已知代理
	p.mu.Lock()
	union := make(map[string]model.Proxy, len(candidates)+len(p.active))
	for _, c := range candidates {
		union[c.Key()] = c
	}
	for key, proxy := range p.active {
		union[key] = proxy
	}
	for key, rec := range p.records {
		if _, failed := p.failures[key]; !failed {
			union[key] = rec.Proxy
		}
	}
	toValidate := make([]model.Proxy, 0, len(union))
	for _, proxy := range union {
		toValidate = append(toValidate, proxy)
	}
	p.mu.Unlock()

	valid := p.validator.Validate(ctx, toValidate)

	p.mu.Lock()
	newActive := make(map[string]model.Proxy, len(valid))
	for _, proxy := range valid {
		newActive[proxy.Key()] = proxy
		// 通过验证的代理视为恢复健康，失败记录整体清除。
		// 详见 DESIGN.md：重新验证是权威恢复路径。
		delete(p.failures, proxy.Key())
	}
	p.active = newActive
	p.lastUpdate = time.Now()
	activeCount := len(p.active)
	p.mu.Unlock()

	p.persist()
	p.notifyChange()

	l.Info().Int("candidates", len(toValidate)).Int("active", activeCount).Msg("Refresh cycle finished.")

	if activeCount < p.cfg.PoolConf.RecoveryThreshold {
		l.Info().Int("active", activeCount).Int("threshold", p.cfg.PoolConf.RecoveryThreshold).Msg("Active count below recovery threshold, attempting recovery.")
		p.Recover(ctx)
	}
	return nil
}

// fetchCandidates 并发拉取所有匹配类型的来源。
// 单个来源失败只记日志并跳过，绝不中断整个刷新周期。
func (p *Pool) fetchCandidates(ctx context.Context, sourceType string) []model.Proxy {
	l := logger.WithComponent("ProxyPool")

	var wg sync.WaitGroup
	resultsChan := make(chan []model.Proxy, len(p.sources))

	for _, s := range p.sources {
		if sourceType != "" && sourceType != "all" && s.Type() != sourceType {
			continue
		}
		wg.Add(1)
		go func(src source.Source) {
			defer wg.Done()
			proxies, err := src.Fetch(ctx)
			if err != nil {
				l.Warn().Err(err).Str("source", src.Name()).Msg("Source fetch failed, skipping for this cycle.")
				return
			}
			if len(proxies) > 0 {
				resultsChan <- proxies
			}
		}(s)
	}

	wg.Wait()
	close(resultsChan)

	seen := make(map[string]struct{})
	var candidates []model.Proxy
	for proxies := range resultsChan {
		for _, proxy := range proxies {
			if _, ok := seen[proxy.Key()]; ok {
				continue
			}
			seen[proxy.Key()] = struct{}{}
			candidates = append(candidates, proxy)
		}
	}
	return candidates
}

// ValidateActive 重新验证当前活跃集，未通过的代理被移出并记一次
// 失败。返回验证前后的活跃数。
func (p *Pool) ValidateActive(ctx context.Context) (before, after int) {
	p.mu.Lock()
	current := make([]model.Proxy, 0, len(p.active))
	for _, proxy := range p.active {
		current = append(current, proxy)
	}
	p.mu.Unlock()

	before = len(current)
	if before == 0 {
		return 0, 0
	}

	valid := p.validator.Validate(ctx, current)
	validSet := make(map[string]struct{}, len(valid))
	for _, proxy := range valid {
		validSet[proxy.Key()] = struct{}{}
	}

	p.mu.Lock()
	for key, proxy := range p.active {
		if _, ok := validSet[key]; ok {
			continue
		}
		delete(p.active, key)
		fr, ok := p.failures[key]
		if !ok {
			fr = &model.FailureRecord{Proxy: proxy}
			p.failures[key] = fr
		}
		fr.FailureCount++
	}
	after = len(p.active)
	p.mu.Unlock()

	p.persist()
	p.notifyChange()
	return before, after
}

// Recover 重新验证失败记录中失败次数最少的代理，通过的重新纳入
// 活跃集并清除其失败记录。没有失败记录时是幂等的空操作。
func (p *Pool) Recover(ctx context.Context) int {
	l := logger.WithComponent("ProxyPool")

	p.mu.Lock()
	failed := make([]*model.FailureRecord, 0, len(p.failures))
	for _, fr := range p.failures {
		if fr.FailureCount <= p.maxFails() {
			failed = append(failed, fr)
		}
	}
	p.mu.Unlock()

	if len(failed) == 0 {
		return 0
	}

	// 失败最少的优先
	sort.Slice(failed, func(i, j int) bool {
		return failed[i].FailureCount < failed[j].FailureCount
	})
	candidates := make([]model.Proxy, len(failed))
	for i, fr := range failed {
		candidates[i] = fr.Proxy
	}

	valid := p.validator.Validate(ctx, candidates)
	if len(valid) == 0 {
		l.Info().Int("attempted", len(candidates)).Msg("Recovery validated no proxies.")
		return 0
	}

	p.mu.Lock()
	for _, proxy := range valid {
		p.active[proxy.Key()] = proxy
		delete(p.failures, proxy.Key())
	}
	p.mu.Unlock()

	p.persist()
	p.notifyChange()

	l.Info().Int("recovered", len(valid)).Int("attempted", len(candidates)).Msg("Recovery finished.")
	return len(valid)
}

// ClearFailed 清空所有失败记录，返回清除的数量。
func (p *Pool) ClearFailed() int {
	p.mu.Lock()
	cleared := len(p.failures)
	p.failures = make(map[string]*model.FailureRecord)
	p.mu.Unlock()

	p.persist()
	p.notifyChange()
	return cleared
}

// Rebuild 清空全部状态并从来源重新构建活跃集。
func (p *Pool) Rebuild(ctx context.Context, sourceType string) error {
	p.mu.Lock()
	p.active = make(map[string]model.Proxy)
	p.records = make(map[string]*model.ProxyRecord)
	p.failures = make(map[string]*model.FailureRecord)
	p.lastUpdate = time.Time{}
	p.mu.Unlock()

	return p.Refresh(ctx, true, sourceType)
}

// Stats 返回池状态的拷贝快照。
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active:     len(p.active),
		Failed:     len(p.failures),
		Records:    len(p.records),
		LastUpdate: p.lastUpdate,
	}
}

// ProxyStatuses 返回所有已知代理的状态列表，按 key 排序。
func (p *Pool) ProxyStatuses() []ProxyStatus {
	p.mu.Lock()
	keys := make(map[string]model.Proxy, len(p.records))
	for key, rec := range p.records {
		keys[key] = rec.Proxy
	}
	for key, proxy := range p.active {
		keys[key] = proxy
	}
	for key, fr := range p.failures {
		keys[key] = fr.Proxy
	}

	statuses := make([]ProxyStatus, 0, len(keys))
	for key, proxy := range keys {
		st := ProxyStatus{Proxy: proxy}
		_, st.Active = p.active[key]
		if rec, ok := p.records[key]; ok {
			st.UseCount = rec.UseCount
			st.SuccessCount = rec.SuccessCount
			st.LastUsedAt = rec.LastUsedAt
		}
		if fr, ok := p.failures[key]; ok {
			st.FailureCount = fr.FailureCount
		}
		statuses = append(statuses, st)
	}
	p.mu.Unlock()

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Proxy.Key() < statuses[j].Proxy.Key()
	})
	return statuses
}

func (p *Pool) maxFails() int {
	if p.cfg.PoolConf.MaxFails <= 0 {
		return 3
	}
	return p.cfg.PoolConf.MaxFails
}

func (p *Pool) updateInterval() time.Duration {
	if p.cfg.PoolConf.UpdateInterval <= 0 {
		return time.Hour
	}
	return time.Duration(p.cfg.PoolConf.UpdateInterval) * time.Second
}

// persist 在锁内复制出快照，在锁外写盘。
// 写失败只记日志，不回滚内存状态。
func (p *Pool) persist() {
	p.mu.Lock()
	snapshot := p.snapshotLocked()
	p.mu.Unlock()

	if err := p.storage.Save(snapshot); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist pool snapshot.")
	}
}

func (p *Pool) snapshotLocked() *model.PoolSnapshot {
	snapshot := model.NewPoolSnapshot()
	for _, proxy := range p.active {
		snapshot.Proxies = append(snapshot.Proxies, proxy)
	}
	sort.Slice(snapshot.Proxies, func(i, j int) bool {
		return snapshot.Proxies[i].Key() < snapshot.Proxies[j].Key()
	})
	for key, rec := range p.records {
		snapshot.UsedProxies[key] = model.UsageEntry{
			Count:    rec.UseCount,
			Success:  rec.SuccessCount,
			LastUsed: rec.LastUsedAt.Unix(),
		}
	}
	for key, fr := range p.failures {
		snapshot.FailedProxies[key] = fr.FailureCount
	}
	if !p.lastUpdate.IsZero() {
		snapshot.LastUpdate = p.lastUpdate.Unix()
	}
	return snapshot
}

// loadSnapshot 从存储做热恢复。已达到逐出阈值的代理不会回到
// 活跃集，保证逐出不变式在重启后依然成立。
func (p *Pool) loadSnapshot() error {
	snapshot, err := p.storage.Load()
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, proxy := range snapshot.Proxies {
		key := proxy.Key()
		if count, ok := snapshot.FailedProxies[key]; ok && count >= p.maxFails() {
			continue
		}
		p.active[key] = proxy
	}
	for key, entry := range snapshot.UsedProxies {
		proxy, ok := p.active[key]
		if !ok {
			parsed, err := model.FromKey(key)
			if err != nil {
				continue
			}
			proxy = parsed
		}
		rec := &model.ProxyRecord{
			Proxy:        proxy,
			UseCount:     entry.Count,
			SuccessCount: entry.Success,
		}
		if entry.LastUsed > 0 {
			rec.LastUsedAt = time.Unix(entry.LastUsed, 0)
		}
		p.records[key] = rec
	}
	for key, count := range snapshot.FailedProxies {
		proxy, ok := p.active[key]
		if !ok {
			parsed, err := model.FromKey(key)
			if err != nil {
				continue
			}
			proxy = parsed
		}
		p.failures[key] = &model.FailureRecord{Proxy: proxy, FailureCount: count}
	}
	if snapshot.LastUpdate > 0 {
		p.lastUpdate = time.Unix(snapshot.LastUpdate, 0)
	}
	return nil
}

func (p *Pool) notifyChange() {
	if p.onChange != nil {
		p.onChange(p.Stats())
	}
}
