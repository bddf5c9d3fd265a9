package proxypool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bageyalu160/universal-scraper-auto-sub000/internal/shared/types"
	"github.com/bageyalu160/universal-scraper-auto-sub000/proxypool/model"
	"github.com/bageyalu160/universal-scraper-auto-sub000/proxypool/validator"
)

// memStorage 是内存实现的 Storage，用于测试。
type memStorage struct {
	snapshot *model.PoolSnapshot
	saves    int
	failSave bool
}

func (m *memStorage) Load() (*model.PoolSnapshot, error) {
	if m.snapshot == nil {
		return model.NewPoolSnapshot(), nil
	}
	return m.snapshot, nil
}

func (m *memStorage) Save(s *model.PoolSnapshot) error {
	m.saves++
	if m.failSave {
		return errors.New("disk full")
	}
	m.snapshot = s
	return nil
}

// stubSource 返回固定的候选列表或固定错误。
type stubSource struct {
	name    string
	typ     string
	proxies []model.Proxy
	err     error
	calls   int
}

func (s *stubSource) Name() string { return s.name }
func (s *stubSource) Type() string { return s.typ }
func (s *stubSource) Fetch(ctx context.Context) ([]model.Proxy, error) {
	s.calls++
	return s.proxies, s.err
}

func testConfig() *types.Config {
	cfg := types.NewDefaultConfig()
	cfg.PoolConf.MaxFails = 3
	cfg.PoolConf.UpdateInterval = 3600
	cfg.PoolConf.RecoveryThreshold = 0
	cfg.PoolConf.ValidateTimeout = 2
	cfg.PoolConf.ValidateConcurrency = 4
	return cfg
}

// newProbeProxy 启动一个对任何请求都返回 200 的正向代理，
// 并返回指向它的 Proxy。
func newProbeProxy(t *testing.T) (model.Proxy, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return proxyForServer(t, srv), srv
}

func proxyForServer(t *testing.T, srv *httptest.Server) model.Proxy {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return model.Proxy{Scheme: "http", Host: host, Port: port}
}

func newTestPool(cfg *types.Config, store *memStorage, sources ...*stubSource) *Pool {
	v := validator.New([]string{"http://probe.test/ok"}, 2*time.Second, 4)
	p := New(cfg, store, v, nil)
	for _, s := range sources {
		p.AddSource(s)
	}
	return p
}

// seed 直接注入活跃代理，绕过验证。
func (p *Pool) seed(proxies ...model.Proxy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, proxy := range proxies {
		p.active[proxy.Key()] = proxy
	}
}

func mkProxy(i int) model.Proxy {
	return model.Proxy{Scheme: "http", Host: fmt.Sprintf("10.0.0.%d", i), Port: 8080}
}

func TestReportEvictsAfterMaxFails(t *testing.T) {
	cfg := testConfig()
	p := newTestPool(cfg, &memStorage{})
	a, b, c := mkProxy(1), mkProxy(2), mkProxy(3)
	p.seed(a, b, c)

	for i := 0; i < 3; i++ {
		p.Report(a, false)
	}

	stats := p.Stats()
	require.Equal(t, 2, stats.Active)
	require.Equal(t, 1, stats.Failed)

	// 逐出不变式：达到 MaxFails 的代理不在活跃集中
	p.mu.Lock()
	_, stillActive := p.active[a.Key()]
	fr := p.failures[a.Key()]
	p.mu.Unlock()
	require.False(t, stillActive)
	require.NotNil(t, fr, "failure record must be retained for recovery")
	require.Equal(t, 3, fr.FailureCount)
}

func TestReportSuccessDecrementsFailureRecord(t *testing.T) {
	p := newTestPool(testConfig(), &memStorage{})
	a := mkProxy(1)
	p.seed(a)

	p.Report(a, false)
	p.Report(a, false)
	require.Equal(t, 1, p.Stats().Failed)

	ctx := context.Background()
	_, err := p.Acquire(ctx, false)
	require.NoError(t, err)

	p.Report(a, true)
	p.mu.Lock()
	fr := p.failures[a.Key()]
	p.mu.Unlock()
	require.NotNil(t, fr)
	require.Equal(t, 1, fr.FailureCount)

	_, err = p.Acquire(ctx, false)
	require.NoError(t, err)
	p.Report(a, true)
	require.Equal(t, 0, p.Stats().Failed, "failure record deleted at zero")
}

func TestAcquireEmptyPoolReturnsExhausted(t *testing.T) {
	p := newTestPool(testConfig(), &memStorage{})
	_, err := p.Acquire(context.Background(), false)
	require.ErrorIs(t, err, ErrPoolExhausted)
}

func TestAcquireEmptyPoolTriggersForcedRefresh(t *testing.T) {
	proxy, _ := newProbeProxy(t)
	src := &stubSource{name: "api-1", typ: "api", proxies: []model.Proxy{proxy}}
	p := newTestPool(testConfig(), &memStorage{}, src)

	got, err := p.Acquire(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, proxy, got)
	require.Equal(t, 1, src.calls, "empty pool must refresh synchronously from sources")
}

func TestAcquireIncrementsUsage(t *testing.T) {
	p := newTestPool(testConfig(), &memStorage{})
	a := mkProxy(1)
	p.seed(a)

	for i := 0; i < 5; i++ {
		_, err := p.Acquire(context.Background(), true)
		require.NoError(t, err)
	}

	p.mu.Lock()
	rec := p.records[a.Key()]
	p.mu.Unlock()
	require.NotNil(t, rec)
	require.Equal(t, 5, rec.UseCount)
	require.False(t, rec.LastUsedAt.IsZero())
	require.GreaterOrEqual(t, rec.UseCount, rec.SuccessCount)
}

func TestRotationFairness(t *testing.T) {
	p := newTestPool(testConfig(), &memStorage{})
	const poolSize = 5
	for i := 1; i <= poolSize; i++ {
		p.seed(mkProxy(i))
	}

	const rounds = 500
	for i := 0; i < rounds; i++ {
		_, err := p.Acquire(context.Background(), true)
		require.NoError(t, err)
	}

	p.mu.Lock()
	var counts []float64
	for _, rec := range p.records {
		counts = append(counts, float64(rec.UseCount))
	}
	p.mu.Unlock()

	require.Len(t, counts, poolSize)
	mean := float64(rounds) / float64(poolSize)
	var variance float64
	for _, c := range counts {
		variance += (c - mean) * (c - mean)
	}
	stddev := math.Sqrt(variance / float64(poolSize))
	require.Less(t, stddev/mean, 0.05, "least-used rotation should spread load almost evenly")
}

func TestRefreshNoCandidatesKeepsActiveSet(t *testing.T) {
	src := &stubSource{name: "api-1", typ: "api", err: errors.New("upstream 500")}
	p := newTestPool(testConfig(), &memStorage{}, src)
	a := mkProxy(1)
	p.seed(a)

	err := p.Refresh(context.Background(), true, "all")
	require.NoError(t, err, "total sourcing failure is not an error")
	require.Equal(t, 1, p.Stats().Active, "last known good proxies survive")
}

func TestRefreshReplacesActiveSetWithValidated(t *testing.T) {
	good, _ := newProbeProxy(t)
	dead := mkProxy(9) // nothing listens there
	src := &stubSource{name: "api-1", typ: "api", proxies: []model.Proxy{good, dead}}
	p := newTestPool(testConfig(), &memStorage{}, src)

	require.NoError(t, p.Refresh(context.Background(), true, "all"))

	p.mu.Lock()
	_, hasGood := p.active[good.Key()]
	_, hasDead := p.active[dead.Key()]
	p.mu.Unlock()
	require.True(t, hasGood)
	require.False(t, hasDead)
}

func TestRefreshDeduplicatesAcrossSources(t *testing.T) {
	good, _ := newProbeProxy(t)
	s1 := &stubSource{name: "api-1", typ: "api", proxies: []model.Proxy{good}}
	s2 := &stubSource{name: "file-1", typ: "file", proxies: []model.Proxy{good}}
	p := newTestPool(testConfig(), &memStorage{}, s1, s2)

	require.NoError(t, p.Refresh(context.Background(), true, "all"))
	require.Equal(t, 1, p.Stats().Active, "active set must not contain duplicates")
}

func TestRefreshSourceTypeFilter(t *testing.T) {
	good, _ := newProbeProxy(t)
	apiSrc := &stubSource{name: "api-1", typ: "api", proxies: []model.Proxy{good}}
	fileSrc := &stubSource{name: "file-1", typ: "file", proxies: []model.Proxy{good}}
	p := newTestPool(testConfig(), &memStorage{}, apiSrc, fileSrc)

	require.NoError(t, p.Refresh(context.Background(), true, "api"))
	require.Equal(t, 1, apiSrc.calls)
	require.Equal(t, 0, fileSrc.calls)
}

func TestRefreshIntervalSkip(t *testing.T) {
	src := &stubSource{name: "api-1", typ: "api"}
	p := newTestPool(testConfig(), &memStorage{}, src)
	p.mu.Lock()
	p.lastUpdate = time.Now()
	p.mu.Unlock()

	require.NoError(t, p.Refresh(context.Background(), false, "all"))
	require.Equal(t, 0, src.calls, "refresh skipped inside update interval")
}

func TestRecoverIdempotentWhenNoFailures(t *testing.T) {
	p := newTestPool(testConfig(), &memStorage{})
	p.seed(mkProxy(1))

	before := p.Stats()
	recovered := p.Recover(context.Background())
	require.Equal(t, 0, recovered)
	require.Equal(t, before.Active, p.Stats().Active)
}

func TestRecoverReadmitsValidatedProxy(t *testing.T) {
	good, _ := newProbeProxy(t)
	p := newTestPool(testConfig(), &memStorage{})
	p.seed(good)

	// 打满失败次数，逐出
	for i := 0; i < 3; i++ {
		p.Report(good, false)
	}
	require.Equal(t, 0, p.Stats().Active)

	recovered := p.Recover(context.Background())
	require.Equal(t, 1, recovered)

	stats := p.Stats()
	require.Equal(t, 1, stats.Active)
	require.Equal(t, 0, stats.Failed, "failure record cleared on re-validation")
}

func TestClearFailed(t *testing.T) {
	p := newTestPool(testConfig(), &memStorage{})
	a, b := mkProxy(1), mkProxy(2)
	p.seed(a, b)
	p.Report(a, false)
	p.Report(b, false)

	require.Equal(t, 2, p.ClearFailed())
	require.Equal(t, 0, p.Stats().Failed)
}

func TestPersistenceFailureDoesNotAbortMutation(t *testing.T) {
	store := &memStorage{failSave: true}
	p := newTestPool(testConfig(), store)
	a := mkProxy(1)
	p.seed(a)

	p.Report(a, false)
	require.Equal(t, 1, p.Stats().Failed, "in-memory mutation survives persistence failure")
	require.Greater(t, store.saves, 0)
}

func TestSnapshotRoundtripPreservesState(t *testing.T) {
	store := &memStorage{}
	cfg := testConfig()
	p := newTestPool(cfg, store)
	a, b := mkProxy(1), mkProxy(2)
	p.seed(a, b)

	_, err := p.Acquire(context.Background(), true)
	require.NoError(t, err)
	p.Report(a, false)

	// 重新构建并从同一存储加载
	p2 := newTestPool(cfg, store)
	require.NoError(t, p2.loadSnapshot())

	stats := p2.Stats()
	require.Equal(t, 2, stats.Active)
	require.Equal(t, 1, stats.Failed)
}

func TestLoadSnapshotEnforcesEvictionInvariant(t *testing.T) {
	evicted := mkProxy(7)
	store := &memStorage{snapshot: &model.PoolSnapshot{
		Proxies:       []model.Proxy{evicted, mkProxy(8)},
		UsedProxies:   map[string]model.UsageEntry{},
		FailedProxies: map[string]int{evicted.Key(): 3},
		LastUpdate:    time.Now().Unix(),
	}}
	p := newTestPool(testConfig(), store)
	require.NoError(t, p.loadSnapshot())

	p.mu.Lock()
	_, active := p.active[evicted.Key()]
	p.mu.Unlock()
	require.False(t, active, "proxy at max fails must not be re-admitted on warm start")
	require.Equal(t, 1, p.Stats().Active)
}
