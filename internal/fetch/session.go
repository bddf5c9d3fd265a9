package fetch

import (
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/bageyalu160/universal-scraper-auto-sub000/proxypool/model"
)

// maxPageHistory 会话保留的最近访问页数。
const maxPageHistory = 10

// recentRefererProbability 选最近一条历史作为 Referer 的概率。
// 大部分时候引用刚访问过的页面，偶尔跳回更早的页面，
// 模拟真实的多标签浏览轨迹。
const recentRefererProbability = 0.7

// userAgents 轮换使用的桌面浏览器 UA 列表。
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36 Edg/119.0.0.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
}

// session 维护一次逻辑浏览会话的状态：访问历史、当前代理、
// 代理连续使用次数。随 Orchestrator 一起销毁，不做持久化。
type session struct {
	id                string
	visitCount        int
	pageHistory       []string
	lastVisitAt       time.Time
	currentProxy      model.Proxy
	proxyRequestCount int
	userAgent         string
	rng               *rand.Rand
}

func newSession() *session {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &session{
		id:        uuid.NewString(),
		userAgent: userAgents[rng.Intn(len(userAgents))],
		rng:       rng,
	}
}

// recordVisit 把一次成功访问记入历史，历史长度有界。
func (s *session) recordVisit(url string) {
	s.visitCount++
	s.lastVisitAt = time.Now()
	s.pageHistory = append(s.pageHistory, url)
	if len(s.pageHistory) > maxPageHistory {
		s.pageHistory = s.pageHistory[len(s.pageHistory)-maxPageHistory:]
	}
}

// referer 从访问历史中挑一个合理的 Referer。
// 高概率取最近一条，否则随机取更早的一条，偏向可信的导航链
// 而不是永远引用上一页。
func (s *session) referer() string {
	if len(s.pageHistory) == 0 {
		return ""
	}
	if len(s.pageHistory) == 1 || s.rng.Float64() < recentRefererProbability {
		return s.pageHistory[len(s.pageHistory)-1]
	}
	return s.pageHistory[s.rng.Intn(len(s.pageHistory)-1)]
}

// setProxy 切换当前代理并重置该代理的使用计数。
func (s *session) setProxy(p model.Proxy) {
	s.currentProxy = p
	s.proxyRequestCount = 0
}
