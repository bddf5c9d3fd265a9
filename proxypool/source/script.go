package source

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/bageyalu160/universal-scraper-auto-sub000/internal/shared/logger"
	"github.com/bageyalu160/universal-scraper-auto-sub000/internal/shared/types"
	"github.com/bageyalu160/universal-scraper-auto-sub000/proxypool/model"
)

// ScriptSource 实现了 Source 接口，用于处理把代理列表内嵌在页面
// JS 变量里的来源。它抓取页面后用正则提取
// `var <script_var> = [...]` 形式的 JSON 数组。
type ScriptSource struct {
	name      string
	url       string
	pattern   *regexp.Regexp
	collector *colly.Collector
}

// NewScriptSource 创建一个新的 ScriptSource 实例。
func NewScriptSource(cfg *types.SourceConf) *ScriptSource {
	c := colly.NewCollector(
		colly.UserAgent(defaultUserAgent),
	)
	c.SetRequestTimeout(20 * time.Second)

	varName := cfg.ScriptVar
	if varName == "" {
		varName = "fpsList"
	}

	return &ScriptSource{
		name:      cfg.Name,
		url:       cfg.URL,
		pattern:   regexp.MustCompile(`(?s)(var|let|const)\s+` + regexp.QuoteMeta(varName) + `\s*=\s*(\[.*?\]);`),
		collector: c,
	}
}

func (s *ScriptSource) Name() string { return s.name }
func (s *ScriptSource) Type() string { return "script" }

// Fetch 执行抓取操作。
func (s *ScriptSource) Fetch(ctx context.Context) ([]model.Proxy, error) {
	l := logger.WithComponent("ProxyPool/Source")

	var proxies []model.Proxy
	var parseErr error

	// 每次拉取用独立的 collector 副本，避免响应回调重复注册
	collector := s.collector.Clone()
	collector.OnResponse(func(r *colly.Response) {
		matches := s.pattern.FindSubmatch(r.Body)
		if len(matches) < 3 {
			parseErr = fmt.Errorf("source %s: proxy list variable not found in page", s.name)
			return
		}

		var items []apiProxyItem
		if err := json.Unmarshal(matches[2], &items); err != nil {
			parseErr = fmt.Errorf("source %s: parse embedded JSON: %w", s.name, err)
			return
		}

		for _, item := range items {
			var portStr string
			if err := json.Unmarshal(item.Port, &portStr); err != nil {
				var portNum int
				if err := json.Unmarshal(item.Port, &portNum); err != nil {
					continue
				}
				portStr = fmt.Sprintf("%d", portNum)
			}
			if p, ok := parseIPPort(item.IP, portStr); ok {
				proxies = append(proxies, p)
			}
		}
	})

	if err := collector.Visit(s.url); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", s.url, err)
	}
	collector.Wait()

	if parseErr != nil {
		return nil, parseErr
	}

	l.Info().Str("source", s.name).Int("count", len(proxies)).Msg("Script source scraped.")
	return proxies, nil
}
