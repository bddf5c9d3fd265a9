package source

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/bageyalu160/universal-scraper-auto-sub000/internal/shared/logger"
	"github.com/bageyalu160/universal-scraper-auto-sub000/internal/shared/types"
	"github.com/bageyalu160/universal-scraper-auto-sub000/proxypool/model"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// WebSource 实现了 Source 接口，用于抓取免费代理列表站的 HTML 表格。
// selector 指向表格的行，ipColumn/portColumn 指定 IP 与端口所在的列。
type WebSource struct {
	name       string
	url        string
	selector   string
	ipColumn   int
	portColumn int
	client     *http.Client
}

// NewWebSource 创建一个新的 WebSource 实例。
func NewWebSource(cfg *types.SourceConf) *WebSource {
	selector := cfg.Selector
	if selector == "" {
		selector = "table tbody tr"
	}
	return &WebSource{
		name:       cfg.Name,
		url:        cfg.URL,
		selector:   selector,
		ipColumn:   cfg.IPColumn,
		portColumn: cfg.PortColumn,
		client: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

func (s *WebSource) Name() string { return s.name }
func (s *WebSource) Type() string { return "web" }

// Fetch 执行抓取操作。
func (s *WebSource) Fetch(ctx context.Context) ([]model.Proxy, error) {
	l := logger.WithComponent("ProxyPool/Source")
	l.Debug().Str("source", s.name).Str("url", s.url).Msg("Scraping proxy listing page...")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", defaultUserAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", s.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source %s returned status %d", s.name, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse HTML: %w", err)
	}

	var proxies []model.Proxy
	doc.Find(s.selector).Each(func(i int, sel *goquery.Selection) {
		ip := strings.TrimSpace(sel.Find("td").Eq(s.ipColumn).Text())
		portStr := strings.TrimSpace(sel.Find("td").Eq(s.portColumn).Text())

		p, ok := parseIPPort(ip, portStr)
		if !ok {
			return
		}
		proxies = append(proxies, p)
	})

	l.Info().Str("source", s.name).Int("count", len(proxies)).Msg("Web source scraped.")
	return proxies, nil
}
