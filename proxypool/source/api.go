package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bageyalu160/universal-scraper-auto-sub000/internal/shared/logger"
	"github.com/bageyalu160/universal-scraper-auto-sub000/internal/shared/types"
	"github.com/bageyalu160/universal-scraper-auto-sub000/proxypool/model"
)

// maxAPIBody 限制 API 响应体大小，防止异常来源撑爆内存。
const maxAPIBody = 4 << 20

// APISource 实现了 Source 接口，通过 HTTP GET 从代理 API 拉取候选。
// 响应可以是 JSON 数组（元素为 {ip, port} 对象或 "ip:port" 字符串），
// 也可以是包裹在 data/proxies/list 键下的同样结构。
type APISource struct {
	name    string
	url     string
	headers map[string]string
	params  map[string]string
	client  *http.Client
}

// NewAPISource 创建一个新的 APISource 实例。
func NewAPISource(cfg *types.SourceConf) *APISource {
	return &APISource{
		name:    cfg.Name,
		url:     cfg.URL,
		headers: cfg.Headers,
		params:  cfg.Params,
		client: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

func (s *APISource) Name() string { return s.name }
func (s *APISource) Type() string { return "api" }

// Fetch 执行拉取操作。
func (s *APISource) Fetch(ctx context.Context) ([]model.Proxy, error) {
	l := logger.WithComponent("ProxyPool/Source")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if len(s.params) > 0 {
		q := req.URL.Query()
		for k, v := range s.params {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", s.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source %s returned status %d", s.name, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	proxies, err := decodeCandidates(body)
	if err != nil {
		return nil, err
	}

	l.Info().Str("source", s.name).Int("count", len(proxies)).Msg("API source fetched.")
	return proxies, nil
}

// apiProxyItem 兼容端口为字符串或数字的 {ip, port} 对象。
type apiProxyItem struct {
	IP   string          `json:"ip"`
	Port json.RawMessage `json:"port"`
}

// decodeCandidates 从 API 响应体中解出代理列表。
func decodeCandidates(body []byte) ([]model.Proxy, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		// 不是顶层数组，尝试 list-within-object 形式
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(body, &wrapper); err != nil {
			return nil, fmt.Errorf("unrecognized API response shape: %w", err)
		}
		found := false
		for _, key := range []string{"data", "proxies", "list"} {
			if raw, ok := wrapper[key]; ok {
				if err := json.Unmarshal(raw, &items); err == nil {
					found = true
					break
				}
			}
		}
		if !found {
			return nil, fmt.Errorf("no proxy list found in API response object")
		}
	}

	proxies := make([]model.Proxy, 0, len(items))
	for _, item := range items {
		if p, ok := decodeCandidate(item); ok {
			proxies = append(proxies, p)
		}
	}
	return proxies, nil
}

func decodeCandidate(raw json.RawMessage) (model.Proxy, bool) {
	var addr string
	if err := json.Unmarshal(raw, &addr); err == nil {
		p, perr := model.FromHostPort(addr)
		return p, perr == nil
	}

	var obj apiProxyItem
	if err := json.Unmarshal(raw, &obj); err != nil {
		return model.Proxy{}, false
	}
	var portStr string
	// 端口字段可能是 8080 也可能是 "8080"
	if err := json.Unmarshal(obj.Port, &portStr); err != nil {
		var portNum int
		if err := json.Unmarshal(obj.Port, &portNum); err != nil {
			return model.Proxy{}, false
		}
		portStr = fmt.Sprintf("%d", portNum)
	}
	return parseIPPort(obj.IP, portStr)
}
