package source

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bageyalu160/universal-scraper-auto-sub000/internal/shared/types"
	"github.com/bageyalu160/universal-scraper-auto-sub000/proxypool/model"
)

// Source 接口定义了从代理来源拉取候选代理的行为。
// 实现者只负责拉取和初步解析，不做任何验证。
type Source interface {
	// Fetch 执行拉取操作，并返回候选代理切片。
	Fetch(ctx context.Context) ([]model.Proxy, error)

	// Name 返回来源的名称，用于日志记录。
	Name() string

	// Type 返回来源的类型: "api"、"file"、"web" 或 "script"。
	Type() string
}

// New 根据配置构建一个 Source。
func New(cfg *types.SourceConf) (Source, error) {
	switch cfg.Type {
	case "api":
		return NewAPISource(cfg), nil
	case "file":
		return NewFileSource(cfg), nil
	case "web":
		return NewWebSource(cfg), nil
	case "script":
		return NewScriptSource(cfg), nil
	default:
		return nil, fmt.Errorf("unknown source type: %q", cfg.Type)
	}
}

// FromConfigs 构建全部来源，单个配置错误只记入返回的 error 列表。
func FromConfigs(cfgs []*types.SourceConf) ([]Source, []error) {
	sources := make([]Source, 0, len(cfgs))
	var errs []error
	for _, cfg := range cfgs {
		s, err := New(cfg)
		if err != nil {
			errs = append(errs, fmt.Errorf("source %q: %w", cfg.Name, err))
			continue
		}
		sources = append(sources, s)
	}
	return sources, errs
}

// parseIPPort 解析 ip 字符串与可能是字符串或数字的端口。
func parseIPPort(ip, portStr string) (model.Proxy, bool) {
	ip = strings.TrimSpace(ip)
	port, err := strconv.Atoi(strings.TrimSpace(portStr))
	if ip == "" || err != nil || port <= 0 || port > 65535 {
		return model.Proxy{}, false
	}
	return model.Proxy{Scheme: "http", Host: ip, Port: port}, true
}
