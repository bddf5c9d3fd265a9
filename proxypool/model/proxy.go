package model

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Proxy 定义了一个代理端点，是整个模块的核心数据结构。
// 它是一个不可变的值类型：一旦创建，任何组件都不得修改它，
// 相等性按字段逐一比较（结构相等）。
type Proxy struct {
	Scheme   string `json:"scheme"` // "http" 或 "socks5"
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Key 返回代理在池内的唯一标识, 使用 "host:port"。
func (p Proxy) Key() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// URL 将代理渲染为 *url.URL，供 http.Transport 的 Proxy 字段使用。
func (p Proxy) URL() *url.URL {
	u := &url.URL{
		Scheme: p.Scheme,
		Host:   p.Key(),
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

func (p Proxy) String() string {
	return p.URL().String()
}

// IsZero reports whether p is the empty Proxy.
func (p Proxy) IsZero() bool {
	return p.Host == "" && p.Port == 0
}

// FromHostPort 从 "ip:port" 字符串解析一个 HTTP 代理。
func FromHostPort(s string) (Proxy, error) {
	trimmed := strings.TrimSpace(s)
	host, portStr, err := net.SplitHostPort(trimmed)
	if err != nil {
		return Proxy{}, fmt.Errorf("invalid proxy address %q: %w", trimmed, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Proxy{}, fmt.Errorf("invalid proxy port %q", portStr)
	}
	return Proxy{Scheme: "http", Host: host, Port: port}, nil
}

// FromKey 从持久化快照中的 key 重建一个代理。
// 凭据不会持久化到 failedProxies，因此这里只还原地址部分。
func FromKey(key string) (Proxy, error) {
	return FromHostPort(key)
}

// ProxyRecord 记录一个代理的使用情况。由 Pool 独占持有，
// 只能在池锁保护下修改。
type ProxyRecord struct {
	Proxy        Proxy
	UseCount     int
	SuccessCount int
	LastUsedAt   time.Time
}

// FailureRecord 记录一个自上次成功以来至少失败过一次的代理。
// FailureCount 达到 MaxFails 后代理被逐出活跃集，但记录保留，
// 供后续 Recover 重新接纳时使用。
type FailureRecord struct {
	Proxy        Proxy
	FailureCount int
}

// UsageEntry 是 ProxyRecord 的持久化形式。
type UsageEntry struct {
	Count    int   `json:"count"`
	Success  int   `json:"success"`
	LastUsed int64 `json:"lastUsed"`
}

// PoolSnapshot 是池状态的持久化表示。进程启动时读取一次做热恢复，
// 每次池状态变更后整体重写。
type PoolSnapshot struct {
	Proxies       []Proxy               `json:"proxies"`
	UsedProxies   map[string]UsageEntry `json:"usedProxies"`
	FailedProxies map[string]int        `json:"failedProxies"`
	LastUpdate    int64                 `json:"lastUpdate"`
}

// NewPoolSnapshot returns an empty snapshot with initialized maps.
func NewPoolSnapshot() *PoolSnapshot {
	return &PoolSnapshot{
		Proxies:       []Proxy{},
		UsedProxies:   make(map[string]UsageEntry),
		FailedProxies: make(map[string]int),
	}
}
