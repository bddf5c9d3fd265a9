package validator

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/bageyalu160/universal-scraper-auto-sub000/internal/shared/logger"
	"github.com/bageyalu160/universal-scraper-auto-sub000/proxypool/model"
)

// Validator 负责并发验证候选代理的可用性。
// 它不读取池的任何状态，只依赖传入的不可变候选数据，
// 因此可以完全在池锁之外运行。
type Validator struct {
	testURLs    []string
	timeout     time.Duration
	concurrency int
}

// New 创建一个 Validator。concurrency <= 0 时使用默认并发度。
func New(testURLs []string, timeout time.Duration, concurrency int) *Validator {
	if concurrency <= 0 {
		concurrency = 10
	}
	if len(testURLs) == 0 {
		testURLs = []string{"https://httpbin.org/ip"}
	}
	return &Validator{
		testURLs:    testURLs,
		timeout:     timeout,
		concurrency: concurrency,
	}
}

// Validate 并发探测一批候选代理，返回通过验证的子集。
// 每个代理只要任意一个探测地址返回 200 即视为可用；
// 探测超时按失败处理，不作为错误向上传播。
func (v *Validator) Validate(ctx context.Context, candidates []model.Proxy) []model.Proxy {
	l := logger.WithComponent("ProxyPool/Validator")
	if len(candidates) == 0 {
		return nil
	}

	l.Info().Int("count", len(candidates)).Int("concurrency", v.concurrency).Msg("Starting validation batch...")

	var wg sync.WaitGroup
	resultsChan := make(chan model.Proxy, len(candidates))
	semaphore := make(chan struct{}, v.concurrency)

	for _, p := range candidates {
		wg.Add(1)
		semaphore <- struct{}{}

		go func(proxy model.Proxy) {
			defer wg.Done()
			defer func() { <-semaphore }()

			if v.Check(ctx, proxy) {
				resultsChan <- proxy
			}
		}(p)
	}

	wg.Wait()
	close(resultsChan)

	valid := make([]model.Proxy, 0, len(candidates))
	for p := range resultsChan {
		valid = append(valid, p)
	}

	l.Info().Int("valid", len(valid)).Int("total", len(candidates)).Msg("Validation batch finished.")
	return valid
}

// Check 探测单个代理。任意一个探测地址成功即返回 true。
func (v *Validator) Check(ctx context.Context, p model.Proxy) bool {
	for _, testURL := range v.testURLs {
		if err := v.probe(ctx, p, testURL); err == nil {
			return true
		}
	}
	return false
}

// probe 通过代理向探测地址发送一次 GET，要求返回 200。
func (v *Validator) probe(ctx context.Context, p model.Proxy, testURL string) error {
	transport, err := v.buildTransport(p)
	if err != nil {
		return err
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   v.timeout,
	}
	defer transport.CloseIdleConnections()

	probeCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, testURL, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

// buildTransport 按代理协议构建 http.Transport。
func (v *Validator) buildTransport(p model.Proxy) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   v.timeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
		IdleConnTimeout:       v.timeout,
		TLSHandshakeTimeout:   v.timeout / 2,
		ExpectContinueTimeout: 1 * time.Second,
	}

	switch p.Scheme {
	case "socks5":
		var auth *xproxy.Auth
		if p.Username != "" {
			auth = &xproxy.Auth{User: p.Username, Password: p.Password}
		}
		socksDialer, err := xproxy.SOCKS5("tcp", p.Key(), auth, dialer)
		if err != nil {
			return nil, fmt.Errorf("create SOCKS5 dialer: %w", err)
		}
		contextDialer, ok := socksDialer.(xproxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 dialer does not support context dialing")
		}
		transport.DialContext = contextDialer.DialContext
	default:
		transport.Proxy = http.ProxyURL(p.URL())
		transport.DialContext = dialer.DialContext
	}

	return transport, nil
}
