package web

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/bageyalu160/universal-scraper-auto-sub000/internal/shared/logger"
	"github.com/bageyalu160/universal-scraper-auto-sub000/internal/shared/types"
	"github.com/bageyalu160/universal-scraper-auto-sub000/proxypool"
)

// basicAuthMiddleware 检查 user 和 password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartServer 启动状态接口服务。port <= 0 时禁用。
func StartServer(
	wg *sync.WaitGroup,
	cfg *types.Config,
	pool *proxypool.Pool,
	facade *proxypool.Facade,
	hub *Hub,
) {
	if cfg.WebConf.Port <= 0 {
		logger.Info().Msg("Status web service is disabled (web port is 0 or not set).")
		return
	}

	handler := NewHandler(pool, facade, hub)
	mux := http.NewServeMux()

	user := cfg.WebConf.User
	password := cfg.WebConf.Password

	mux.Handle("/api/pool/stats", basicAuthMiddleware(http.HandlerFunc(handler.HandleStats), user, password))
	mux.Handle("/api/pool/proxies", basicAuthMiddleware(http.HandlerFunc(handler.HandleProxies), user, password))
	mux.Handle("/api/pool/integrate", basicAuthMiddleware(http.HandlerFunc(handler.HandleIntegrate), user, password))
	mux.HandleFunc("/ws", handler.HandleWebSocket)

	addr := fmt.Sprintf(":%d", cfg.WebConf.Port)

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Str("addr", addr).Msg("Status web service listening.")
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error().Err(err).Msg("Status web service exited.")
		}
	}()

	go hub.Run()
}
