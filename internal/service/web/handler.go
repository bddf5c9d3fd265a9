package web

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/bageyalu160/universal-scraper-auto-sub000/internal/shared/logger"
	"github.com/bageyalu160/universal-scraper-auto-sub000/proxypool"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 状态页同源部署，放开来源检查
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler 持有状态接口需要的依赖。
type Handler struct {
	pool   *proxypool.Pool
	facade *proxypool.Facade
	hub    *Hub
}

func NewHandler(pool *proxypool.Pool, facade *proxypool.Facade, hub *Hub) *Handler {
	return &Handler{pool: pool, facade: facade, hub: hub}
}

// HandleStats 返回池状态快照。
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pool.Stats())
}

// HandleProxies 返回所有已知代理的状态列表。
func (h *Handler) HandleProxies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pool.ProxyStatuses())
}

// integrateRequest 对应 POST /api/pool/integrate 的请求体。
type integrateRequest struct {
	Action     string `json:"action"`
	SourceType string `json:"source_type"`
}

// HandleIntegrate 执行一个调度动作并返回结果摘要。
// 结果总是 200 + 带 status 字段的 JSON，调用方按 status 分支。
func (h *Handler) HandleIntegrate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req integrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "error": "invalid JSON body"})
		return
	}

	result := h.facade.Integrate(r.Context(), req.Action, req.SourceType)
	writeJSON(w, http.StatusOK, result)
}

// HandleWebSocket 升级连接并交给 Hub 管理。
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("WebSocket upgrade failed.")
		return
	}
	h.hub.register <- conn

	// read pump: 只为感知客户端断开
	go func() {
		defer func() { h.hub.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("Failed to encode JSON response.")
	}
}
