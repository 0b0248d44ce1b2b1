package api

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// StreamLogs 通过 WebSocket 推送运行的实时日志。
// HTTP端点: GET /ws/runs/{run_id}/logs
//
// 功能说明：
//   - 运行不存在时在升级前返回 404
//   - 每行日志作为一条 JSON 文本消息发送：{run_id, sequence, text, emitted_at}
//   - 运行结束或观察者因消费过慢被断开时发送正常关闭帧
//   - 只推送连接之后产生的日志（除非开启了回放）
func (h *Handler) StreamLogs(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	sub, err := h.svc.Subscribe(runID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).WithField("run_id", runID).Warn("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	log := h.logger.WithFields(logrus.Fields{"run_id": runID, "remote": r.RemoteAddr})
	log.Debug("Log viewer attached")

	// 读循环只用于感知客户端断开
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			log.Debug("Log viewer disconnected")
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case line, ok := <-sub.C:
			if !ok {
				reason := "run finished"
				if err := sub.Err(); err != nil {
					reason = err.Error()
					log.WithError(err).Warn("Log viewer detached")
				}
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
					time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(line); err != nil {
				return
			}
		}
	}
}

// originChecker 返回 WebSocket 来源校验函数。
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.ToLower(strings.TrimRight(o, "/"))] = true
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return set[strings.ToLower(u.Scheme+"://"+u.Host)]
	}
}
