package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/houzhh15/lexscribe/cmd/server/internal/batches"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsPongWait   = 2 * wsPingPeriod
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// 事件流不携带凭证，允许跨域页面订阅
	CheckOrigin: func(*http.Request) bool { return true },
}

// Events GET /api/v1/transcriptions/:id/events?since=N
// WebSocket 请求推送事件直到批次结束；普通 HTTP 请求返回 since 之后的事件列表
func (h *TranscriptionHandler) Events(c *gin.Context) {
	id := c.Param("id")
	bus, err := h.batches.Events(id)
	if err != nil {
		notFoundResponse(c, "transcription")
		return
	}
	since, ok := parseSeq(c)
	if !ok {
		badRequestResponse(c, "since must be a non-negative integer")
		return
	}

	if !websocket.IsWebSocketUpgrade(c.Request) {
		events := bus.Since(since)
		successResponse(c, gin.H{"events": events, "last_seq": lastSeq(events, since)})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "batch", id, "error", err)
		return
	}
	defer conn.Close()

	h.streamEvents(conn, id, bus, since)
}

func (h *TranscriptionHandler) streamEvents(conn *websocket.Conn, id string, bus *orchestrator.EventBus, since int64) {
	// 读循环只处理 pong 与关闭帧
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	seq := since
	for {
		wake := bus.Wait()
		for _, ev := range bus.Since(seq) {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.log.Debug("event stream write failed", "batch", id, "error", err)
				return
			}
			seq = ev.Seq
			if ev.Type == orchestrator.EventOutcome {
				h.closeStream(conn, "batch finished")
				return
			}
		}
		// 结果事件可能已被历史上限挤出
		if snap, ok := h.batches.Get(id); !ok || (snap.State == batches.StateDone && bus.LastSeq() <= seq) {
			h.closeStream(conn, "batch finished")
			return
		}

		select {
		case <-wake:
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func (h *TranscriptionHandler) closeStream(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}

func lastSeq(events []orchestrator.Event, since int64) int64 {
	if len(events) == 0 {
		return since
	}
	return events[len(events)-1].Seq
}
