package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/z-wentao/livecaption/pkg/events"
	"github.com/z-wentao/livecaption/pkg/session"
)

const (
	wsWriteTimeout = 10 * time.Second

	msgStartStream = "start_stream"
	msgStopStream  = "stop_stream"
	msgError       = "error"
)

// clientMessage 观众端发来的控制消息
type clientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// startStreamData 同时接受 snake_case 和前端的 camelCase 字段
type startStreamData struct {
	StreamURL        string  `json:"stream_url"`
	StreamURLCamel   string  `json:"streamUrl"`
	Language         string  `json:"language"`
	Translation      string  `json:"translation"`
	ChunkLength      flexInt `json:"chunk_length"`
	ChunkLengthCamel flexInt `json:"chunkLength"`
}

func (d startStreamData) request() session.Request {
	req := session.Request{
		StreamURL:   d.StreamURL,
		Language:    d.Language,
		Translation: d.Translation,
		ChunkLength: int(d.ChunkLength),
	}
	if req.StreamURL == "" {
		req.StreamURL = d.StreamURLCamel
	}
	if req.ChunkLength == 0 {
		req.ChunkLength = int(d.ChunkLengthCamel)
	}
	return req
}

// flexInt 表单提交的时长可能是字符串 "30"
type flexInt int

func (n *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("无效的整数: %s", b)
	}
	*n = flexInt(v)
	return nil
}

// handleWebSocket 观众连接：先补发当前会话的状态和已发布片段，再持续推送事件
// 同一连接也可以发送 start_stream / stop_stream 控制会话
func (app *App) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: app.config.Server.OriginPatterns,
	})
	if err != nil {
		log.Printf("❌ WebSocket 握手失败: %v", err)
		return
	}
	defer conn.CloseNow()

	// 先订阅再补发，避免漏掉补发期间发布的片段（可能重复，观众按 chunk_index 去重）
	sub := app.hub.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		app.readLoop(ctx, conn)
	}()

	if err := app.sendBacklog(ctx, conn); err != nil {
		log.Printf("⚠️ 补发历史片段失败: %v", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeMessage(ctx, conn, msg); err != nil {
				return
			}
		}
	}
}

// sendBacklog 补发当前会话状态和已发布片段
func (app *App) sendBacklog(ctx context.Context, conn *websocket.Conn) error {
	s := app.controller.Current()
	if s == nil {
		return nil
	}

	msg, err := events.Encode(events.TypeSessionStatus, s.Info())
	if err != nil {
		return err
	}
	if err := writeMessage(ctx, conn, msg); err != nil {
		return err
	}

	chunks, err := app.archive.ListChunks(ctx, s.ID())
	if err != nil {
		return fmt.Errorf("查询已发布片段失败: %w", err)
	}
	for _, chunk := range chunks {
		msg, err := events.Encode(events.TypeTranscriptUpdate, chunk.Event())
		if err != nil {
			return err
		}
		if err := writeMessage(ctx, conn, msg); err != nil {
			return err
		}
	}
	return nil
}

// readLoop 处理控制消息，连接断开时返回
func (app *App) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			app.replyError(ctx, conn, fmt.Errorf("消息格式错误: %w", err))
			continue
		}

		switch msg.Type {
		case msgStartStream:
			var d startStreamData
			if len(msg.Data) > 0 {
				if err := json.Unmarshal(msg.Data, &d); err != nil {
					app.replyError(ctx, conn, fmt.Errorf("消息格式错误: %w", err))
					continue
				}
			}
			s, err := app.controller.Start(d.request())
			if err != nil {
				app.replyError(ctx, conn, err)
				continue
			}
			log.Printf("✓ 会话已创建(WebSocket): %s", s.ID())
		case msgStopStream:
			s, err := app.controller.Stop()
			if err != nil {
				app.replyError(ctx, conn, err)
				continue
			}
			log.Printf("🛑 会话停止中(WebSocket): %s", s.ID())
		default:
			app.replyError(ctx, conn, fmt.Errorf("未知消息类型: %s", msg.Type))
		}
	}
}

func (app *App) replyError(ctx context.Context, conn *websocket.Conn, err error) {
	msg, encErr := events.Encode(msgError, gin.H{"error": err.Error()})
	if encErr != nil {
		return
	}
	if err := writeMessage(ctx, conn, msg); err != nil {
		log.Printf("⚠️ 回复错误消息失败: %v", err)
	}
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, msg)
}
