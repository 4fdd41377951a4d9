package main

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/z-wentao/livecaption/pkg/chunkstore"
	"github.com/z-wentao/livecaption/pkg/models"
	"github.com/z-wentao/livecaption/pkg/session"
	"github.com/z-wentao/livecaption/pkg/storage"
	"github.com/z-wentao/livecaption/pkg/transcriber"
)

// handler 入口：/ws 不经过 gin，握手要在原始 ResponseWriter 上 Hijack
// （gin 的 ResponseWriter 先写出 101 再 Hijack 会被拒绝）
func (app *App) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", app.handleWebSocket)
	mux.Handle("/", app.setupRouter())
	return mux
}

// setupRouter 设置路由
func (app *App) setupRouter() *gin.Engine {
	r := gin.Default()

	// 观众端
	r.GET("/chunks/:name", app.handleGetChunk)
	if app.config.Metrics.Enabled {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	// API 路由
	api := r.Group("/api")
	{
		api.GET("/ping", app.handlePing)
		api.POST("/sessions", app.handleStartSession)                    // 启动会话（顶替当前会话）
		api.GET("/sessions", app.handleListSessions)                     // 历史会话
		api.GET("/sessions/:id", app.handleGetSession)                   // 会话详情
		api.GET("/sessions/:id/chunks", app.handleListChunks)            // 会话已发布片段
		api.GET("/sessions/:id/transcript.srt", app.handleTranscriptSRT) // 整场字幕
		api.GET("/sessions/:id/transcript.vtt", app.handleTranscriptVTT)
		api.GET("/session", app.handleCurrentSession)                   // 当前会话
		api.DELETE("/session", app.handleStopSession)                   // 停止当前会话
		api.GET("/chunks/:index/captions.vtt", app.handleChunkCaptions) // 当前会话单个片段字幕
	}

	return r
}

// handlePing 健康检查
func (app *App) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
		"version": version,
	})
}

// handleStartSession 启动会话，立即返回 202
func (app *App) handleStartSession(c *gin.Context) {
	var req session.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误: " + err.Error()})
		return
	}

	s, err := app.controller.Start(req)
	if err != nil {
		c.JSON(startErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	log.Printf("✓ 会话已创建: %s (%s)", s.ID(), req.StreamURL)
	c.JSON(http.StatusAccepted, s.Info())
}

func startErrorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleCurrentSession 当前会话状态
func (app *App) handleCurrentSession(c *gin.Context) {
	s := app.controller.Current()
	if s == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": session.ErrNoActiveSession.Error()})
		return
	}
	c.JSON(http.StatusOK, s.Info())
}

// handleStopSession 停止当前会话，已入队的片段继续处理完
func (app *App) handleStopSession(c *gin.Context) {
	s, err := app.controller.Stop()
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	log.Printf("🛑 会话停止中: %s", s.ID())
	c.JSON(http.StatusOK, s.Info())
}

// handleListSessions 列出历史会话（最新的在前）
func (app *App) handleListSessions(c *gin.Context) {
	sessions, err := app.archive.ListSessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询会话失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// handleGetSession 查询会话详情
func (app *App) handleGetSession(c *gin.Context) {
	info, err := app.archive.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(archiveErrorStatus(err), gin.H{"error": archiveErrorMessage(err, "会话不存在")})
		return
	}
	c.JSON(http.StatusOK, info)
}

// handleListChunks 会话已发布的片段及字幕
func (app *App) handleListChunks(c *gin.Context) {
	chunks, ok := app.sessionChunks(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"chunks": chunks,
		"total":  len(chunks),
	})
}

func (app *App) handleTranscriptSRT(c *gin.Context) {
	chunks, ok := app.sessionChunks(c)
	if !ok {
		return
	}
	c.Header("Content-Type", "application/x-subrip; charset=utf-8")
	if err := transcriber.WriteSRT(c.Writer, transcriber.SessionCues(chunks)); err != nil {
		log.Printf("⚠️ 输出字幕失败: %v", err)
	}
}

func (app *App) handleTranscriptVTT(c *gin.Context) {
	chunks, ok := app.sessionChunks(c)
	if !ok {
		return
	}
	c.Header("Content-Type", "text/vtt; charset=utf-8")
	if err := transcriber.WriteVTT(c.Writer, transcriber.SessionCues(chunks)); err != nil {
		log.Printf("⚠️ 输出字幕失败: %v", err)
	}
}

// sessionChunks 先确认会话存在，再取片段列表
func (app *App) sessionChunks(c *gin.Context) ([]*models.PublishedChunk, bool) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := app.archive.GetSession(ctx, id); err != nil {
		c.JSON(archiveErrorStatus(err), gin.H{"error": archiveErrorMessage(err, "会话不存在")})
		return nil, false
	}
	chunks, err := app.archive.ListChunks(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询片段失败"})
		return nil, false
	}
	return chunks, true
}

// handleChunkCaptions 当前会话某个片段的 WebVTT 字幕（时间相对片段起点）
func (app *App) handleChunkCaptions(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "片段序号无效"})
		return
	}
	s := app.controller.Current()
	if s == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": session.ErrNoActiveSession.Error()})
		return
	}

	chunk, err := app.archive.GetChunk(c.Request.Context(), s.ID(), index)
	if err != nil {
		c.JSON(archiveErrorStatus(err), gin.H{"error": archiveErrorMessage(err, "片段不存在")})
		return
	}
	c.Header("Content-Type", "text/vtt; charset=utf-8")
	if err := transcriber.WriteVTT(c.Writer, transcriber.ChunkCues(chunk)); err != nil {
		log.Printf("⚠️ 输出字幕失败: %v", err)
	}
}

// handleGetChunk 按序号取已发布片段；name 可以是 "3" 或 "chunk_3.mp4"
func (app *App) handleGetChunk(c *gin.Context) {
	index, err := chunkstore.ParseChunkName(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": chunkstore.ErrChunkNotFound.Error()})
		return
	}

	f, err := app.chunks.Open(index)
	if err != nil {
		if errors.Is(err, chunkstore.ErrChunkNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "读取片段失败"})
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "读取片段失败"})
		return
	}
	c.Header("Content-Type", "video/mp4")
	c.Header("Cache-Control", "no-cache")
	http.ServeContent(c.Writer, c.Request, chunkstore.ChunkName(index), stat.ModTime(), f)
}

func archiveErrorStatus(err error) int {
	if errors.Is(err, storage.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func archiveErrorMessage(err error, notFound string) string {
	if errors.Is(err, storage.ErrNotFound) {
		return notFound
	}
	return "查询存档失败"
}
