// Package server 本地控制服务: WebSocket推送采集事件并接收扩展页面的指令,
// HTTP接口用于查询状态和导出指标
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/RecoveryAshes/CommentHarvest/internal/core"
	"github.com/RecoveryAshes/CommentHarvest/internal/crawlers"
	"github.com/RecoveryAshes/CommentHarvest/internal/models"
	"github.com/RecoveryAshes/CommentHarvest/internal/utils"
)

// Controller 控制服务依赖的采集入口,由 core.Service 实现
type Controller interface {
	ScrapeItem(ctx context.Context, rawItem string, maxComments int) (*core.ItemOutcome, error)
	ProcessBatch(ctx context.Context, itemIDs []string) (*models.BatchSummary, error)
	ProfileMetadata(ctx context.Context, profileURL string, maxItems int) (*crawlers.MetadataResult, error)
	Stop() bool
	TabActivated(tabID string)
	SessionState() models.SessionState
	RateLimitState() models.RateLimitState
	MemoryStatus() crawlers.MemoryStatus
}

// Config 控制服务配置
type Config struct {
	Addr         string
	SendBuffer   int
	PingInterval time.Duration
}

// Server 控制服务
type Server struct {
	config     Config
	controller Controller
	metrics    *utils.Metrics
	hub        *Hub

	// 后台采集任务使用的上下文,服务关闭时取消
	baseCtx context.Context
	once    sync.Once
	wg      sync.WaitGroup
}

// New 创建控制服务
func New(config Config, controller Controller, metrics *utils.Metrics) *Server {
	s := &Server{
		config:     config,
		controller: controller,
		metrics:    metrics,
		baseCtx:    context.Background(),
	}
	s.hub = NewHub(s.handleEnvelope, config.SendBuffer, config.PingInterval)
	s.hub.SetOnConnect(func(c *Client) {
		c.Send(models.MustEnvelope(models.MsgSessionState, controller.SessionState()))
	})
	return s
}

// Broadcast 推送事件给所有客户端,注册到 core.Service 的监听器
func (s *Server) Broadcast(env models.Envelope) {
	s.hub.Broadcast(env)
}

// Handler 启动连接中心并返回路由,ctx取消后停止推送和后台任务
func (s *Server) Handler(ctx context.Context) http.Handler {
	s.once.Do(func() {
		s.baseCtx = ctx
		go s.hub.Run(ctx)
	})

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"clients": s.hub.ClientCount(),
			"memory":  s.controller.MemoryStatus(),
		})
	})
	r.Get("/ws", s.hub.ServeWS)

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/session", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, s.controller.SessionState())
		})
		r.Get("/ratelimit", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, s.controller.RateLimitState())
		})
		r.Post("/stop", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]bool{"stopped": s.controller.Stop()})
		})
		r.Post("/scrape", func(w http.ResponseWriter, r *http.Request) {
			var req models.ScrapeStartPayload
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			if _, err := models.NormalizeItemID(req.ItemID); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			s.startScrape(req)
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		})
		r.Post("/batch", func(w http.ResponseWriter, r *http.Request) {
			var req models.BatchStartPayload
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			if len(req.ItemIDs) == 0 {
				writeError(w, http.StatusBadRequest, models.ErrNoValidItems)
				return
			}
			s.startBatch(req)
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		})
	})

	return r
}

// Run 监听地址直到ctx取消,随后等待后台任务收尾
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		utils.Infof("🌐 控制服务监听 %s", s.config.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.controller.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.wg.Wait()
	utils.Info("控制服务已关闭")
	return err
}

// handleEnvelope 分发客户端指令,阻塞的采集调用放到后台执行
func (s *Server) handleEnvelope(c *Client, env models.Envelope) {
	switch env.Type {
	case models.MsgScrapeStart:
		var p models.ScrapeStartPayload
		if err := env.Decode(&p); err != nil {
			c.Send(errorEnvelope(models.MsgScrapeError, err))
			return
		}
		s.startScrape(p)

	case models.MsgBatchStart:
		var p models.BatchStartPayload
		if err := env.Decode(&p); err != nil {
			c.Send(errorEnvelope(models.MsgBatchError, err))
			return
		}
		s.startBatch(p)

	case models.MsgProfileMetadata:
		var p models.ProfileMetadataPayload
		if err := env.Decode(&p); err != nil {
			c.Send(errorEnvelope(models.MsgScrapeError, err))
			return
		}
		s.background(func(ctx context.Context) {
			if _, err := s.controller.ProfileMetadata(ctx, p.ProfileURL, p.MaxItems); err != nil {
				utils.Debugf("主页元数据采集结束: %v", err)
			}
		})

	case models.MsgScrapeStop, models.MsgBatchCancel:
		if !s.controller.Stop() {
			utils.Debugf("收到 %s, 当前没有进行中的采集", env.Type)
		}

	case models.MsgTabActivated:
		var p models.TabActivatedPayload
		if err := env.Decode(&p); err != nil {
			utils.Debugf("忽略无效的 %s: %v", env.Type, err)
			return
		}
		s.controller.TabActivated(p.TabID)

	case models.MsgSessionState:
		c.Send(models.MustEnvelope(models.MsgSessionState, s.controller.SessionState()))

	default:
		utils.Debugf("忽略未知消息类型: %s", env.Type)
	}
}

func (s *Server) startScrape(p models.ScrapeStartPayload) {
	s.background(func(ctx context.Context) {
		if _, err := s.controller.ScrapeItem(ctx, p.ItemID, p.MaxComments); err != nil {
			utils.Debugf("视频 %s 采集结束: %v", p.ItemID, err)
		}
	})
}

func (s *Server) startBatch(p models.BatchStartPayload) {
	s.background(func(ctx context.Context) {
		if _, err := s.controller.ProcessBatch(ctx, p.ItemIDs); err != nil {
			utils.Debugf("批量采集结束: %v", err)
		}
	})
}

// background 错误与结果由采集方通过消息广播
func (s *Server) background(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.baseCtx)
	}()
}

func errorEnvelope(msgType string, err error) models.Envelope {
	return models.MustEnvelope(msgType, models.ProgressPayload{Status: models.StatusError, Error: err.Error()})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		utils.Debugf("%s %s (%v)", r.Method, r.URL.Path, time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		utils.Debugf("写入响应失败: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
