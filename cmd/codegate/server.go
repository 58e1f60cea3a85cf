package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/codegate/api"
	"github.com/stacklok/codegate/api/handlers"
	"github.com/stacklok/codegate/ca"
	"github.com/stacklok/codegate/config"
	"github.com/stacklok/codegate/db"
	"github.com/stacklok/codegate/gateway"
	"github.com/stacklok/codegate/intel"
	"github.com/stacklok/codegate/interceptor"
	"github.com/stacklok/codegate/internal/cache"
	"github.com/stacklok/codegate/internal/database"
	"github.com/stacklok/codegate/internal/metrics"
	"github.com/stacklok/codegate/internal/migration"
	"github.com/stacklok/codegate/internal/server"
	"github.com/stacklok/codegate/internal/telemetry"
	"github.com/stacklok/codegate/muxing"
	"github.com/stacklok/codegate/pipeline"
	"github.com/stacklok/codegate/pipeline/pii"
	"github.com/stacklok/codegate/pipeline/secrets"
	"github.com/stacklok/codegate/pipeline/session"
	"github.com/stacklok/codegate/providers/registry"
	"github.com/stacklok/codegate/workspaces"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 CodeGate 的主服务器: Provider 网关(port)、TLS 拦截代理
// (proxy_port)和管理 API(api_port)三个监听端口共享一套管道与存储。
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 服务器管理器
	gatewayManager *server.Manager
	apiManager     *server.Manager

	// TLS 拦截器(自持监听循环)
	interceptor   *interceptor.Interceptor
	proxyListener net.Listener

	// 存储与基础设施
	pool      *database.PoolManager
	vecPool   *database.PoolManager
	redis     *cache.Manager
	recorder  *db.Recorder
	sessions  *session.Manager
	authority *ca.Authority

	// 指标与遥测
	collector *metrics.Collector
	otel      *telemetry.Providers

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc

	group *errgroup.Group
	errCh chan error
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		errCh:  make(chan error, 1),
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 指标收集器与遥测
	s.collector = metrics.NewCollector("codegate", s.logger)

	otelProviders, err := telemetry.Init(s.cfg.Telemetry, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize telemetry", zap.Error(err))
	} else {
		s.otel = otelProviders
	}

	// 2. 打开存储并应用迁移
	if err := s.openStores(); err != nil {
		return fmt.Errorf("failed to open stores: %w", err)
	}

	// 3. 组装管道、网关、拦截器、管理 API
	if err := s.assemble(); err != nil {
		return fmt.Errorf("failed to assemble gateway: %w", err)
	}

	// 4. 启动三个监听端口
	if err := s.startListeners(); err != nil {
		return err
	}

	s.logger.Info("All servers started",
		zap.Int("gateway_port", s.cfg.Server.Port),
		zap.Int("proxy_port", s.cfg.Server.ProxyPort),
		zap.Int("api_port", s.cfg.Server.APIPort),
	)

	return nil
}

// =============================================================================
// 🗄️ 存储初始化
// =============================================================================

// openStores 打开审计库与向量库, 应用数据库迁移, 并在启用时连接 Redis。
func (s *Server) openStores() error {
	// 审计/注册表数据库
	pool, err := database.Open(s.cfg.Database, s.logger)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	s.pool = pool

	// 迁移在启动时自动应用, 与 `codegate migrate up` 等价
	migrator, err := migration.NewMigratorFromDatabaseConfig(s.cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer migrator.Close()
	if err := migrator.Up(context.Background()); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	// 包情报向量库(独立 sqlite 文件)
	vecPool, err := database.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   s.cfg.Pipeline.VecDBPath,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("failed to open vector database: %w", err)
	}
	s.vecPool = vecPool

	// 可选 Redis(会话替换表 + FIM 告警去重)
	if s.cfg.Redis.Enabled {
		redisManager, err := cache.NewManager(cache.Config{
			Addr:         s.cfg.Redis.Addr,
			Password:     s.cfg.Redis.Password,
			DB:           s.cfg.Redis.DB,
			PoolSize:     s.cfg.Redis.PoolSize,
			MinIdleConns: s.cfg.Redis.MinIdleConns,
			DefaultTTL:   s.cfg.Redis.SessionTTL,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("failed to connect redis: %w", err)
		}
		s.redis = redisManager
	}

	return nil
}

// =============================================================================
// 🔧 组件装配
// =============================================================================

// assemble 从存储层向上构建: 脱敏管道 → 工作区/路由 → 网关 → 拦截器 →
// 管理 API。组件全部就绪后才开始监听。
func (s *Server) assemble() error {
	ctx := context.Background()
	var err error

	// 会话敏感数据存储(脱敏替换表)
	var store session.Store
	if s.redis != nil {
		store = session.NewRedisStore(s.redis, s.cfg.Redis.SessionTTL)
	} else {
		store = session.NewMemoryStore()
	}
	s.sessions = session.NewManager(store, s.logger)

	// 脱敏组件: 未配置外部文件时使用内置目录
	signatures := secrets.DefaultSignatures(s.logger)
	if s.cfg.Pipeline.SignaturesFile != "" {
		signatures, err = secrets.LoadSignatures(s.cfg.Pipeline.SignaturesFile, s.logger)
		if err != nil {
			return fmt.Errorf("failed to load secret signatures: %w", err)
		}
	}
	analyzer := pii.NewAnalyzer(s.logger)
	prompts := config.DefaultPrompts()
	if s.cfg.Pipeline.PromptsFile != "" {
		prompts, err = config.LoadPrompts(s.cfg.Pipeline.PromptsFile)
		if err != nil {
			return fmt.Errorf("failed to load prompts: %w", err)
		}
	}

	// 包情报索引
	index, err := intel.NewIndex(s.vecPool.DB(), intel.NewEmbedder(), intel.IndexConfig{
		SimilarityFloor: s.cfg.Pipeline.SimilarityFloor,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("failed to open package index: %w", err)
	}

	// 工作区与路由
	muxRegistry := muxing.NewRegistry(s.logger)
	wsManager := workspaces.NewManager(s.pool.DB(), muxRegistry, s.logger)
	if err := wsManager.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap workspaces: %w", err)
	}
	endpoints := workspaces.NewEndpoints(s.pool.DB(),
		registry.NewLister(s.cfg.Providers.Timeout, s.logger), wsManager, s.logger)

	// 审计记录器 + 告警 WebSocket 推送
	feed := handlers.NewAlertFeed(s.logger)
	recorderCfg := db.DefaultRecorderConfig()
	if s.cfg.Pipeline.FIMDedupTTL > 0 {
		recorderCfg.DedupTTL = s.cfg.Pipeline.FIMDedupTTL
	}
	var dedup cache.Cache
	if s.redis != nil {
		dedup = s.redis
	} else {
		dedup = cache.NewMemory(recorderCfg.DedupTTL, s.logger)
	}
	s.recorder = db.NewRecorder(s.pool.DB(), dedup, recorderCfg, s.logger)
	s.recorder.NotifyAlert = feed.Publish

	chatSteps, fimSteps := pipelineSteps(s.cfg.Pipeline, signatures, analyzer, prompts, index, s.logger)
	chatPipeline := pipeline.New(chatSteps, s.logger, s.collector)
	fimPipeline := pipeline.New(fimSteps, s.logger, s.collector)

	// Provider 网关
	proxy := gateway.New(gateway.Config{
		ProviderURLs: s.cfg.Providers.URLs,
		DashboardURL: s.cfg.Pipeline.DashboardURL,
		Timeout:      s.cfg.Providers.Timeout,
	}, gateway.Deps{
		ChatPipeline: chatPipeline,
		FIMPipeline:  fimPipeline,
		Workspaces:   wsManager,
		Muxes:        muxRegistry,
		Sessions:     s.sessions,
		Recorder:     s.recorder,
		Collector:    s.collector,
		Logger:       s.logger,
	})

	// 拦截 CA: 不存在则生成, 存在但损坏视为错误
	authority, err := ca.LoadOrGenerate(
		filepath.Join(s.cfg.Certs.CertsDir, s.cfg.Certs.CACert),
		filepath.Join(s.cfg.Certs.CertsDir, s.cfg.Certs.CAKey),
		ca.Options{CacheSize: s.cfg.Certs.LeafCacheSize, Collector: s.collector},
		s.logger,
	)
	if err != nil {
		return fmt.Errorf("failed to load CA: %w", err)
	}
	s.authority = authority

	// TLS 拦截器: 已知 Provider 域名终止 TLS 并接入管道, 其余隧道
	s.interceptor = interceptor.New(authority, proxy, interceptor.Config{}, s.collector, s.logger)

	// HTTP 服务器(网关端口 + 管理端口)
	s.buildGatewayServer(proxy)
	s.buildAPIServer(api.Deps{
		Workspaces: wsManager,
		Endpoints:  endpoints,
		Reader:     db.NewReader(s.pool.DB()),
		Authority:  authority,
		Feed:       feed,
		Checks:     s.healthChecks(),
		Logger:     s.logger,
	})

	return nil
}

// pipelineSteps 构建 chat 与 FIM 两条管道的步骤链。chat 链的顺序有语义:
// 包情报先跑(可能直接本地应答), 然后脱敏, 系统提示词最后注入 —— 它要把
// 最终的脱敏计数折进前导语, 告诉上游模型保留占位符。FIM 只做脱敏。
func pipelineSteps(
	cfg config.PipelineConfig,
	signatures *secrets.Signatures,
	analyzer *pii.Analyzer,
	prompts *config.Prompts,
	index *intel.Index,
	logger *zap.Logger,
) (chat, fim []pipeline.Step) {
	chat = []pipeline.Step{intel.NewStep(index, prompts, logger)}
	fim = []pipeline.Step{}
	if cfg.SecretsEnabled {
		chat = append(chat, secrets.NewRedact(signatures, logger))
		fim = append(fim, secrets.NewRedact(signatures, logger))
	}
	if cfg.PIIEnabled {
		chat = append(chat, pii.NewRedact(analyzer, logger))
		fim = append(fim, pii.NewRedact(analyzer, logger))
	}
	chat = append(chat, pipeline.NewSystemPrompt(prompts))
	return chat, fim
}

// healthChecks 返回 readiness 探针检查项
func (s *Server) healthChecks() []handlers.HealthCheck {
	checks := []handlers.HealthCheck{
		handlers.NewDatabaseHealthCheck("database", s.pool.Ping),
	}
	if s.redis != nil {
		checks = append(checks, handlers.NewRedisHealthCheck("redis", s.redis.Ping))
	}
	return checks
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// buildGatewayServer 构建 Provider 网关服务器(编码助手直连端口)。
// 网关端口不做鉴权和限流: 上面跑的是本机助手的流式补全请求。
func (s *Server) buildGatewayServer(proxy *gateway.Proxy) {
	handler := Chain(proxy.Handler(),
		Recovery(s.logger),
		RequestID(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
	)

	s.gatewayManager = server.NewManager(handler, server.Config{
		Addr:        fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		ReadTimeout: s.cfg.Server.ReadTimeout,
		// 流式补全响应可能长时间保持, 写超时由配置显式给出(默认分钟级)
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
}

// buildAPIServer 构建管理 API 服务器(dashboard 端口)。
func (s *Server) buildAPIServer(deps api.Deps) {
	mux := api.NewRouter(deps)

	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/version", "/metrics"}
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(rateLimiterCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
		Auth(s.cfg.Auth, skipAuthPaths, s.logger),
	}
	if s.cfg.Telemetry.Enabled {
		middlewares = append(middlewares, OTelTracing())
	}
	handler := Chain(mux, middlewares...)

	s.apiManager = server.NewManager(handler, server.Config{
		Addr:            fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.APIPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
}

// startListeners 启动三个监听端口, 任何一个失败都会中止启动。
// 拦截代理端口是原始 TCP 监听(首字节区分 TLS 与 CONNECT), 其监听循环
// 与两个 HTTP 服务器的错误通道一起挂在同一个 errgroup 下。
func (s *Server) startListeners() error {
	proxyAddr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.ProxyPort)
	ln, err := net.Listen("tcp", proxyAddr)
	if err != nil {
		return fmt.Errorf("failed to bind proxy port: %w", err)
	}
	s.proxyListener = ln

	if err := s.gatewayManager.Start(); err != nil {
		ln.Close()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	if err := s.apiManager.Start(); err != nil {
		ln.Close()
		return fmt.Errorf("failed to start API server: %w", err)
	}

	g, gctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		return s.interceptor.Serve(ln)
	})
	g.Go(func() error {
		select {
		case err := <-s.gatewayManager.Errors():
			return fmt.Errorf("gateway server failed: %w", err)
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		select {
		case err := <-s.apiManager.Errors():
			return fmt.Errorf("API server failed: %w", err)
		case <-gctx.Done():
			return nil
		}
	})
	s.group = g

	go func() {
		if err := g.Wait(); err != nil {
			s.errCh <- err
		}
	}()

	s.logger.Info("TLS interceptor listening", zap.String("addr", proxyAddr))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 阻塞直到收到关闭信号或某个监听端口失败
func (s *Server) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		s.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-s.errCh:
		s.logger.Error("Server failed", zap.Error(err))
	}

	s.Shutdown()
}

// Shutdown 优雅关闭: 先停入口(拦截器、两个 HTTP 端口), 再刷审计队列,
// 最后关存储。顺序保证在途请求的审计记录不丢。
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// 0. 停止 rate limiter 清理 goroutine
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	// 1. 关闭 TLS 拦截器
	if s.interceptor != nil {
		if err := s.interceptor.Shutdown(ctx); err != nil {
			s.logger.Error("Interceptor shutdown error", zap.Error(err))
		}
	}

	// 2. 关闭网关与管理 API
	if s.gatewayManager != nil {
		if err := s.gatewayManager.Shutdown(ctx); err != nil {
			s.logger.Error("Gateway server shutdown error", zap.Error(err))
		}
	}
	if s.apiManager != nil {
		if err := s.apiManager.Shutdown(ctx); err != nil {
			s.logger.Error("API server shutdown error", zap.Error(err))
		}
	}

	// 3. 刷审计写入队列
	if s.recorder != nil {
		s.recorder.Close()
	}

	// 4. 清空会话敏感数据并关闭存储
	if s.sessions != nil {
		if err := s.sessions.Close(); err != nil {
			s.logger.Error("Session store close error", zap.Error(err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("Redis close error", zap.Error(err))
		}
	}
	if s.vecPool != nil {
		if err := s.vecPool.Close(); err != nil {
			s.logger.Error("Vector database close error", zap.Error(err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("Database close error", zap.Error(err))
		}
	}

	// 5. 关闭遥测
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
