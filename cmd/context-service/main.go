package main

import (
	"context"
	"flag"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentcontext/cmd/context-service/internal/biz"
	"agentcontext/cmd/context-service/internal/conf"
	"agentcontext/cmd/context-service/internal/data"
	"agentcontext/cmd/context-service/internal/infra"
	"agentcontext/cmd/context-service/internal/server"
	"agentcontext/cmd/context-service/internal/service"

	"github.com/go-kratos/kratos/v2/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var configFile = flag.String("config", "", "配置文件路径")

func main() {
	flag.Parse()

	// 加载配置
	config, err := conf.Load(*configFile)
	if err != nil {
		stdlog.Fatalf("Failed to load config: %v", err)
	}

	// 初始化日志
	zapLogger, err := initLogger(config.Observability)
	if err != nil {
		stdlog.Fatalf("Failed to init logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting Context Service",
		zap.String("preset", config.Context.Preset),
		zap.String("agent", config.Context.AgentName),
	)

	logger := newKratosLogger(zapLogger)

	// 初始化 Redis 与存储层
	redisClient, err := data.NewRedisClient(config.Redis)
	if err != nil {
		zapLogger.Fatal("Failed to connect redis", zap.Error(err))
	}
	defer redisClient.Close()

	store := data.NewRedisSessionStore(redisClient, data.SessionStoreOptions{
		AgentName:               config.Context.AgentName,
		TTL:                     config.Context.SessionTTL,
		ErrorWindowSize:         config.Context.ErrorWindowSize,
		SummaryBackupWindowSize: config.Context.SummaryBackupWindowSize,
	}, logger)

	// 摘要器：默认空实现，生产部署在此接入 LLM 后端
	var summarizer biz.Summarizer = biz.NoopSummarizer{}
	if config.Summarizer.BreakerEnabled {
		summarizer = infra.NewResilientSummarizer(summarizer, nil, &infra.RetryConfig{
			MaxAttempts:     config.Summarizer.MaxRetries,
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			Multiplier:      2.0,
			RandomFactor:    0.1,
		}, logger)
	}

	// 组装管线与服务
	pipeline := biz.NewContextPipeline(config.Context, store, summarizer, logger)
	svc := service.NewContextService(pipeline, store, config.Context, config.Summarizer.Timeout, logger)
	httpServer := server.NewHTTPServer(svc, logger)

	// 启动 HTTP 服务器
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Server.HTTPPort),
		Handler:      httpServer.Engine(),
		ReadTimeout:  config.Server.ReadTimeout,
		WriteTimeout: config.Server.WriteTimeout,
	}

	go func() {
		zapLogger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), config.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		zapLogger.Error("Shutdown error", zap.Error(err))
	}
}

// initLogger 初始化 zap 日志
func initLogger(cfg conf.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	if cfg.Environment == "development" {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zapCfg.Build(zap.Fields(zap.String("service", cfg.ServiceName)))
}

// zapKratosLogger 把 zap 适配为 kratos log.Logger
type zapKratosLogger struct {
	zl *zap.SugaredLogger
}

func newKratosLogger(zl *zap.Logger) log.Logger {
	return &zapKratosLogger{zl: zl.WithOptions(zap.AddCallerSkip(2)).Sugar()}
}

// Log 实现 kratos log.Logger
func (l *zapKratosLogger) Log(level log.Level, keyvals ...interface{}) error {
	switch level {
	case log.LevelDebug:
		l.zl.Debugw("", keyvals...)
	case log.LevelWarn:
		l.zl.Warnw("", keyvals...)
	case log.LevelError:
		l.zl.Errorw("", keyvals...)
	case log.LevelFatal:
		l.zl.Fatalw("", keyvals...)
	default:
		l.zl.Infow("", keyvals...)
	}
	return nil
}
