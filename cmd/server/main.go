package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blues/payrecon/internal/chain"
	"github.com/blues/payrecon/internal/config"
	"github.com/blues/payrecon/internal/database"
	"github.com/blues/payrecon/internal/logger"
	"github.com/blues/payrecon/internal/logic"
	"github.com/blues/payrecon/internal/notify"
	"github.com/blues/payrecon/internal/router"
	"github.com/blues/payrecon/internal/task"
	"github.com/gin-gonic/gin"
	"github.com/go-co-op/gocron/v2"
	"github.com/go-redis/redis/v8"
	"github.com/panjf2000/ants/v2"
)

func main() {
	// 加载配置
	cfg := config.Load()

	if err := logger.Setup(cfg.Log); err != nil {
		logger.Fatal("Failed to setup logger: %v", err)
	}
	defer logger.Sync()

	// 初始化数据库
	db, err := database.Init(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to initialize database: %v", err)
	}

	// 初始化账本客户端，连接不上时进入 mock 模式
	ctx := context.Background()
	chainManager, err := chain.NewManager(ctx, cfg.Chain)
	if err != nil {
		logger.Fatal("Failed to initialize chain manager: %v", err)
	}
	defer chainManager.Close()
	ledger := chain.NewLedgerFromManager(chainManager)

	// 回调后处理协程池
	pool, err := ants.NewPool(cfg.Task.PoolSize)
	if err != nil {
		logger.Fatal("Failed to create worker pool: %v", err)
	}
	defer pool.Release()

	notifier, err := notify.New(cfg.Notify)
	if err != nil {
		logger.Fatal("Failed to initialize notifier: %v", err)
	}
	defer notifier.Close()

	services := logic.NewServices(db, cfg, ledger, pool, logic.SystemClock)

	// 多实例部署时通过 redis 互斥执行定时任务
	var locker gocron.Locker
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("Failed to connect to redis: %v", err)
		}
		locker = task.NewRedisLocker(rdb, 0)
	}

	// 启动定时任务
	taskManager, err := task.NewManager(services, notifier, cfg, locker)
	if err != nil {
		logger.Fatal("Failed to create task manager: %v", err)
	}
	taskManager.Start()
	defer taskManager.Stop()

	// 设置Gin模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 初始化路由
	r := router.Setup(services, ledger, cfg)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	go func() {
		logger.Info("Server starting on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown: %v", err)
	}
}
