package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/usufzan/portico/api"
	"github.com/usufzan/portico/core"
	"github.com/usufzan/portico/models"
)

// 初始化日志
func initLogger() (*zap.Logger, error) {
	config := zap.NewDevelopmentConfig()

	// 配置输出格式
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	// 设置日志级别
	config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)

	logger, err := config.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		return nil, err
	}

	zap.ReplaceGlobals(logger)
	return logger, nil
}

// 初始化使用记录数据库
func initDB(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// 自动迁移数据库表结构
	if err := models.AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func main() {
	configPath := flag.String("config", "config.ini", "配置文件路径")
	flag.Parse()

	// 初始化日志
	logger, err := initLogger()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("========================================")
	logger.Info("           代理池服务启动")
	logger.Info("========================================")

	// 加载配置
	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("配置加载失败", zap.Error(err))
	}
	logger.Info("配置加载完成",
		zap.String("配置文件", *configPath),
		zap.Int("池容量上限", cfg.MaxPoolSize),
		zap.Duration("刷新间隔", cfg.RefreshInterval),
		zap.Duration("验证超时", cfg.ProbeTimeout),
		zap.Int("验证并发数", cfg.ValidateConcurrency),
		zap.Strings("测试网站", cfg.TestTargets),
	)

	// 创建代理池
	pool := core.NewPool(cfg, logger)

	// 使用记录数据库(可选)
	if cfg.MySQLDSN != "" {
		db, err := initDB(cfg.MySQLDSN)
		if err != nil {
			logger.Fatal("数据库连接失败", zap.Error(err))
		}
		pool.SetUsageDB(db)
		logger.Info("使用记录数据库连接成功")
	}

	// 分发频率限制(可选)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Fatal("Redis连接失败", zap.Error(err))
		}
		cancel()
		pool.SetHandoutLimiter(core.NewHandoutLimiter(rdb, logger, cfg.ShortTermLimit, cfg.ShortTermTTL))
		logger.Info("分发频率限制已启用",
			zap.Int("短期上限", cfg.ShortTermLimit),
			zap.Duration("窗口时间", cfg.ShortTermTTL),
		)
	}

	// 创建获取器与调度器
	fetcher := core.NewFetcher(logger, core.DefaultSources()...)
	scheduler := core.NewScheduler(cfg, pool, fetcher, logger)
	if err := scheduler.Start(); err != nil {
		logger.Fatal("调度器启动失败", zap.Error(err))
	}

	// 启动HTTP服务
	server := api.NewServer(pool, scheduler, logger)
	go func() {
		logger.Info("HTTP服务启动中...",
			zap.String("监听地址", cfg.ListenAddr),
		)
		if err := server.Run(cfg.ListenAddr); err != nil {
			logger.Fatal("HTTP服务启动失败", zap.Error(err))
		}
	}()

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("收到退出信号，正在停止...")
	scheduler.Stop()
	logger.Info("服务已停止")
}
