package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	gorm_mysql "gorm.io/driver/mysql"
	"gorm.io/gorm"

	btapp "github.com/wyfcoding/quantlab/internal/backtest/application"
	btdomain "github.com/wyfcoding/quantlab/internal/backtest/domain"
	"github.com/wyfcoding/quantlab/internal/backtest/infrastructure/marketdata"
	"github.com/wyfcoding/quantlab/internal/backtest/infrastructure/messaging"
	btmysql "github.com/wyfcoding/quantlab/internal/backtest/infrastructure/persistence/mysql"
	"github.com/wyfcoding/quantlab/internal/backtest/infrastructure/strategy"
	bthttp "github.com/wyfcoding/quantlab/internal/backtest/interfaces/http"
	posapp "github.com/wyfcoding/quantlab/internal/position/application"
	posdomain "github.com/wyfcoding/quantlab/internal/position/domain"
	posmysql "github.com/wyfcoding/quantlab/internal/position/infrastructure/persistence/mysql"
	poshttp "github.com/wyfcoding/quantlab/internal/position/interfaces/http"
	"github.com/wyfcoding/quantlab/pkg/cache"
	"github.com/wyfcoding/quantlab/pkg/config"
	"github.com/wyfcoding/quantlab/pkg/logger"
	"github.com/wyfcoding/quantlab/pkg/metrics"
	"github.com/wyfcoding/quantlab/pkg/middleware"
	"github.com/wyfcoding/quantlab/pkg/mq"
	"github.com/wyfcoding/quantlab/pkg/ratelimit"
	"github.com/wyfcoding/quantlab/pkg/response"
)

// 均线交叉策略的默认交易成本（单边费率 / 滑点率）
const (
	defaultCommissionRate = 0.001
	defaultSlippageRate   = 0.0005
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "configs/config.toml", "path to config file")
	flag.Parse()

	// 1. Config
	cfg, err := config.Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("load config failed: %v", err))
	}

	// 2. Logger
	if err := logger.Init(cfg.Logger); err != nil {
		panic(fmt.Sprintf("init logger failed: %v", err))
	}
	log := logger.Get()
	ctx := context.Background()

	// 3. Metrics
	metricsImpl := metrics.New(cfg.ServiceName)
	if err := metricsImpl.Register(); err != nil {
		panic(fmt.Sprintf("register metrics failed: %v", err))
	}

	// 4. Database（可选，未配置时任务与持仓只保留在内存中）
	var (
		jobRepo btdomain.JobRepository
		posRepo posdomain.PositionRepository
	)
	if cfg.Database.DSN != "" {
		db, err := gorm.Open(gorm_mysql.Open(cfg.Database.DSN), &gorm.Config{})
		if err != nil {
			panic(fmt.Sprintf("connect db failed: %v", err))
		}
		sqlDB, err := db.DB()
		if err != nil {
			panic(fmt.Sprintf("access db pool failed: %v", err))
		}
		if cfg.Database.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		}
		if cfg.Database.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		}

		jobRepo, err = btmysql.NewJobRepository(db)
		if err != nil {
			panic(fmt.Sprintf("init job repository failed: %v", err))
		}
		posRepo, err = posmysql.NewPositionRepository(db)
		if err != nil {
			panic(fmt.Sprintf("init position repository failed: %v", err))
		}
	} else {
		log.Warn("database DSN not configured, running with in-memory state only")
	}

	// 5. Kafka（可选）
	var publisher btdomain.EventPublisher
	var producer *mq.KafkaProducer
	if cfg.Kafka.Enabled() {
		producer, err = mq.NewProducer(mq.KafkaConfig{Brokers: cfg.Kafka.Brokers})
		if err != nil {
			panic(fmt.Sprintf("init kafka producer failed: %v", err))
		}
		publisher = messaging.NewKafkaPublisher(producer, cfg.Kafka.EventTopic)
	}

	// 6. Redis（可选，供 tick 缓存与限流）
	var redisCache *cache.RedisCache
	var limiter ratelimit.RateLimiter
	if cfg.Redis.Enabled() {
		redisCache, err = cache.New(cache.Config{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			panic(fmt.Sprintf("connect redis failed: %v", err))
		}
		limiter = ratelimit.NewRedisRateLimiter(redisCache.Client())
	}

	// 7. 行情数据源与策略评估
	var feed btdomain.MarketDataFeed = marketdata.NewAlpacaFeed(
		cfg.MarketData.APIKey, cfg.MarketData.APISecret, cfg.MarketData.BaseURL)
	if redisCache != nil {
		feed = marketdata.NewCachedFeed(feed, redisCache, time.Duration(cfg.MarketData.TickCacheTTL)*time.Second)
	}
	evaluator := strategy.NewMACrossEvaluator(feed, defaultCommissionRate, defaultSlippageRate)

	// 8. 回测引擎与任务引擎
	backtestEngine := btdomain.NewBacktestEngine(evaluator, btdomain.MetricsCalculator{})
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	optimizer := btdomain.NewOptimizer(backtestEngine, rng)

	jobEngine := btapp.NewJobEngine(btapp.Config{
		MaxConcurrentJobs: cfg.Engine.MaxConcurrentJobs,
		EvaluatorTimeout:  time.Duration(cfg.Engine.EvaluatorTimeout) * time.Second,
		IterationCap:      cfg.Engine.OptimizerIterationCap,
	}, backtestEngine, optimizer, publisher, jobRepo, metricsImpl, log)
	if err := jobEngine.Restore(ctx); err != nil {
		panic(fmt.Sprintf("restore jobs failed: %v", err))
	}

	// 9. 持仓服务
	positionService := posapp.NewPositionService(posdomain.RiskParameters{
		MaxPositionSize:     cfg.Risk.MaxPositionSize,
		MaxPortfolioRisk:    cfg.Risk.MaxPortfolioRisk,
		MaxLeverage:         cfg.Risk.MaxLeverage,
		MaxConcentration:    cfg.Risk.MaxConcentration,
		StopLossThreshold:   cfg.Risk.StopLossThreshold,
		MarginCallThreshold: cfg.Risk.MarginCallThreshold,
		TotalCapital:        cfg.Risk.TotalCapital,
	}, posRepo, metricsImpl, log)
	if err := positionService.Restore(ctx); err != nil {
		panic(fmt.Sprintf("restore positions failed: %v", err))
	}

	// 10. HTTP
	if cfg.Environment == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(middleware.Logging(), middleware.Recovery(), middleware.Metrics(metricsImpl))
	r.Use(middleware.RateLimit(limiter, cfg.HTTP.RateLimit))

	bthttp.NewBacktestHandler(jobEngine).RegisterRoutes(r.Group(""))
	poshttp.NewPositionHandler(positionService).RegisterRoutes(r.Group(""))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health", func(c *gin.Context) {
		response.Success(c, gin.H{"status": "ok", "service": cfg.ServiceName})
	})

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}

	// 11. Start & graceful shutdown
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("HTTP server starting", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-quit:
			log.Info("shutting down server...")
		case <-gctx.Done():
			log.Info("context cancelled, shutting down...")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("server shutdown failed", "error", err)
		}
		if producer != nil {
			_ = producer.Close()
		}
		if redisCache != nil {
			_ = redisCache.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("server exited with error", "error", err)
	}
}
