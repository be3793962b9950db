package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"creditflow/internal/config"
	"creditflow/internal/consumer"
	"creditflow/internal/dedup"
	"creditflow/internal/event"
	"creditflow/internal/handler"
	"creditflow/internal/infrastructure/cache"
	"creditflow/internal/infrastructure/database"
	"creditflow/internal/infrastructure/lock"
	"creditflow/internal/infrastructure/logger"
	"creditflow/internal/infrastructure/mq"
	"creditflow/internal/job"
	"creditflow/internal/outbox"
	"creditflow/internal/service"
	"creditflow/pkg/idgen"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("服务异常退出", zap.Error(err))
		os.Exit(1)
	}
	log.Info("服务已关闭")
}

func run(cfg *config.Config, log *zap.Logger) error {
	// 初始化 ID 生成器
	if err := idgen.Init(cfg.Server.WorkerID); err != nil {
		return err
	}

	instanceID := cfg.Server.Instance
	if instanceID == "" {
		host, _ := os.Hostname()
		instanceID = host + "-" + uuid.NewString()[:8]
	}
	log = log.With(zap.String("instance", instanceID))

	// 初始化 MySQL
	db, err := database.InitMySQL(&cfg.MySQL)
	if err != nil {
		return err
	}
	if err := database.Migrate(db); err != nil {
		return err
	}

	// 初始化 Redis
	redisClient, err := cache.InitRedis(&cfg.Redis)
	if err != nil {
		return err
	}
	defer func() { _ = redisClient.Close() }()

	// 初始化 Kafka
	producer, err := mq.NewSyncProducer(&cfg.Kafka)
	if err != nil {
		return err
	}
	publisher := mq.NewKafkaPublisher(producer)
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warn("关闭 Kafka 生产者失败", zap.Error(err))
		}
	}()

	registry, err := event.NewDefaultRegistry(cfg.Kafka.Topic)
	if err != nil {
		return err
	}
	writer := outbox.NewWriter(db, registry)
	dedupSvc := dedup.NewService(dedup.NewRedisStore(redisClient), cfg.Dedup, log)
	appCache := cache.NewCache(redisClient, "application:", cfg.Cache.ApplicationTTL)
	assessmentCache := cache.NewCache(redisClient, "assessment:", cfg.Cache.AssessmentTTL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	// 启动后台任务
	var publisherLock *lock.DistributedLock
	if cfg.Outbox.LockEnabled {
		publisherLock = lock.NewPublisherLock(redisClient, instanceID, cfg.Outbox.LockTTL)
	}
	outboxPublisher := job.NewOutboxPublisher(db, registry, publisher, publisherLock, cfg.Outbox, log)
	g.Go(func() error { return outboxPublisher.Start(ctx) })

	monitor := job.NewOutboxMonitor(db, cfg.Monitor, log)
	g.Go(func() error { return monitor.Start(ctx) })

	if cfg.Reconcile.Enabled {
		reconcile := job.NewReconcileJob(db, writer, dedupSvc, cfg.Reconcile, log)
		g.Go(func() error { return reconcile.Start(ctx) })
	}

	if cfg.Consumer.Enabled {
		stages := []struct {
			group string
			stage *consumer.Stage
		}{
			{cfg.Consumer.RiskGroup, consumer.NewStage(consumer.NewRiskAssessor(db, appCache, log), registry, dedupSvc, writer, instanceID, log)},
			{cfg.Consumer.DecisionGroup, consumer.NewStage(consumer.NewDecisionMaker(db, appCache, log), registry, dedupSvc, writer, instanceID, log)},
		}
		for _, s := range stages {
			if err := startStage(ctx, g, cfg, db, writer, s.group, s.stage, log); err != nil {
				return err
			}
		}
	}

	// 设置路由
	appService := service.NewApplicationService(db, writer, appCache, assessmentCache, log)
	router := handler.SetupRouter(handler.NewHandler(appService, log), log)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		log.Info("服务启动", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP 服务启动失败: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("正在关闭服务...")

		// 关闭 HTTP 服务（等待最多5秒）
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// startStage 为一个阶段启动 consumer.concurrency 个消费组成员
func startStage(ctx context.Context, g *errgroup.Group, cfg *config.Config, db *gorm.DB, writer *outbox.Writer, groupID string, stage *consumer.Stage, log *zap.Logger) error {
	deadLetter := consumer.NewDeadLetterWriter(stage.Name(), db, writer)
	h := mq.NewRetryingHandler(stage.Handle, deadLetter.Write, cfg.Consumer.MaxAttempts, cfg.Consumer.RetryBackoff, log)

	members := cfg.Consumer.Concurrency
	if members <= 0 {
		members = 1
	}
	for i := 0; i < members; i++ {
		group, err := mq.NewConsumerGroup(&cfg.Kafka, groupID, cfg.Consumer.SessionTimeout)
		if err != nil {
			return err
		}
		member := mq.NewGroupConsumer(group, []string{stage.Topic()}, h.Handle, log.With(zap.String("stage", stage.Name()), zap.Int("member", i)))
		g.Go(func() error { return member.Run(ctx) })
	}
	log.Info("阶段消费者已启动", zap.String("stage", stage.Name()), zap.String("group", groupID), zap.Int("members", members))
	return nil
}
