package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"analysis-gateway/internal/client"
	"analysis-gateway/internal/config"
	"analysis-gateway/internal/handler"
	"analysis-gateway/internal/monitor"
	"analysis-gateway/internal/queue"
	"analysis-gateway/internal/ratelimit"
	"analysis-gateway/internal/service"
	"analysis-gateway/internal/store"
	"analysis-gateway/internal/token"
	"analysis-gateway/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config *config.Config

	// Clients
	redisClient   *client.RedisClient
	kafkaProducer *client.KafkaProducer

	// Coordination layer
	store     store.Store
	limiter   *ratelimit.Limiter
	queue     *queue.Manager
	monitor   *monitor.Monitor
	tokens    *token.Service
	admission *service.AdmissionService
	handler   *handler.GatewayHandler

	closeOnce sync.Once
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{config: cfg}
	if err := f.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	f.initializeServices()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Int("max_concurrent", cfg.Analysis.MaxConcurrent),
		util.Bool("kafka_enabled", cfg.Kafka.Enabled),
	)
	return f, nil
}

func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Redis is the coordination store; without it the gateway cannot run.
	redisClient, err := client.NewRedisClient(f.config, util.Get())
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if err := redisClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("redis health check: %w", err)
	}
	f.redisClient = redisClient

	// Kafka is optional: lifecycle events degrade to log lines.
	if f.config.Kafka.Enabled {
		producer, err := client.NewKafkaProducer(f.config, util.Get())
		if err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
		}
	}
	return nil
}

func (f *Factory) initializeServices() {
	logger := util.Get()

	f.store = store.NewRedis(f.redisClient)
	f.limiter = ratelimit.NewLimiter(f.store, f.config, logger)
	f.queue = queue.NewManager(f.store, f.config, logger)
	f.monitor = monitor.New(f.store, f.config, f.queue, logger)
	f.tokens = token.NewService(f.store, f.config, logger)

	events := service.NewEventPublisher(f.kafkaProducer, logger)
	f.admission = service.NewAdmissionService(
		f.config, f.limiter, f.queue, f.monitor,
		service.LogDispatcher{}, events, logger,
	)
	f.handler = handler.NewGatewayHandler(
		f.config, f.admission, f.queue, f.monitor, f.limiter, f.tokens, logger,
	)
}

func (f *Factory) Config() *config.Config               { return f.config }
func (f *Factory) Handler() *handler.GatewayHandler     { return f.handler }
func (f *Factory) Limiter() *ratelimit.Limiter          { return f.limiter }
func (f *Factory) Monitor() *monitor.Monitor            { return f.monitor }
func (f *Factory) Admission() *service.AdmissionService { return f.admission }

// Close releases all clients exactly once.
func (f *Factory) Close() {
	f.closeOnce.Do(func() {
		if f.kafkaProducer != nil {
			_ = f.kafkaProducer.Close()
		}
		if f.redisClient != nil {
			_ = f.redisClient.Close()
		}
		util.Sync()
	})
}
