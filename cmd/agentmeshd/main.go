package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"AgentMesh/internal/api"
	"AgentMesh/internal/config"
	"AgentMesh/internal/dispatch"
	"AgentMesh/internal/payment"
	"AgentMesh/internal/reputation"
	"AgentMesh/internal/router"
	"AgentMesh/internal/specialist"
	"AgentMesh/internal/storage/snapshot"
	"AgentMesh/internal/task"
	"AgentMesh/internal/web3"
	"AgentMesh/internal/web3/ethereum"
	"AgentMesh/pkg/logger"
)

// main 是 AgentMesh 调度守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentmeshd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTMESH_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentmesh.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	dataDir := cfg.Runtime.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	registry := specialist.DefaultRegistry()

	taskStore, err := createTaskStore(cfg, dataDir)
	if err != nil {
		return err
	}
	defer func() {
		_ = taskStore.Close()
	}()

	queue, err := createQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Warn("关闭调度队列失败", slog.Any("error", err))
		}
	}()

	settler, err := createSettler(ctx, cfg)
	if err != nil {
		return err
	}
	defer settler.Close()

	signatureRepo, err := snapshot.NewDocument(filepath.Join(dataDir, "used_signatures.json"))
	if err != nil {
		return err
	}
	guard, err := payment.NewReplayGuard(
		cfg.Payments.SignatureMinLength,
		cfg.Payments.UsedSignatureCap,
		signatureRepo,
	)
	if err != nil {
		return err
	}
	guard.StartPruning(ctx, time.Duration(cfg.Payments.PruneIntervalSeconds)*time.Second)

	paymentsRepo, err := snapshot.NewDocument(filepath.Join(dataDir, "payments.json"))
	if err != nil {
		return err
	}
	gateway, err := payment.NewGateway(payment.GatewayConfig{
		Settler:  settler,
		Fees:     registry,
		Guard:    guard,
		PayTo:    cfg.Payments.PayTo,
		Networks: settlementNetworks(cfg),
		Strict:   cfg.Payments.Strict,
		Repo:     paymentsRepo,
	})
	if err != nil {
		return err
	}

	reputationRepo, err := snapshot.NewDocument(filepath.Join(dataDir, "reputation.json"))
	if err != nil {
		return err
	}
	ledger, err := reputation.NewLedger(reputationRepo)
	if err != nil {
		return err
	}
	if cfg.Settlement.AnchorIntervalSeconds > 0 {
		anchor, err := reputation.NewAnchor(ledger, settler, cfg.Settlement.DefaultNetwork, cfg.Payments.PayTo)
		if err != nil {
			return err
		}
		anchor.StartSync(ctx, time.Duration(cfg.Settlement.AnchorIntervalSeconds)*time.Second)
	}

	service := dispatch.NewService(taskStore, queue, router.New(router.DefaultRules()), registry)
	processor := dispatch.NewProcessor(taskStore, queue, registry,
		dispatch.WithWorkerCount(cfg.Queue.Workers),
		dispatch.WithPaymentGateway(gateway),
		dispatch.WithBalanceEnforcement(cfg.Payments.Enforce),
		dispatch.WithReputationLedger(ledger),
		dispatch.WithCallbackNotifier(dispatch.NewCallbackNotifier(5*time.Second)),
		dispatch.WithDelays(
			time.Duration(cfg.Runtime.DispatchDelayMS)*time.Millisecond,
			time.Duration(cfg.Runtime.HopDelayMS)*time.Millisecond,
		),
		dispatch.WithProcessorLogger(logger.Named("processor")),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()

	server := api.NewServer(cfg.Server.Address, service, registry, gateway, ledger)
	logger.L().Info("agentmeshd 启动",
		slog.String("address", cfg.Server.Address),
		slog.String("queue", cfg.Queue.Driver),
		slog.String("settlement", cfg.Settlement.Provider),
	)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createTaskStore(cfg *config.Config, dataDir string) (task.Store, error) {
	switch cfg.Storage.TaskStore.Driver {
	case "", "snapshot":
		repo, err := snapshot.NewDocument(filepath.Join(dataDir, "tasks.json"))
		if err != nil {
			return nil, err
		}
		return task.NewMemoryStore(task.WithRepository(repo))
	case "mysql":
		return task.NewMySQLStore(task.MySQLConfig{
			DSN:          cfg.Storage.TaskStore.DSN,
			MaxOpenConns: cfg.Storage.TaskStore.MaxOpenConns,
			MaxIdleConns: cfg.Storage.TaskStore.MaxIdleConns,
		})
	default:
		return nil, fmt.Errorf("未知的任务存储驱动: %s", cfg.Storage.TaskStore.Driver)
	}
}

func createQueue(cfg *config.Config) (dispatch.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return dispatch.NewMemoryQueue(1024), nil
	case "redis":
		return dispatch.NewRedisQueue(dispatch.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return dispatch.NewRabbitMQQueue(dispatch.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

func createSettler(ctx context.Context, cfg *config.Config) (web3.Settler, error) {
	switch cfg.Settlement.Provider {
	case "", "mock":
		return web3.NewMockSettler(), nil
	case "ethereum":
		privateKey := ""
		if env := strings.TrimSpace(cfg.Settlement.PrivateKeyEnv); env != "" {
			privateKey = strings.TrimSpace(os.Getenv(env))
		}
		return ethereum.NewSettler(ctx, ethereum.Config{
			Name:       cfg.Settlement.DefaultNetwork,
			RPCURL:     cfg.Settlement.RPCURL,
			PrivateKey: privateKey,
		})
	default:
		return nil, fmt.Errorf("未知的结算 provider: %s", cfg.Settlement.Provider)
	}
}

// settlementNetworks 返回付费要求文档中展示的网络列表，
// 默认网络排在首位，其余按网络目录补充为备选。
func settlementNetworks(cfg *config.Config) []string {
	networks := make([]string, 0, 4)
	if cfg.Settlement.DefaultNetwork != "" {
		networks = append(networks, cfg.Settlement.DefaultNetwork)
	}
	if cfg.Settlement.NetworkConfig != "" {
		defs, err := web3.LoadNetworkDefinitions(cfg.Settlement.NetworkConfig)
		if err != nil {
			logger.L().Warn("网络目录加载失败", slog.Any("error", err))
		} else {
			fallbacks := make([]string, 0, len(defs.Networks))
			for name := range defs.Networks {
				if name != cfg.Settlement.DefaultNetwork {
					fallbacks = append(fallbacks, name)
				}
			}
			sort.Strings(fallbacks)
			networks = append(networks, fallbacks...)
		}
	}
	return networks
}
