package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"ReputeFlow-Escrow/internal/api"
	"ReputeFlow-Escrow/internal/auth"
	"ReputeFlow-Escrow/internal/config"
	"ReputeFlow-Escrow/internal/dispute"
	"ReputeFlow-Escrow/internal/escrow"
	"ReputeFlow-Escrow/internal/ledger"
	ledgereth "ReputeFlow-Escrow/internal/ledger/ethereum"
	"ReputeFlow-Escrow/internal/notify"
	"ReputeFlow-Escrow/internal/observability/alerting"
	"ReputeFlow-Escrow/internal/proposal"
	"ReputeFlow-Escrow/pkg/logger"
)

// main 是托管守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("escrowd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("REPUTEFLOW_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "escrowd.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 初始化项目存储。
	var projectStore escrow.Store
	switch cfg.Storage.ProjectStore.Driver {
	case "", "memory":
		projectStore = escrow.NewMemoryStore(
			escrow.WithLockTimeout(time.Duration(cfg.Retry.LockWaitMS) * time.Millisecond),
		)
	case "mysql":
		store, err := escrow.NewMySQLStore(cfg.Storage.ProjectStore.DSN)
		if err != nil {
			return err
		}
		projectStore = store
	default:
		return fmt.Errorf("未知的项目存储驱动: %s", cfg.Storage.ProjectStore.Driver)
	}

	// 初始化投标存储。
	var proposalStore proposal.Store
	switch cfg.Storage.ProposalStore.Driver {
	case "", "memory":
		proposalStore = proposal.NewMemoryStore()
	case "mysql":
		store, err := proposal.NewMySQLStore(cfg.Storage.ProposalStore.DSN)
		if err != nil {
			return err
		}
		proposalStore = store
	default:
		return fmt.Errorf("未知的投标存储驱动: %s", cfg.Storage.ProposalStore.Driver)
	}

	// 初始化资金账本。
	ledgerClient, err := createLedgerClient(ctx, cfg)
	if err != nil {
		return err
	}

	// 初始化事件通知。
	sink, err := createSink(cfg)
	if err != nil {
		return err
	}

	// 初始化身份认证。
	authService, err := createAuthService(ctx, cfg)
	if err != nil {
		return err
	}

	alerter := alerting.NewPaymentAlerter(alerting.NewFanout())

	escrowService := escrow.NewService(projectStore, ledgerClient,
		escrow.WithSink(sink),
		escrow.WithAlerter(alerter),
		escrow.WithRetryPolicy(ledger.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   time.Duration(cfg.Retry.BaseDelayMS) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.Retry.MaxDelayMS) * time.Millisecond,
		}),
	)
	defer func() { _ = escrowService.Close() }()

	proposalLedger := proposal.NewLedger(proposalStore, escrowService)

	coordinator := dispute.NewCoordinator(escrowService,
		dispute.WithQuorum(cfg.Dispute.Quorum),
		dispute.WithVoteTimeout(time.Duration(cfg.Dispute.VoteTimeoutMinutes)*time.Minute),
	)

	// 后台巡检超时争议。
	expiryCtx, expiryCancel := context.WithCancel(ctx)
	defer expiryCancel()
	go coordinator.RunExpiry(expiryCtx, time.Duration(cfg.Dispute.ExpiryIntervalSeconds)*time.Second)

	server := api.NewServer(cfg.Server.Address, escrowService, proposalLedger, coordinator, authService)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// createAuthService 根据配置构建认证服务。种子账户缺省权限由存储层
// 按角色推导。
func createAuthService(ctx context.Context, cfg *config.Config) (*auth.Service, error) {
	seeds := make([]auth.Seed, 0, len(cfg.Auth.Seeds))
	for _, seed := range cfg.Auth.Seeds {
		seeds = append(seeds, auth.Seed{
			Username:    seed.Username,
			Password:    seed.Password,
			Roles:       seed.Roles,
			Permissions: seed.Permissions,
			Disabled:    seed.Disabled,
		})
	}

	var store auth.Store
	if auth.Mode(cfg.Auth.Mode) == auth.ModeJWT {
		memStore, err := auth.NewMemoryStore(nil)
		if err != nil {
			return nil, err
		}
		store = memStore
	}
	return auth.NewService(ctx, auth.Config{
		Mode: auth.Mode(cfg.Auth.Mode),
		JWT: auth.JWTOptions{
			Secret:     cfg.Auth.JWT.Secret,
			Issuer:     cfg.Auth.JWT.Issuer,
			Audience:   cfg.Auth.JWT.Audience,
			AccessTTL:  cfg.Auth.JWT.AccessTTL,
			RefreshTTL: cfg.Auth.JWT.RefreshTTL,
		},
		Seeds: seeds,
	}, store)
}

// createLedgerClient 根据配置选择账本后端。
func createLedgerClient(ctx context.Context, cfg *config.Config) (ledger.Client, error) {
	switch cfg.Ledger.Driver {
	case "", "memory":
		return ledger.NewMemoryLedger(), nil
	case "ethereum":
		defs, err := ledger.LoadChainDefinitions(cfg.Ledger.ChainConfig)
		if err != nil {
			return nil, err
		}
		def, ok := defs.Chains[cfg.Ledger.Chain]
		if !ok {
			return nil, fmt.Errorf("链配置中不存在: %s", cfg.Ledger.Chain)
		}
		keyHex := ""
		if def.OperatorKeyFile != "" {
			raw, err := os.ReadFile(def.OperatorKeyFile)
			if err != nil {
				return nil, fmt.Errorf("读取操作员私钥失败: %w", err)
			}
			keyHex = string(raw)
		}
		return ledgereth.NewClient(ctx, ledgereth.Config{
			Name:            cfg.Ledger.Chain,
			RPCURL:          def.RPCURL,
			ChainID:         def.ChainID,
			ContractAddress: def.EscrowContract,
			OperatorKeyHex:  keyHex,
		})
	default:
		return nil, fmt.Errorf("未知的账本驱动: %s", cfg.Ledger.Driver)
	}
}

// createSink 根据配置选择事件通知后端。
func createSink(cfg *config.Config) (escrow.Sink, error) {
	switch cfg.Notify.Driver {
	case "", "memory":
		return notify.NewMemorySink(0), nil
	case "redis":
		return notify.NewRedisSink(notify.RedisSinkConfig{
			Address:  cfg.Notify.Redis.Address,
			Password: cfg.Notify.Redis.Password,
			DB:       cfg.Notify.Redis.DB,
			Stream:   cfg.Notify.Redis.Stream,
		})
	case "rabbitmq":
		return notify.NewRabbitMQSink(notify.RabbitMQSinkConfig{
			URL:        cfg.Notify.RabbitMQ.URL,
			Queue:      cfg.Notify.RabbitMQ.Queue,
			Durable:    cfg.Notify.RabbitMQ.Durable,
			AutoDelete: cfg.Notify.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的通知驱动: %s", cfg.Notify.Driver)
	}
}
