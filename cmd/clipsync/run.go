package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hibiken/asynq"
	"github.com/lthibault/jitterbug/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/matchlens/clipsync/internal/api"
	"github.com/matchlens/clipsync/internal/config"
	"github.com/matchlens/clipsync/internal/database"
	"github.com/matchlens/clipsync/internal/dispatch"
	"github.com/matchlens/clipsync/internal/logging"
	"github.com/matchlens/clipsync/internal/monitor"
	"github.com/matchlens/clipsync/internal/repository"
	"github.com/matchlens/clipsync/internal/session"
	"github.com/matchlens/clipsync/internal/snapshot"
	"github.com/matchlens/clipsync/internal/transfer"
	"github.com/matchlens/clipsync/internal/uploader"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the upload agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}
}

func runAgent(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logging.New(cfg.Log.Level)
	defer log.Sync()

	pool, err := database.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	repo := repository.NewAssetRepository(pool)

	store, err := transfer.NewStore(transfer.StoreConfig{
		Endpoint:  cfg.S3.Endpoint,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
		Secure:    cfg.S3.UseSSL,
		Region:    cfg.S3.Region,
	})
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	up := transfer.NewUploader(transfer.UploaderConfig{
		Endpoint:    cfg.S3.Endpoint,
		Secure:      cfg.S3.UseSSL,
		Region:      cfg.S3.Region,
		PartSize:    uint64(cfg.Transfer.PartSizeBytes),
		PartWorkers: uint(cfg.Transfer.PartWorkers),
	})

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	taskClient := asynq.NewClient(redisOpt)
	defer taskClient.Close()

	var snapStore uploader.Store
	switch cfg.Snapshot.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		snapStore = snapshot.NewRedisStore(rdb)
	default:
		snapStore = snapshot.NewFileStore(filepath.Join(cfg.Data.Dir, "queue"))
	}

	issuer := session.NewClient(cfg.Session.BaseURL, cfg.Session.Token, cfg.Session.Timeout)
	notifier := dispatch.NewNotifier(store, taskClient, cfg.S3.MediaBucket, log)

	manager := uploader.NewManager(uploader.Deps{
		Issuer:   issuer,
		Transfer: up,
		Assets:   repo,
		Notifier: notifier,
		Store:    snapStore,
	}, uploader.Config{
		MaxConcurrent: cfg.Queue.MaxConcurrent,
		MaxBacklog:    cfg.Queue.MaxBacklog,
	}, log)

	mon := monitor.New(repo, repo, log)
	mon.Start(ctx)
	manager.SetRefreshHook(func(refreshCtx context.Context) {
		if err := mon.Refresh(refreshCtx); err != nil {
			log.Warn("asset refresh failed", zap.Error(err))
		}
	})
	manager.Start(ctx)

	if cfg.Org.ID != "" {
		if err := manager.SwitchOrganization(ctx, cfg.Org.ID); err != nil {
			return fmt.Errorf("activate organization: %w", err)
		}
		mon.SetOrganization(cfg.Org.ID)
		if err := mon.Refresh(ctx); err != nil {
			log.Warn("initial asset refresh failed", zap.Error(err))
		}
	}

	// Periodic full reload keeps the asset cache honest even when no upload
	// completes; jitter avoids thundering herds across agents.
	refreshTicker := jitterbug.New(cfg.Refresh.Interval, &jitterbug.Norm{Stdev: 500 * time.Millisecond})
	go func() {
		defer refreshTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-refreshTicker.C:
				if err := mon.Refresh(ctx); err != nil {
					log.Warn("periodic asset refresh failed", zap.Error(err))
				}
			}
		}
	}()

	srv := api.New(cfg.Server.Address, cfg.S3.MediaBucket, filepath.Join(cfg.Data.Dir, "spool"), manager, mon, repo, log)
	log.Info("agent starting",
		zap.String("addr", cfg.Server.Address),
		zap.String("org_id", cfg.Org.ID),
		zap.Int("max_concurrent", cfg.Queue.MaxConcurrent),
		zap.Int("max_backlog", cfg.Queue.MaxBacklog))
	return srv.Run(ctx)
}
