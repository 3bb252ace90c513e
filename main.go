package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/livedesk/livedesk/pkg/auth"
	"github.com/livedesk/livedesk/pkg/config"
	"github.com/livedesk/livedesk/pkg/db"
	"github.com/livedesk/livedesk/pkg/event"
	"github.com/livedesk/livedesk/pkg/realtime"
	"github.com/livedesk/livedesk/pkg/service"
	"github.com/livedesk/livedesk/pkg/utils"
)

const redisPrefix = "livedesk"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "livedesk:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, cfgPath, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := utils.InitLogger(cfg.LogLevel())
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	logger.Info("config loaded", zap.String("path", cfgPath))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Open(db.Options{
		Driver:       cfg.DatabaseDriver(),
		DSN:          cfg.DatabaseDSN(),
		MaxOpenConns: cfg.DatabaseMaxOpenConns(),
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gdb); err != nil {
		return err
	}

	if path := cfg.SeedPath(); path != "" {
		f, err := service.LoadSeedFile(path)
		if err != nil {
			return err
		}
		summary, err := service.Seed(ctx, gdb, f, logger)
		if err != nil {
			return err
		}
		logger.Info("seed applied",
			zap.String("path", path),
			zap.Int("groups", summary.GroupsCreated),
			zap.Int("agents", summary.AgentsCreated),
			zap.Int("memberships", summary.MembershipsCreated))
	}

	issuer, generated, err := auth.NewTokenIssuer(cfg.JWTSecret(), cfg.TokenTTL())
	if err != nil {
		return err
	}
	if generated {
		logger.Warn("no jwt secret configured; using a random one, tokens will not survive a restart")
	}

	emitter := event.NewEmitter()
	emitter.SetLogger(logger)

	syncers := []realtime.Syncer{realtime.NewEmitterSyncer(emitter)}
	var registry service.MonitorRegistry
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return errors.Wrapf(err, "ping redis %s", cfg.RedisAddr())
		}
		syncers = append(syncers, realtime.NewRedisSyncer(client, redisPrefix))
		registry = service.NewRedisMonitorRegistry(client, redisPrefix, cfg.MonitoringTTL())
		logger.Info("redis sync enabled", zap.String("addr", cfg.RedisAddr()))
	} else {
		registry = service.NewMemoryMonitorRegistry(cfg.MonitoringTTL())
	}
	if cfg.AMQP.Enabled {
		publisher, err := realtime.DialAMQP(ctx, cfg.AMQPURL(), cfg.AMQPExchange(), logger)
		if err != nil {
			return err
		}
		defer publisher.Close()
		syncers = append(syncers, publisher)
		logger.Info("amqp publishing enabled", zap.String("exchange", cfg.AMQPExchange()))
	}
	dispatcher := realtime.NewDispatcher(realtime.NewFanout(syncers...), realtime.DispatcherConfig{
		QueueSize:   cfg.SyncQueueSize(),
		PushTimeout: cfg.SyncPushTimeout(),
	}, logger)
	// Closed before the AMQP publisher so queued pushes still go out.
	defer dispatcher.Close()
	syncer := dispatcher

	audit := service.NewAuditLog(gdb, logger)
	assignments := service.NewAssignmentService(gdb, service.NewSelector(nil), audit, syncer, logger)
	scheduler := service.NewQueueScheduler(gdb, assignments, syncer, service.SchedulerConfig{
		PollInterval:   cfg.PollInterval(),
		InitialDelay:   cfg.InitialDelay(),
		AttemptTimeout: cfg.AttemptTimeout(),
		SLAWarning:     cfg.SLAWarning(),
		SLAMax:         cfg.SLAMax(),
	}, logger)
	conversations := service.NewConversationService(gdb, syncer, emitter, scheduler, audit, logger)
	agents := service.NewAgentStatusService(gdb, issuer, emitter, scheduler, logger)
	supervisor := service.NewSupervisorService(gdb, assignments, conversations, registry, emitter, logger)
	sweeper := service.NewAgentSweeper(agents, cfg.AutoAwayInterval(), cfg.Agents.OverloadCheck, logger)

	done := make(chan struct{}, 2)
	go func() {
		scheduler.Run(ctx)
		done <- struct{}{}
	}()
	go func() {
		sweeper.Run(ctx)
		done <- struct{}{}
	}()

	server := NewServer(cfg.Host(), cfg.Port(), Services{
		DB:            gdb,
		Issuer:        issuer,
		Emitter:       emitter,
		Conversations: conversations,
		Assignments:   assignments,
		Agents:        agents,
		Supervisor:    supervisor,
		Scheduler:     scheduler,
		Audit:         audit,
	}, logger)
	serveErr := server.Start(ctx)

	stop()
	<-done
	<-done
	logger.Info("livedesk stopped")
	return serveErr
}
