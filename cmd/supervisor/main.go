package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"assembly-line-supervisor/internal/config"
	"assembly-line-supervisor/internal/devicebus"
	"assembly-line-supervisor/internal/event"
	"assembly-line-supervisor/internal/handlers"
	"assembly-line-supervisor/internal/mqtt"
	"assembly-line-supervisor/internal/pallet"
	"assembly-line-supervisor/internal/persistence"
	"assembly-line-supervisor/internal/readiness"
	"assembly-line-supervisor/internal/supervisor"
	"assembly-line-supervisor/internal/web"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newCommand(ctx).Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand(ctx context.Context) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "supervisor",
		Short:        "Assembly line supervisor",
		Long:         "Tracks every station of the assembly line from device tokens, drives feeders and cameras, and persists cycle history.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(ctx, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (default ./config.yaml)")
	return cmd
}

func run(ctx context.Context, configPath string) error {
	cfg, v, err := config.Load(configPath)
	if err != nil {
		slog.Error("加载配置失败", "error", err)
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	slog.SetDefault(logger)

	// 1. 持久化
	store, err := persistence.OpenSQLite(cfg.Storage.Path, cfg.Line.Stations)
	if err != nil {
		logger.Error("无法打开数据库", "path", cfg.Storage.Path, "error", err)
		return err
	}
	defer store.Close()

	spool, err := persistence.OpenSpool(cfg.Queue.Spool)
	if err != nil {
		logger.Error("无法打开失败任务文件", "path", cfg.Queue.Spool, "error", err)
		return err
	}
	defer spool.Close()

	clk := clock.RealClock{}
	queue := persistence.NewQueue(store, cfg.QueueSettings(),
		persistence.WithSpool(spool),
		persistence.WithQueueClock(clk),
		persistence.WithQueueLogger(logger),
	)
	if n, err := queue.Recover(); err != nil {
		logger.Warn("恢复失败任务出错", "error", err)
	} else if n > 0 {
		logger.Info("已重新提交失败任务", "count", n)
	}

	// 2. 事件总线与旁路订阅者
	bus := event.NewBus()
	handlers.RegisterEventHandlers(bus, logger)

	pallets := pallet.NewTable(cfg.CardMap())
	tracker, err := readiness.NewTracker(cfg.Line.Stations, cfg.Readiness.Rule)
	if err != nil {
		logger.Error("就绪规则无效", "rule", cfg.Readiness.Rule, "error", err)
		return err
	}

	// 3. 设备总线与界面
	var commander *devicebus.Commander
	client, err := mqtt.NewClient(&cfg.MQTT,
		mqtt.WithLogger(logger),
		mqtt.WithOnConnect(func(ctx context.Context) { commander.OnConnect(ctx) }),
	)
	if err != nil {
		logger.Error("MQTT 配置无效", "error", err)
		return err
	}
	commander = devicebus.NewCommander(client, cfg.Topics, logger)
	hub := web.NewHub(logger)

	// 4. 监督器
	sup, err := supervisor.New(supervisor.Config{
		Stations:      cfg.Line.Stations,
		Model:         cfg.Line.Model,
		Vision:        cfg.SupervisorVision(),
		CameraEnabled: cfg.Camera.Enabled,
		Topics:        cfg.Topics,
	},
		supervisor.WithNotifier(hub),
		supervisor.WithCommander(commander),
		supervisor.WithQueue(queue),
		supervisor.WithLogStore(store),
		supervisor.WithPallets(pallets),
		supervisor.WithReadiness(tracker),
		supervisor.WithBus(bus),
		supervisor.WithClock(clk),
		supervisor.WithLogger(logger),
	)
	if err != nil {
		logger.Error("创建监督器失败", "error", err)
		return err
	}
	hub.SetSource(sup)
	listener := devicebus.NewListener(client, cfg.Topics, sup, logger)

	config.Watch(v, logger, func(c *config.Config) {
		sup.UpdateVision(c.SupervisorVision())
		pallets.SetCards(c.CardMap())
	})

	logger.Info("=== 产线监督器启动 ===", "stations", cfg.Line.Stations, "model", cfg.Line.Model,
		"broker", cfg.MQTT.BrokerURL, "http", cfg.HTTP.Addr)

	// 5. 运行直到收到停机信号
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return queue.Run(ctx) })
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return sup.RunStatusLoop(ctx, cfg.Line.StatusInterval) })
	g.Go(func() error { return web.NewAPI(sup, hub, logger).Serve(ctx, cfg.HTTP.Addr) })
	g.Go(func() error {
		if err := client.Start(ctx); err != nil {
			return err
		}
		if err := listener.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// 停机前让设备回到停止状态
		if err := commander.LineSignal(shutdownCtx, false); err != nil {
			logger.Warn("发送停线信号失败", "error", err)
		}
		client.Disconnect(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("监督器异常退出", "error", err)
		return fmt.Errorf("supervisor: %w", err)
	}
	logger.Info("监督器已安全退出", "pending_jobs", queue.Len())
	return nil
}
