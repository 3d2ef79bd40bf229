package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"assembly-line-supervisor/internal/mqtt"
	"assembly-line-supervisor/internal/topic"
	"assembly-line-supervisor/internal/types"
)

type options struct {
	broker   string
	clientID string
	stations int
	units    int
	step     time.Duration
	jitter   time.Duration
	vision   bool
	card     string
}

// main 模拟产线设备：每个工站依次上报 BS/BT1/BT2/BD，并可选上报视觉检测结果
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := options{}
	cmd := &cobra.Command{
		Use:          "line-sim",
		Short:        "Simulates station devices publishing tokens over MQTT",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(ctx, opts)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&opts.broker, "broker", "mqtt://localhost:1883", "MQTT broker url")
	fs.StringVar(&opts.clientID, "client-id", "line-sim", "MQTT client id")
	fs.IntVar(&opts.stations, "stations", 3, "number of stations")
	fs.IntVar(&opts.units, "units", 5, "units to push through the line")
	fs.DurationVar(&opts.step, "step", time.Second, "base delay between tokens")
	fs.DurationVar(&opts.jitter, "jitter", 500*time.Millisecond, "random extra delay per step")
	fs.BoolVar(&opts.vision, "vision", true, "publish vision DONE before the assembled token")
	fs.StringVar(&opts.card, "card", "", "NFC card id read at every station before arrival")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "line-sim")
	slog.SetDefault(logger)
	if opts.stations < 1 {
		return fmt.Errorf("stations must be at least 1")
	}

	client, err := mqtt.NewClient(&mqtt.ClientConfig{BrokerURL: opts.broker, ClientID: opts.clientID, CleanStart: true},
		mqtt.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := client.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		client.Disconnect(shutdownCtx)
	}()
	if err := client.AwaitConnection(ctx); err != nil {
		return err
	}

	sim := &simulator{opts: opts, client: client, topics: topic.Default(), logger: logger}
	logger.Info("=== 产线模拟启动 ===", "stations", opts.stations, "units", opts.units)

	// 相邻工站之间用无缓冲通道传递工件：下游空闲时才能接收
	lanes := make([]chan int, opts.stations+1)
	for i := range lanes {
		lanes[i] = make(chan int)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(lanes[0])
		for u := 1; u <= opts.units; u++ {
			select {
			case lanes[0] <- u:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	for i := 0; i < opts.stations; i++ {
		id := types.StationID(i)
		in, out := lanes[i], lanes[i+1]
		last := i == opts.stations-1
		g.Go(func() error {
			defer close(out)
			for unit := range in {
				if err := sim.cycle(ctx, id, unit); err != nil {
					return err
				}
				if last {
					continue
				}
				select {
				case out <- unit:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("模拟结束")
	return nil
}

type simulator struct {
	opts   options
	client mqtt.Client
	topics topic.Scheme
	logger *slog.Logger
}

// cycle 一个工件在一个工站的完整上报序列
func (s *simulator) cycle(ctx context.Context, id types.StationID, unit int) error {
	log := s.logger.With("station_id", id.String(), "unit", unit)
	if s.opts.card != "" {
		if err := s.device(ctx, id, s.opts.card); err != nil {
			return err
		}
	}
	steps := []types.Token{types.TokenArrive, types.TokenPrepared, types.TokenAssembled, types.TokenDispatch}
	for _, tok := range steps {
		if tok == types.TokenAssembled && s.opts.vision {
			if err := s.visionPhase(ctx, id, "FINALIZADO"); err != nil {
				return err
			}
			if err := s.sleep(ctx); err != nil {
				return err
			}
		}
		if err := s.device(ctx, id, tok.WireCode()); err != nil {
			return err
		}
		log.Info("上报令牌", "token", tok.WireCode())
		if err := s.sleep(ctx); err != nil {
			return err
		}
	}
	if s.opts.vision {
		return s.visionPhase(ctx, id, "INICIO")
	}
	return nil
}

func (s *simulator) device(ctx context.Context, id types.StationID, payload string) error {
	return s.client.Publish(ctx, s.topics.Device(id), 1, false, []byte(payload))
}

func (s *simulator) visionPhase(ctx context.Context, id types.StationID, phase string) error {
	payload := fmt.Sprintf(`{"estado":%q}`, phase)
	return s.client.Publish(ctx, s.topics.Vision(id), 1, false, []byte(payload))
}

func (s *simulator) sleep(ctx context.Context) error {
	d := s.opts.step
	if s.opts.jitter > 0 {
		d += time.Duration(rand.Int63n(int64(s.opts.jitter)))
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
