// =============================================================================
// 文件: cmd/hpcc-sim/main.go
// 描述: 主程序入口 - 汇聚拓扑仿真, 集成 Prometheus 指标与 WebSocket 事件流
// =============================================================================
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/hpcc/internal/config"
	"github.com/mrcgq/hpcc/internal/congestion"
	"github.com/mrcgq/hpcc/internal/logging"
	"github.com/mrcgq/hpcc/internal/metrics"
	"github.com/mrcgq/hpcc/internal/sim"
	"github.com/mrcgq/hpcc/internal/stream"
	"github.com/mrcgq/hpcc/internal/topology"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// 快照发布周期与单次推进的仿真时长
const (
	statsInterval = 10 * time.Microsecond
	runSlice      = 100 * time.Microsecond
)

func main() {
	configPath := flag.String("c", "config.yaml", "配置文件路径")
	showVersion := flag.Bool("v", false, "显示版本")
	genConfig := flag.Bool("gen-config", false, "生成示例配置文件")
	logSpec := flag.String("log", "", "日志级别, 覆盖配置 (如 info,congestion=debug)")
	mode := flag.String("mode", "", "覆盖拥塞控制模式: dcqcn/hpcc/timely/dctcp/hpcc_pint/window")
	durationUs := flag.Int("duration", 0, "覆盖仿真时长 (微秒)")
	hold := flag.Bool("hold", false, "仿真结束后保持指标与事件流服务, 直到收到信号")

	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	if *genConfig {
		if err := config.WriteExampleConfig("config.example.yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "生成配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("已生成示例配置文件: config.example.yaml")
		return
	}

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.RateControl.Mode = *mode
	}
	if *durationUs > 0 {
		cfg.Sim.DurationUs = *durationUs
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}
	cfg.SyncRelated()

	format, _ := logging.ParseFormat(cfg.LogFormat)
	log, err := logging.New(logging.Options{
		CLISpec:    *logSpec,
		ConfigSpec: cfg.LogLevel,
		Format:     format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "日志配置错误: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, *hold); err != nil {
		log.Error("simulation failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger, hold bool) error {
	params, err := networkParams(cfg, log)
	if err != nil {
		return err
	}
	loop := sim.NewLoop()
	net, err := topology.NewIncast(loop, params)
	if err != nil {
		return err
	}

	store := metrics.NewStore()
	var (
		srv *metrics.Server
		hub *stream.Hub
		sm  *metrics.SimMetrics
	)
	if cfg.Metrics.Enabled {
		srv = metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path, cfg.Metrics.HealthPath, cfg.Metrics.EnablePprof, log)
		srv.MustRegisterCollector(metrics.NewNetworkCollector(store))
		srv.SetHealthCheck(metrics.StoreHealthCheck(store))
		sm = metrics.NewSimMetrics(srv.Registry())
	}
	if cfg.Stream.Enabled {
		hub = stream.NewHub(cfg.Stream.Listen, cfg.Stream.Path, log)
	}

	wire(net, store, sm, hub, params, log)

	for _, f := range cfg.Sim.Flows {
		if err := net.StartFlow(f.Sender, f.Size, f.PG, time.Duration(f.StartUs)*time.Microsecond); err != nil {
			return err
		}
		if sm != nil {
			sm.RecordFlowStart()
		}
	}

	var tick func()
	tick = func() {
		store.Publish(net.Snapshot())
		if sm != nil {
			sm.SetSimTime(loop.Now().Seconds())
		}
		loop.Schedule(statsInterval, tick)
	}
	loop.Schedule(0, tick)

	g, gctx := errgroup.WithContext(ctx)
	simCtx, simDone := context.WithCancel(gctx)

	g.Go(func() error {
		defer simDone()
		start := time.Now()
		if err := simulate(gctx, loop, cfg.Sim.Duration()); err != nil {
			if !errors.Is(err, context.Canceled) {
				return err
			}
			log.Warn("simulation interrupted", "sim_time", loop.Now())
		}
		store.Publish(net.Snapshot())
		summarize(log, store, loop, time.Since(start))
		if hold && (srv != nil || hub != nil) {
			log.Info("simulation finished, serving until interrupted")
			<-gctx.Done()
		}
		return nil
	})
	if srv != nil {
		g.Go(func() error { return srv.Run(simCtx) })
	}
	if hub != nil {
		g.Go(func() error { return hub.Run(simCtx) })
	}

	return g.Wait()
}

// wire 把网络事件接到快照存储、Prometheus 与事件流
func wire(net *topology.Network, store *metrics.Store, sm *metrics.SimMetrics, hub *stream.Hub, p topology.Params, log *slog.Logger) {
	loop := net.Loop()
	net.OnRateChange(func(ev congestion.RateEvent) {
		store.RecordRateChange(ev)
		if sm != nil {
			sm.RecordRateChange(ev)
		}
		if hub != nil {
			hub.Publish(stream.RateMessage(ev))
		}
	})
	net.OnFlowComplete(func(f *congestion.Flow) {
		now := loop.Now()
		fct := now - f.StartedAt
		ideal := congestion.Rate(p.LinkRate).TxTime(int(f.Size)) + p.BaseRTT

		store.RecordCompletion()
		if sm != nil {
			sm.RecordCompletion(fct.Seconds(), ideal.Seconds())
		}
		if hub != nil {
			hub.Publish(stream.CompleteMessage(now, stream.Completion{
				Host: f.Src.String(),
				Flow: f.Key,
				Size: f.Size,
				FCT:  fct,
			}))
		}
		log.Info("flow finished", "src", f.Src, "flow", f.Key, "size", f.Size,
			"fct", fct, "slowdown", fmt.Sprintf("%.2f", float64(fct)/float64(ideal)))
	})
}

// simulate 分片推进仿真时钟, 每片之间检查取消
func simulate(ctx context.Context, loop *sim.Loop, until time.Duration) error {
	for loop.Now() < until {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		next := loop.Now() + runSlice
		if next > until {
			next = until
		}
		loop.Run(next)
	}
	return nil
}

func summarize(log *slog.Logger, store *metrics.Store, loop *sim.Loop, wall time.Duration) {
	snap := store.Snapshot()
	log.Info("simulation done",
		"sim_time", loop.Now(),
		"wall", wall.Round(time.Millisecond),
		"events", loop.Fired(),
		"completed", store.GetCompleted(),
		"active", len(snap.Flows),
		"rate_changes", store.GetRateChanges(),
		"switch_drops", snap.Switch.Dropped,
		"ecn_marked", snap.Switch.ECNMarked)
	for _, f := range snap.Flows {
		log.Info("flow unfinished", "host", f.Host, "flow", f.Key, "acked", f.SndUna, "size", f.Size, "rate", f.Rate)
	}
}

func printVersion() {
	fmt.Printf("hpcc-sim v%s\n", Version)
	fmt.Printf("  Build: %s\n", BuildTime)
	fmt.Printf("  Commit: %s\n", GitCommit)
	fmt.Printf("  Go: %s\n", runtime.Version())
	fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Println()
	fmt.Println("拥塞控制模式:")
	fmt.Println("  - dcqcn     : ECN 标记 + 定时恢复")
	fmt.Println("  - hpcc      : 逐跳 INT 利用率")
	fmt.Println("  - timely    : RTT 梯度")
	fmt.Println("  - dctcp     : 标记比例窗口")
	fmt.Println("  - hpcc_pint : 概率性聚合利用率")
	fmt.Println("  - window    : 深度/比值遥测窗口")
}
