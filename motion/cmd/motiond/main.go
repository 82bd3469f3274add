package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "net/http/pprof"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/tropx/motioncore/motion/pkg/adminapi"
	"github.com/tropx/motioncore/motion/pkg/alert"
	"github.com/tropx/motioncore/motion/pkg/chunker"
	"github.com/tropx/motioncore/motion/pkg/config"
	"github.com/tropx/motioncore/motion/pkg/coordinator"
	"github.com/tropx/motioncore/motion/pkg/logging"
	"github.com/tropx/motioncore/motion/pkg/metrics"
	"github.com/tropx/motioncore/motion/pkg/motionpipeline"
	"github.com/tropx/motioncore/motion/pkg/registry"
	"github.com/tropx/motioncore/motion/pkg/server"
	"github.com/tropx/motioncore/motion/pkg/timesync"
	"github.com/tropx/motioncore/motion/pkg/transport"
	"github.com/tropx/motioncore/motion/pkg/transport/fake"
	"github.com/tropx/motioncore/motion/pkg/wire"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = "0.0.0.0:7410"
	defaultAdminAddr   = "0.0.0.0:7411"
	defaultMetricsAddr = "0.0.0.0:7412"
)

// statusAdapter bridges coordinator.Coordinator's concrete
// StatusSnapshot() wire.CommandResult to the adminapi.StatusProvider
// interface, which returns any: the two methods have the same name but
// different declared return types, so Go does not consider the
// coordinator itself to satisfy adminapi.StatusProvider.
type statusAdapter struct{ co *coordinator.Coordinator }

func (a statusAdapter) StatusSnapshot() any { return a.co.StatusSnapshot() }

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	enablePprofFlag := flag.Bool("enable-pprof", false, "enable pprof server")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "binary wire protocol listen address")
	adminAddrFlag := flag.String("admin-addr", defaultAdminAddr, "admin HTTP surface listen address")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "prometheus metrics listen address (empty disables)")
	targetHzFlag := flag.Int("target-hz", 100, "motion pipeline target rate: 100, 200, or 400")

	chunkSinkFlag := flag.String("chunk-sink", string(config.SinkLocal), "chunk sink backend: s3 or local-spill")
	s3BucketFlag := flag.String("s3-bucket", "", "S3 bucket for chunk uploads (required when chunk-sink=s3)")
	s3EndpointFlag := flag.String("s3-endpoint-url", "", "override S3 endpoint, for local S3-compatible testing")
	spillDirFlag := flag.String("spill-dir", "./motioncore-spill", "local fallback directory for chunk uploads")
	registryStateFlag := flag.String("registry-state-path", "./motioncore-registry.json", "path to persisted device sync state")

	slackWebhookFlag := flag.String("slack-webhook-url", "", "Slack webhook URL for alertable conditions (or set SLACK_WEBHOOK_URL)")

	scanTimeoutFlag := flag.Duration("scan-timeout", 5*time.Second, "bounded BLE scan duration")
	scanCooldownFlag := flag.Duration("scan-cooldown", 3*time.Second, "minimum interval between scans")
	heartbeatFlag := flag.Duration("heartbeat-interval", 30*time.Second, "streaming server heartbeat interval")
	commandTimeoutFlag := flag.Duration("command-timeout", 5*time.Second, "per-command dispatch timeout")

	demoDevicesFlag := flag.Int("demo-devices", 2, "number of simulated devices to seed onto the fake transport")

	flag.Parse()

	_ = godotenv.Load()

	if env := os.Getenv("SLACK_WEBHOOK_URL"); env != "" {
		*slackWebhookFlag = env
	}

	log := logging.New(*verboseFlag)

	log.Info("motiond starting", "version", version, "commit", commit, "date", date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal", "signal", sig.String())
		cancel()
	}()

	if *enablePprofFlag {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Error("pprof server failed", "error", err)
			}
		}()
	}

	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			log.Info("prometheus metrics server listening", "address", *metricsAddrFlag)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddrFlag, mux); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	clock := clockwork.NewRealClock()

	cfg := config.Config{
		Logger:            log,
		Clock:             clock,
		ListenAddr:        *listenAddrFlag,
		AdminAddr:         *adminAddrFlag,
		MetricsAddr:       *metricsAddrFlag,
		TargetHz:          *targetHzFlag,
		ChunkSink:         config.ChunkSinkBackend(*chunkSinkFlag),
		S3Bucket:          *s3BucketFlag,
		S3EndpointURL:     *s3EndpointFlag,
		SpillDir:          *spillDirFlag,
		RegistryStatePath: *registryStateFlag,
		SlackWebhookURL:   *slackWebhookFlag,
		ScanTimeout:       *scanTimeoutFlag,
		ScanCooldown:      *scanCooldownFlag,
		HeartbeatInterval: *heartbeatFlag,
		CommandTimeout:    *commandTimeoutFlag,
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	alertNotifier, err := alert.New(log, cfg.SlackWebhookURL)
	if err != nil {
		return fmt.Errorf("failed to create alert notifier: %w", err)
	}

	reg, err := registry.New(log, clock, cfg.NameRules, cfg.RegistryStatePath)
	if err != nil {
		return fmt.Errorf("failed to create registry: %w", err)
	}

	devTransport, joints := buildDemoTransport(clock, *demoDevicesFlag)

	timesyncMgr := timesync.NewManager(log, clock, devTransport)

	pipeline, err := motionpipeline.New(motionpipeline.Config{
		Logger:   log,
		Clock:    clock,
		TargetHz: cfg.TargetHz,
		Joints:   joints,
	})
	if err != nil {
		return fmt.Errorf("failed to create motion pipeline: %w", err)
	}
	pipeline.Start(ctx)

	spillSink := chunker.NewLocalSpillSink(cfg.SpillDir)
	primarySink, err := buildPrimarySink(ctx, cfg, spillSink)
	if err != nil {
		return fmt.Errorf("failed to create chunk sink: %w", err)
	}

	jointNames := make([]string, 0, len(joints))
	for _, j := range joints {
		jointNames = append(jointNames, j.Name)
	}

	newChunker := func(sessionID string) (motionpipeline.RecordingSink, error) {
		c, err := chunker.New(chunker.Config{
			Logger:           log,
			Sink:             primarySink,
			Spill:            spillSink,
			ChunkSizeSamples: cfg.ChunkSizeSamples(),
			MaxRetries:       cfg.MaxChunkUploadRetries,
			Joints:           jointNames,
			OnError:          func(err error) { alertNotifier.Notify(ctx, err) },
		})
		if err != nil {
			return nil, err
		}
		if err := c.StartSession(sessionID); err != nil {
			return nil, err
		}
		return c, nil
	}

	co, err := coordinator.New(coordinator.Config{
		Logger:       log,
		Clock:        clock,
		Transport:    devTransport,
		Registry:     reg,
		TimeSync:     timesyncMgr,
		Pipeline:     pipeline,
		Alert:        alertNotifier,
		NewChunker:   newChunker,
		ScanTimeout:  cfg.ScanTimeout,
		ScanCooldown: cfg.ScanCooldown,
	})
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}

	streamServer, err := server.New(server.Config{
		Logger:            log,
		Clock:             clock,
		Handler:           co,
		Status:            co,
		HeartbeatInterval: cfg.HeartbeatInterval,
		CommandTimeout:    cfg.CommandTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create streaming server: %w", err)
	}
	co.SetBroadcaster(streamServer)

	go bridgeUIToServer(ctx, pipeline, streamServer)

	adminRouter, err := adminapi.NewRouter(adminapi.Config{
		Logger: log,
		Build:  adminapi.BuildInfo{Version: version, Commit: commit, Date: date},
		Status: statusAdapter{co: co},
	})
	if err != nil {
		return fmt.Errorf("failed to create admin router: %w", err)
	}

	streamListener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}
	log.Info("streaming server listening", "address", cfg.ListenAddr)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := streamServer.Serve(ctx, streamListener); err != nil {
			serverErrCh <- fmt.Errorf("streaming server: %w", err)
		}
	}()

	adminHTTPServer := &http.Server{Addr: cfg.AdminAddr, Handler: adminRouter}
	adminErrCh := make(chan error, 1)
	go func() {
		log.Info("admin http surface listening", "address", cfg.AdminAddr)
		if err := adminHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			adminErrCh <- fmt.Errorf("admin http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down", "reason", ctx.Err())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = adminHTTPServer.Shutdown(shutdownCtx)
		return nil
	case err := <-serverErrCh:
		log.Error("streaming server error causing shutdown", "error", err)
		return err
	case err := <-adminErrCh:
		log.Error("admin server error causing shutdown", "error", err)
		return err
	}
}

// buildDemoTransport seeds an in-memory fake.Transport with n simulated
// devices, paired up two-per-joint (top/bottom), since no concrete BLE GATT
// transport ships with this repo.
func buildDemoTransport(clock clockwork.Clock, n int) (*fake.Transport, []motionpipeline.JointConfig) {
	if n < 2 {
		n = 2
	}
	names := []string{"tropx_ln_top", "tropx_ln_bottom", "tropx_rn_top", "tropx_rn_bottom"}
	devices := make([]*fake.Device, 0, n)
	ids := make([]string, 0, n)
	for i := 0; i < n && i < len(names); i++ {
		id := fmt.Sprintf("demo-%d", i)
		devices = append(devices, fake.NewDevice(id, names[i], clock, 0))
		ids = append(ids, id)
	}
	tr := fake.New(devices...)

	jointDefs := []struct {
		name           string
		topIdx, botIdx int
	}{
		{"left_knee", 0, 1},
		{"right_knee", 2, 3},
	}

	var joints []motionpipeline.JointConfig
	for _, jd := range jointDefs {
		if jd.topIdx >= len(ids) || jd.botIdx >= len(ids) {
			continue
		}
		joints = append(joints, motionpipeline.JointConfig{
			Name:           jd.name,
			TopDeviceID:    ids[jd.topIdx],
			BottomDeviceID: ids[jd.botIdx],
		})
	}
	return tr, joints
}

func bridgeUIToServer(ctx context.Context, pipeline *motionpipeline.Pipeline, streamServer *server.Server) {
	sub := pipeline.SubscribeUI()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Notify():
			snap := sub.Snapshot()
			streamServer.BroadcastMotionData(wire.MotionData{
				DeviceName:   "left_knee",
				LeftCurrent:  float32(snap.Left.Current),
				LeftMax:      float32(snap.Left.Max),
				LeftMin:      float32(snap.Left.Min),
				RightCurrent: float32(snap.Right.Current),
				RightMax:     float32(snap.Right.Max),
				RightMin:     float32(snap.Right.Min),
			})
		}
	}
}

func buildPrimarySink(ctx context.Context, cfg config.Config, spill *chunker.LocalSpillSink) (chunker.BlobSink, error) {
	if cfg.ChunkSink != config.SinkS3 {
		return spill, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.S3EndpointURL)
			o.UsePathStyle = true
		}
	})
	return chunker.NewS3Sink(client, cfg.S3Bucket), nil
}

var _ transport.DeviceTransport = (*fake.Transport)(nil)
