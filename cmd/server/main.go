package main

import (
	"database/sql"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/terminal-bench/courierdispatch/internal/cache"
	"github.com/terminal-bench/courierdispatch/internal/config"
	"github.com/terminal-bench/courierdispatch/internal/dispatch"
	"github.com/terminal-bench/courierdispatch/internal/gateway"
	"github.com/terminal-bench/courierdispatch/internal/notify"
	"github.com/terminal-bench/courierdispatch/internal/perf"
	"github.com/terminal-bench/courierdispatch/internal/resources"
	"github.com/terminal-bench/courierdispatch/internal/scheduler"
	"github.com/terminal-bench/courierdispatch/internal/spatial"
	"github.com/terminal-bench/courierdispatch/internal/storage"
	"github.com/terminal-bench/courierdispatch/internal/telemetry"
	"github.com/terminal-bench/courierdispatch/internal/threat"
	"github.com/terminal-bench/courierdispatch/pkg/circuit"
	"github.com/terminal-bench/courierdispatch/pkg/models"
)

func main() {
	cfg := config.Load()

	logger := newLogger(cfg.Debug)
	defer logger.Sync()

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	db.SetMaxOpenConns(int(cfg.DBConnLimit))
	defer db.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to parse redis url", zap.Error(err))
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	sink := storage.NewRedisSink(redisClient, 1000)

	// Notification fan-out. NATS is optional: without a broker the push,
	// webhook and chat channels fall back to log delivery.
	notifier := notify.NewFacade(sink, logger)
	if nc, err := nats.Connect(cfg.NatsURL, nats.MaxReconnects(-1)); err != nil {
		logger.Warn("nats unavailable, using log delivery", zap.Error(err))
		notifier.Register(notify.ChannelPush, notify.NewLogAdapter(notify.ChannelPush, logger))
		notifier.Register(notify.ChannelWebhook, notify.NewLogAdapter(notify.ChannelWebhook, logger))
		notifier.Register(notify.ChannelChat, notify.NewLogAdapter(notify.ChannelChat, logger))
	} else {
		defer nc.Close()
		notifier.Register(notify.ChannelPush, notify.NewNATSAdapter(nc, notify.ChannelPush))
		notifier.Register(notify.ChannelWebhook, notify.NewNATSAdapter(nc, notify.ChannelWebhook))
		notifier.Register(notify.ChannelChat, notify.NewNATSAdapter(nc, notify.ChannelChat))
	}
	notifier.Register(notify.ChannelSMS, notify.NewLogAdapter(notify.ChannelSMS, logger))
	notifier.Register(notify.ChannelEmail, notify.NewLogAdapter(notify.ChannelEmail, logger))
	notifier.SetOpsRecipient(models.Recipient{
		ID:         "ops",
		Role:       "admin",
		Email:      os.Getenv("OPS_EMAIL"),
		ChatHandle: os.Getenv("OPS_CHAT_HANDLE"),
	})

	perfOpts := []perf.Option{perf.WithNotifier(notifier)}
	if cfg.InfluxURL != "" {
		recorder := telemetry.NewInfluxRecorder(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket)
		defer recorder.Close()
		perfOpts = append(perfOpts, perf.WithExporter(recorder))
	}
	meter := perf.NewMeter(cfg.ResponseTimeAlert, cfg.MemoryAlertBytes, cfg.HeapBytesLimit,
		sink, logger, perfOpts...)

	resourceManager := resources.NewManager(resources.Limits{
		resources.ActiveDispatch: cfg.ActiveDispatchLimit,
		resources.HeapBytes:      cfg.HeapBytesLimit,
		resources.CPUPercent:     cfg.CPUPercentLimit,
		resources.DBConns:        cfg.DBConnLimit,
	}, sink, logger)
	resourceManager.SetProbes(resources.Probes{
		DBConns: func() int64 { return int64(db.Stats().OpenConnections) },
	})
	resourceManager.OnDispatchExhausted(func() {
		logger.Warn("dispatch capacity exhausted, deferring to high-value pending orders")
	})

	baseStore := cache.NewStore()
	adaptive := cache.NewAdaptive(baseStore, logger)
	index := spatial.NewIndex(cfg.SpatialGridDegrees, cfg.DriverLiveness, logger)
	resourceManager.OnEmergency(adaptive.Clear)
	resourceManager.OnEmergency(index.Clear)

	runner := circuit.NewRunner(circuit.Config{
		MaxFailures:  cfg.CircuitMaxFailures,
		ResetTimeout: cfg.CircuitResetTimeout,
		Retries:      cfg.CircuitRetries,
		BaseDelay:    cfg.CircuitBaseDelay,
	}, meter, logger)

	threatMeter := threat.NewMeter(threat.Thresholds{
		Low:     cfg.ThreatLow,
		Medium:  cfg.ThreatMedium,
		High:    cfg.ThreatHigh,
		Suspend: cfg.ThreatSuspend,
	}, storage.NewRedisIPReputation(redisClient), storage.NewSQLDeviceStore(db),
		storage.NewSQLActivityStore(db), sink, notifier, logger)

	orchestrator := dispatch.NewOrchestrator(dispatch.Config{
		SearchRadiusMiles: cfg.DispatchRadiusMiles,
		CandidateTTL:      2 * time.Minute,
		PerformanceWindow: 30 * 24 * time.Hour,
	}, resourceManager, runner, adaptive, index,
		storage.NewSQLDriverSource(db), storage.NewSQLPerformanceStore(db),
		storage.NewSQLPreferenceStore(db), threatMeter, notifier,
		storage.NewSQLRecipientStore(db), logger)

	sched := scheduler.New(scheduler.Config{
		MaxConcurrent: cfg.MaxConcurrentJobs,
		Tick:          cfg.SchedulerTick,
	}, logger)
	if len(cfg.EtcdEndpoints) > 0 {
		etcdClient, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.EtcdEndpoints,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			logger.Warn("etcd unavailable, job checkpoints disabled", zap.Error(err))
		} else {
			defer etcdClient.Close()
			sched.SetCheckpointer(scheduler.NewEtcdCheckpointer(etcdClient, ""))
		}
	}

	jobs := dispatch.Jobs{
		Scheduler: sched,
		Cache:     adaptive,
		Index:     index,
		Perf:      meter,
		Threat:    threatMeter,
		Resources: resourceManager,
		Sink:      sink,
		Logger:    logger,
	}
	if err := jobs.Install(); err != nil {
		logger.Fatal("failed to install system jobs", zap.Error(err))
	}
	sched.Start()
	defer sched.Stop()

	gw := gateway.New(gateway.Config{
		Port:            cfg.Port,
		JWTSecret:       cfg.JWTSecret,
		RateLimitWindow: cfg.RateLimitSpan,
		RateLimitMax:    cfg.RateLimitMax,
	}, orchestrator, meter, threatMeter, index, resourceManager, runner, sched, adaptive, logger)

	logger.Info("dispatch server starting", zap.String("port", cfg.Port))
	if err := gw.Start(); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func newLogger(debug bool) *zap.Logger {
	if debug {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}
