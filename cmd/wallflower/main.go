package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/edirooss/wallflower/internal/config"
	"github.com/edirooss/wallflower/internal/domain/camera"
	"github.com/edirooss/wallflower/internal/events"
	"github.com/edirooss/wallflower/internal/healthsrv"
	"github.com/edirooss/wallflower/internal/http/handler"
	mw "github.com/edirooss/wallflower/internal/http/middleware"
	"github.com/edirooss/wallflower/internal/infrastructure/go2rtc"
	"github.com/edirooss/wallflower/internal/infrastructure/processmgr"
	"github.com/edirooss/wallflower/internal/infrastructure/whisperlive"
	"github.com/edirooss/wallflower/internal/repo"
	"github.com/edirooss/wallflower/internal/service"
	"github.com/edirooss/wallflower/internal/stream"
	"github.com/edirooss/wallflower/internal/transcript"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file (default "+config.DefaultConfigPath+")")
	handleVersion()

	cfg, err := config.Loader{Path: *configPath}.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := buildLogger(cfg.LogLevel)
	defer log.Sync()
	log = log.Named("main")
	log.Info("starting wallflower",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("camera_source", cfg.CameraSource))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Storage ---
	rp := repo.NewRepository(log, cfg.RedisAddr, cfg.RedisDB, cfg.Transcripts.MaxPerCamera)
	defer rp.Close()

	var (
		src        stream.CameraSource = rp.Cameras
		cameraFile *service.CameraFile
	)
	if cfg.CameraSource == config.SourceFile {
		cameraFile, err = service.NewCameraFile(log, cfg.CamerasFile)
		if err != nil {
			log.Fatal("cameras file load failed", zap.String("path", cfg.CamerasFile), zap.Error(err))
		}
		src = cameraFile
	}

	// --- Transcript sink ---
	sink := transcript.NewBatchSink(log, rp.Transcripts, transcript.SinkOptions{
		BatchSize:     cfg.Transcripts.BatchSize,
		FlushInterval: cfg.Transcripts.FlushInterval,
		MaxPending:    cfg.Transcripts.MaxPending,
	})
	sinkCtx, stopSink := context.WithCancel(context.Background())
	sinkDone := make(chan struct{})
	go func() {
		defer close(sinkDone)
		sink.Run(sinkCtx)
	}()

	// --- External services ---
	hub := events.New(events.DefaultBuffer)
	defer hub.Close()

	whisper := whisperlive.NewClient(log, cfg.Whisper.URL(), whisperlive.Options{
		DialTimeout: cfg.Worker.DialTimeout,
		IdleTimeout: cfg.Worker.IdleTimeout,
	})

	// Interfaces stay untyped nil when the proxy is disabled.
	var (
		proxyClient *go2rtc.Client
		proxy       stream.VideoProxy
		inspector   handler.ProxyInspector
		streams     service.StreamLister
		urls        handler.URLResolver
	)
	if cfg.VideoProxy.Enabled {
		proxyClient = go2rtc.NewClient(log, go2rtc.Options{
			Host:         cfg.VideoProxy.Host,
			Port:         cfg.VideoProxy.Port,
			RTSPPort:     cfg.VideoProxy.RTSPPort,
			ExternalHost: cfg.VideoProxy.ExternalHost,
			Timeout:      cfg.VideoProxy.Timeout,
		})
		proxy, inspector, streams, urls = proxyClient, proxyClient, proxyClient, proxyClient
	}

	// --- Workers ---
	logs := processmgr.NewLogManager()
	settings := stream.NewSettings(cfg)
	deps := stream.Deps{
		Dialer:   stream.WhisperDialer{Client: whisper},
		Launcher: stream.ProcessLauncher{Log: log, Logs: logs, Grace: cfg.Worker.StopGrace},
		Sink:     sink,
		Events:   hub,
		Proxy:    proxy,
		Filter:   transcript.NewFilter(cfg.Transcripts.Filter),
	}
	mgr := stream.NewManager(log, src, proxy, func(cam camera.Camera) *stream.Worker {
		return stream.NewWorker(log, cam, settings, deps)
	}, stream.NewManagerOptions(cfg))

	var shutdownOnce sync.Once
	shutdown := func() {
		shutdownOnce.Do(func() {
			log.Info("stopping workers")
			mgr.Shutdown()
			stopSink()
			<-sinkDone
		})
	}
	defer shutdown()

	if err := mgr.StartAll(ctx); err != nil {
		// Partial start is fine: failed cameras are picked up by the next reconcile.
		log.Warn("initial start incomplete", zap.Error(err))
	}

	if cameraFile != nil {
		go func() {
			err := cameraFile.Watch(ctx, 0, func(ctx context.Context) {
				rctx, cancel := context.WithTimeout(ctx, time.Minute)
				defer cancel()
				if err := mgr.ReconcileWithSource(rctx); err != nil {
					log.Warn("reconcile after cameras file change", zap.Error(err))
				}
			})
			if err != nil {
				log.Error("cameras file watch stopped", zap.Error(err))
			}
		}()
	}

	// --- gRPC health ---
	if cfg.GRPCHealth != "" {
		hs := healthsrv.New(log, cfg.Manager.HealthInterval)
		hs.AddCheck("wallflower.redis", func(ctx context.Context) bool { return rp.Client().Healthy(ctx) == nil })
		if proxyClient != nil {
			hs.AddCheck("wallflower.video_proxy", proxyClient.Healthy)
		}
		go func() {
			if err := hs.Serve(ctx, cfg.GRPCHealth); err != nil {
				log.Error("grpc health server failed", zap.Error(err))
			}
		}()
	}

	// --- HTTP ---
	if !cfg.Dev {
		gin.SetMode(gin.ReleaseMode)
	}
	gin.DefaultWriter = zap.NewStdLog(log.Named("gin")).Writer()
	r := gin.New()
	{
		r.Use(gin.Recovery())
		r.Use(mw.RequestID())

		if cfg.Dev { // Enable CORS for the local dashboard dev server
			r.Use(cors.New(cors.Config{
				AllowOrigins:  []string{"http://localhost:5173", "http://localhost:3000", "http://127.0.0.1:3000"},
				AllowMethods:  []string{"GET", "POST", "OPTIONS"},
				AllowHeaders:  []string{"X-Request-ID", "Content-Type"},
				ExposeHeaders: []string{"X-Request-ID", "X-Total-Count", "X-Cache", "X-Summary-Generated-At"},
				MaxAge:        12 * time.Hour,
			}))
		} else { // Behind a TLS-terminating reverse proxy
			r.SetTrustedProxies([]string{"127.0.0.1"})
			r.Use(secure.New(secure.Config{
				SSLProxyHeaders: map[string]string{"X-Forwarded-Proto": "https"},
			}))
		}

		r.Use(mw.AccessLog(log.Named("http")))
		r.Use(func(c *gin.Context) {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
			c.Next()
		})
	}

	{
		summary := service.NewSummaryService(log, mgr, streams, service.SummaryOptions{
			TTL:            time.Second,
			RefreshTimeout: 500 * time.Millisecond,
		})
		camerashndlr := handler.NewCamerasHandler(log, mgr, summary, handler.CamerasHandlerOptions{
			Logs:    logs,
			History: rp.Transcripts,
			URLs:    urls,
		})

		api := r.Group("/api")
		api.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })

		// --- Camera collection ---
		api.GET("/cameras/status", camerashndlr.StatusList)
		api.POST("/cameras/reconcile", mw.LimitConcurrentRequests(1), camerashndlr.Reconcile)

		// --- Camera resource ---
		cam := api.Group("/cameras/:id", mw.RequireValidCameraID())
		cam.GET("/status", camerashndlr.Status)
		cam.GET("/transcripts", camerashndlr.Transcripts)
		cam.GET("/logs", camerashndlr.Logs)
		cam.GET("/urls", camerashndlr.URLs)

		lifecycle := cam.Group("", mw.LimitConcurrentRequests(8))
		lifecycle.POST("/start", camerashndlr.Start)
		lifecycle.POST("/stop", camerashndlr.Stop)
		lifecycle.POST("/restart", camerashndlr.Restart)
		lifecycle.POST("/retry", camerashndlr.Retry)

		// --- Live views ---
		api.GET("/events", handler.NewEventsHandler(log, hub).Stream)
		api.GET("/video-proxy", handler.NewVideoProxyHandler(log, inspector).Get)
	}

	// No WriteTimeout: /api/events streams for the life of the client.
	httpsrv := &http.Server{
		Addr:              net.JoinHostPort(cfg.HTTPAddr, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 2 * time.Second,  // kills header-drip Slowloris
		ReadTimeout:       10 * time.Second, // full request read (incl. body)
		IdleTimeout:       60 * time.Second, // keep-alive cap
		MaxHeaderBytes:    1 << 20,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		log.Info("shutdown requested")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpsrv.Shutdown(sctx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
	}()

	log.Info("running HTTP server", zap.String("addr", httpsrv.Addr))
	if err := httpsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server failed", zap.Error(err))
		stop()
	}
	shutdown()
	log.Info("server closed")
}

// handleVersion prints build metadata and exits when -v/--version is provided.
func handleVersion() {
	v := flag.Bool("v", false, "print version and exit")
	flag.BoolVar(v, "version", false, "print version and exit")
	flag.Parse()

	if *v {
		fmt.Printf("wallflower %s (commit %s, built %s)\n", config.Version, config.GitCommit, config.BuildDate)
		os.Exit(0)
	}
}

func buildLogger(level string) *zap.Logger {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	logConfig.Level.SetLevel(lvl)
	return zap.Must(logConfig.Build())
}
