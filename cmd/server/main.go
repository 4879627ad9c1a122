package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"camrelay/internal/control"
	"camrelay/internal/platform/config"
	"camrelay/internal/platform/logger"
	"camrelay/internal/platform/metrics"
	"camrelay/internal/relay"
	"camrelay/internal/sink"
	"camrelay/internal/source"

	"github.com/go-chi/chi/v5"
)

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	bufferSize := config.GetEnvInt("FRAME_BUFFER_SIZE", relay.DefaultBufferSize)
	heartbeat := config.GetEnvDuration("HEARTBEAT_INTERVAL", control.DefaultHeartbeatInterval)
	openTimeout := config.GetEnvDuration("OPEN_TIMEOUT", 10*time.Second)
	stopTimeout := config.GetEnvDuration("STOP_TIMEOUT", control.DefaultStopTimeout)
	shutdownTimeout := config.GetEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second)

	log := logger.New(logLevel, logFormat)
	met := metrics.New()

	out, closeSink, err := newSink(log)
	if err != nil {
		log.Error("sink setup failed", "error", err)
		os.Exit(1)
	}
	defer closeSink()

	opener := source.NewDefaultMux(config.GetEnv("FFMPEG_PATH", "ffmpeg"), log)
	reg := relay.NewRegistry(opener, out, relay.Options{BufferSize: bufferSize, OpenTimeout: openTimeout}, log, met)
	ctrl := control.NewServer(reg, log, met, control.Options{HeartbeatInterval: heartbeat, StopTimeout: stopTimeout})

	// POST /admin/shutdown and SIGINT/SIGTERM both end up here.
	stop := make(chan struct{})
	var stopOnce sync.Once
	requestStop := func() { stopOnce.Do(func() { close(stop) }) }

	h := relay.NewHandler(reg, log, met, stopTimeout, requestStop)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveSessions(reg.Count()) }).ServeHTTP(w, r)
	})
	r.Handle("/ws", ctrl)
	h.Routes(r)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"frame_buffer_size", bufferSize,
		"heartbeat_interval", heartbeat.String(),
		"log_level", logLevel,
	)

	activateBootCameras(reg, log, config.GetEnv("CAMERAS_FILE", ""))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Info("shutdown signal received, stopping cameras")
	case <-stop:
		log.Info("shutdown requested, stopping cameras")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	failed := false
	if err := ctrl.Shutdown(ctx); err != nil {
		log.Error("control shutdown error", "error", err)
		failed = true
	}
	if err := reg.Shutdown(ctx); err != nil {
		log.Error("camera shutdown error", "error", err, "still_active", reg.Count())
		failed = true
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		failed = true
	}
	if failed {
		closeSink()
		os.Exit(1)
	}

	log.Info("server stopped")
}

// newSink builds the outbound sink selected by SINK. The returned func
// releases it and is safe to call more than once.
func newSink(log *slog.Logger) (relay.Sink, func(), error) {
	switch kind := config.GetEnv("SINK", "log"); kind {
	case "log":
		return sink.NewLogSink(log), func() {}, nil

	case "http":
		base := config.GetEnv("SINK_HTTP_URL", "")
		if base == "" {
			return nil, nil, errors.New("SINK=http requires SINK_HTTP_URL")
		}
		log.Info("relaying frames over http", "url", base)
		return sink.NewHTTPSink(base, config.GetEnvDuration("SINK_HTTP_TIMEOUT", 5*time.Second)), func() {}, nil

	case "mqtt":
		m := sink.NewMQTTSink(sink.MQTTOptions{
			Broker:      config.GetEnv("MQTT_BROKER", "tcp://localhost:1883"),
			ClientID:    config.GetEnv("MQTT_CLIENT_ID", "camrelay"),
			TopicPrefix: config.GetEnv("MQTT_TOPIC_PREFIX", "camrelay/frames"),
			QoS:         byte(config.GetEnvInt("MQTT_QOS", 0)),
		}, log)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.Connect(ctx); err != nil {
			// The client keeps retrying in the background; frames sent before it
			// connects are dropped and counted as sink errors.
			log.Warn("mqtt broker not reachable yet", "error", err)
		}
		var once sync.Once
		return m, func() { once.Do(m.Close) }, nil

	default:
		return nil, nil, errors.New("unknown SINK " + kind + " (want log, http or mqtt)")
	}
}

// activateBootCameras starts every camera listed in the CAMERAS_FILE. Failures
// are logged; the cameras can still be started over the control channel.
func activateBootCameras(reg *relay.Registry, log *slog.Logger, path string) {
	cams, err := config.LoadCameras(path)
	if err != nil {
		log.Error("loading cameras file failed", "path", path, "error", err)
		return
	}
	for _, c := range cams {
		go func(c config.Camera) {
			if _, err := reg.Activate(context.Background(), relay.CameraID(c.ID), c.URL); err != nil {
				log.Warn("boot camera not started", "cam_id", c.ID, "error", err)
				return
			}
			log.Info("boot camera started", "cam_id", c.ID)
		}(c)
	}
}
