package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"mcast-screen-streamer/internal/capture"
	"mcast-screen-streamer/internal/encode"
	"mcast-screen-streamer/internal/metrics"
	"mcast-screen-streamer/internal/pacer"
	"mcast-screen-streamer/internal/stream"
	"mcast-screen-streamer/internal/transport"
	"mcast-screen-streamer/pkg/config"
)

func main() {
	var (
		configFile   = pflag.String("config", "", "configuration file path (default ./config.yaml)")
		mode         = pflag.String("mode", "send", "send | receive | both")
		listDisplays = pflag.Bool("list-displays", false, "enumerate capture sources and exit")
		logLevel     = pflag.String("log-level", "", "override the configured log level")
	)
	pflag.Parse()

	if *listDisplays {
		for _, d := range capture.Displays() {
			fmt.Printf("display %d: %dx%d\n", d.Index, d.Width, d.Height)
		}
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}
	setupLogging(cfg, *logLevel)
	log := logrus.WithField("component", "main")

	if cfg.Metrics.Enabled {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			log.WithField("addr", addr).Info("metrics endpoint listening")
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.WithError(err).Warn("metrics endpoint stopped")
			}
		}()
	}

	var stopFns []func()

	switch *mode {
	case "send":
		stopFns = append(stopFns, startSender(cfg, log))
	case "receive":
		stopFns = append(stopFns, startReceiver(cfg, log))
	case "both":
		stopFns = append(stopFns, startSender(cfg, log), startReceiver(cfg, log))
	default:
		log.Fatalf("unknown mode %q", *mode)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	for _, stop := range stopFns {
		stop()
	}
}

func setupLogging(cfg *config.Config, override string) {
	level := cfg.LogLevel
	if override != "" {
		level = override
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logrus.SetLevel(parsed)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

func startSender(cfg *config.Config, log *logrus.Entry) func() {
	sender, err := transport.NewSender(cfg.MulticastGroup, cfg.MulticastPort, cfg.MulticastTTL)
	if err != nil {
		log.WithError(err).Fatal("failed to open multicast sender")
	}

	selector := capture.DefaultSelector(cfg.DisplayIndex)
	encoder := encode.New(cfg.JpegQuality, cfg.ResizeWidth, cfg.ResizeHeight)
	streamer := stream.NewStreamer(
		pacer.New(cfg.TargetFps, cfg.MinFps, cfg.MaxFps),
		selector, encoder, sender,
	)
	streamer.Start()

	go func() {
		<-streamer.Done()
		if err := streamer.Err(); err != nil {
			log.WithError(err).Error("streaming ended")
		}
	}()

	return func() {
		streamer.Stop()
		sender.Close()
		selector.Close()
	}
}

func startReceiver(cfg *config.Config, log *logrus.Entry) func() {
	sink := func(frame []byte) {
		log.WithField("size", len(frame)).Debug("frame received")
	}

	var preview *stream.Preview
	if cfg.Preview.Enabled {
		p, err := stream.NewPreview(cfg.Preview.Port, cfg.Preview.Path, cfg.Preview.RtpPayloadMaxSize, cfg.TargetFps)
		if err != nil {
			log.WithError(err).Fatal("failed to start preview server")
		}
		preview = p
		inner := sink
		sink = func(frame []byte) {
			inner(frame)
			preview.Publish(frame)
		}
	}

	receiver, err := transport.NewReceiver(
		cfg.MulticastGroup, cfg.MulticastPort, "screen-frame",
		cfg.FrameTimeout(), cfg.ReadTimeout(), sink,
	)
	if err != nil {
		log.WithError(err).Fatal("failed to join multicast group")
	}
	receiver.Start()

	return func() {
		receiver.Close()
		if preview != nil {
			preview.Close()
		}
	}
}
