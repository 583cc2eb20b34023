package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/user/glasslink/api"
	"github.com/user/glasslink/bridge"
	"github.com/user/glasslink/config"
	"github.com/user/glasslink/device"
	"github.com/user/glasslink/link"
	"github.com/user/glasslink/logger"
	"github.com/user/glasslink/reconnect"
	"github.com/user/glasslink/router"
	"github.com/user/glasslink/util"
	"github.com/user/glasslink/wire/transport"
)

const prefix = "glasslinkd"

func main() {
	cfg := config.Load()

	transportName := flag.String("transport", cfg.Transport, "Link transport: serial, ble or loopback")
	serialPort := flag.String("port", cfg.SerialPort, "UART device for the serial transport")
	httpAddr := flag.String("http", cfg.HTTPAddr, "Management API address (empty disables it)")
	natsURL := flag.String("nats", cfg.NATSURL, "NATS server URL (empty disables the bus bridge)")
	redisURL := flag.String("redis", cfg.RedisURL, "Redis URL (empty disables the session registry)")
	logLevel := flag.String("log-level", "", "TRACE, DEBUG, INFO, WARN or ERROR")
	flag.Parse()

	cfg.Transport = *transportName
	cfg.SerialPort = *serialPort
	cfg.HTTPAddr = *httpAddr
	cfg.NATSURL = *natsURL
	cfg.RedisURL = *redisURL
	if *logLevel != "" {
		logger.SetLevel(logger.ParseLevel(*logLevel))
	}
	logger.EnableTimestamps(true)

	logger.Info(prefix, "Starting (device %s, transport %s)", cfg.DeviceID, cfg.Transport)

	tr, err := buildTransport(cfg)
	if err != nil {
		log.Fatalf("[%s] %v", prefix, err)
	}

	session := link.New(tr, link.Config{
		KeepAliveInterval: cfg.KeepAliveInterval,
		ValidatorInterval: cfg.ValidatorInterval,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		ReadvertiseDelay:  cfg.ReadvertiseDelay,
		AdvertiseTimeout:  cfg.AdvertiseTimeout,
		MaxReadvertise:    cfg.MaxReadvertise,
		WrapOutbound:      cfg.WrapOutbound,
		EventLog:          cfg.EventLog,
		StatsSnapshots:    cfg.StatsSnapshots,
	})
	session.OnPermanentFailure(func(err error) {
		logger.Error(prefix, "Phone did not come back: %v (POST /api/v1/session/discovery to retry)", err)
	})

	mediaDir := util.GetMediaDir()
	mediaOpts := device.DefaultMediaOptions()
	mediaOpts.MediaDir = mediaDir
	mediaOpts.URLBase = cfg.MediaURLBase
	if cfg.PhotoCommand != nil {
		mediaOpts.PhotoCommand = cfg.PhotoCommand
	}
	if cfg.VideoCommand != nil {
		mediaOpts.VideoCommand = cfg.VideoCommand
	}
	media := device.NewMedia(mediaOpts)
	streamer := device.NewStreamer(cfg.StreamCommand, reconnect.Config{})
	network := device.NewNetwork(cfg.WifiInterface)

	r := router.New(router.Options{
		Sender:          session,
		Media:           media,
		Streamer:        streamer,
		Network:         network,
		Requests:        session.Requests(),
		Tokens:          device.NewFileTokenStore(util.GetDataDir()),
		Version:         versionInfo(cfg),
		HotspotSSID:     cfg.HotspotSSID,
		HotspotPassword: cfg.HotspotPassword,
		MediaDir:        mediaDir,
	})
	media.OnPhotoDone(func(requestID, url string, err error) {
		if err != nil {
			r.FailPhoto(requestID, err)
			return
		}
		r.CompletePhoto(requestID, url)
	})
	streamer.OnStatus(r.NotifyRtmpStatus)
	session.SetDispatcher(r)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := network.Watch(ctx, r.NotifyWifiState); err != nil {
		logger.Warn(prefix, "Wifi link updates unavailable: %v", err)
	}

	var publisher *bridge.Publisher
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("glasslinkd-"+cfg.DeviceID))
		if err != nil {
			log.Fatalf("[%s] Failed to connect to NATS: %v", prefix, err)
		}
		defer nc.Close()
		logger.Info(prefix, "Connected to NATS at %s", cfg.NATSURL)

		publisher = bridge.NewPublisher(nc, cfg.DeviceID)
		r.OnEnvelope(publisher.Envelope)
		publisher.Track(session)
		if err := publisher.ListenDownlink(session.SendJSON); err != nil {
			log.Fatalf("[%s] %v", prefix, err)
		}
		if err := publisher.ListenInject(r.Route); err != nil {
			log.Fatalf("[%s] %v", prefix, err)
		}
	}

	if cfg.RedisURL != "" {
		rdb := redis.NewClient(redisOptions(cfg.RedisURL))
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			log.Fatalf("[%s] Failed to connect to Redis: %v", prefix, err)
		}
		defer rdb.Close()
		logger.Info(prefix, "Connected to Redis at %s", cfg.RedisURL)

		bridge.NewRegistry(rdb, cfg.DeviceID, cfg.SessionTTL).Track(session)
	}

	var server *api.Server
	if cfg.HTTPAddr != "" {
		server = api.NewServer(session, r, mediaDir)
		server.Start(cfg.HTTPAddr)
	}

	if err := session.StartDiscovery(); err != nil {
		logger.Warn(prefix, "Initial advertising failed: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info(prefix, "Shutting down...")

	cancel()
	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		server.Stop(shutdownCtx)
		shutdownCancel()
	}
	if publisher != nil {
		publisher.Close()
	}
	if streamer.IsStreaming() {
		streamer.StopRtmpStream()
	}
	media.Close()
	r.Wait()
	session.Close()
	logger.Info(prefix, "Stopped")
}

func buildTransport(cfg *config.Config) (transport.Transport, error) {
	switch cfg.Transport {
	case "serial":
		return transport.NewSerial(cfg.SerialPort, cfg.BaudRate, reconnect.DefaultConfig()), nil
	case "ble":
		return transport.NewBLE(transport.BLEOptions{
			LocalName:  cfg.BLEName,
			Probe:      transport.NewBlueZProbe(cfg.BLEAdapter),
			AssumedMTU: cfg.AssumedMTU,
		}), nil
	case "loopback":
		return transport.NewLoopback(), nil
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}

func redisOptions(url string) *redis.Options {
	if strings.Contains(url, "://") {
		if opts, err := redis.ParseURL(url); err == nil {
			return opts
		}
	}
	return &redis.Options{Addr: url, DB: 0}
}

func versionInfo(cfg *config.Config) router.VersionInfo {
	return router.VersionInfo{
		AppVersion:  cfg.AppVersion,
		BuildNumber: cfg.BuildNumber,
		DeviceModel: cfg.DeviceModel,
		OSVersion:   osVersion(),
	}
}

// osVersion reads PRETTY_NAME from os-release, falling back to GOOS/GOARCH
func osVersion() string {
	for _, path := range []string{"/etc/os-release", filepath.Join("/usr/lib", "os-release")} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			if v, ok := strings.CutPrefix(line, "PRETTY_NAME="); ok {
				return strings.Trim(v, `"`)
			}
		}
	}
	return runtime.GOOS + "/" + runtime.GOARCH
}
