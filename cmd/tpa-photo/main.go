package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/user/glasslink/logger"
	"github.com/user/glasslink/tpa"
)

func main() {
	url := flag.String("url", os.Getenv("TPA_URL"), "Cloud WebSocket URL")
	pkg := flag.String("package", "com.example.photo", "App package name")
	apiKey := flag.String("api-key", os.Getenv("TPA_API_KEY"), "App API key")
	sessionID := flag.String("session", "", "Session id (random when empty)")
	gallery := flag.Bool("save", false, "Ask the glasses to keep the photo in the gallery")
	timeout := flag.Duration("timeout", 30*time.Second, "How long to wait for the photo")
	flag.Parse()

	if *url == "" {
		fmt.Println("Usage: tpa-photo --url wss://cloud.example.com/tpa-ws --api-key KEY [--package NAME]")
		os.Exit(1)
	}
	logger.SetLevel(logger.WARN)

	cfg := tpa.DefaultConfig()
	cfg.URL = *url
	cfg.PackageName = *pkg
	cfg.APIKey = *apiKey
	cfg.SessionID = *sessionID
	cfg.PhotoTimeout = *timeout

	session := tpa.New(cfg)
	session.OnDisconnect(func(info tpa.DisconnectInfo) {
		if info.Permanent {
			fmt.Fprintf(os.Stderr, "Connection lost for good: %v\n", info.Err)
		}
	})
	session.OnReconnecting(func(attempt int, delay time.Duration) {
		fmt.Fprintf(os.Stderr, "Connection dropped, retry %d in %v\n", attempt, delay)
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := session.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer session.Disconnect()
	fmt.Printf("Connected, session %s\n", session.SessionID())

	start := time.Now()
	result, err := session.RequestPhoto(ctx, tpa.PhotoRequest{SaveToGallery: *gallery})
	if err != nil {
		log.Fatalf("Photo request failed: %v", err)
	}
	fmt.Printf("Photo %s in %v\n", result.RequestID, time.Since(start).Round(time.Millisecond))
	fmt.Println(result.PhotoURL)
}
