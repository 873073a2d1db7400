package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"puppetmaster/internal/toolbridge/bridge"
	"puppetmaster/internal/toolbridge/mcp"
)

func main() {
	var (
		listen     = flag.String("listen", "127.0.0.1:8090", "http listen address")
		worldWSURL = flag.String("world-ws-url", "ws://127.0.0.1:8080/v1/ws", "puppetmaster agent ws url")
		hmacSecret = flag.String("hmac-secret", "", "hmac secret (or set PM_MCP_HMAC_SECRET)")
		stateFile  = flag.String("state-file", "./data/mcp/sessions.json", "persisted resume tokens per session key")
		maxSess    = flag.Int("max-sessions", 256, "max concurrent sessions")
	)
	flag.Parse()

	secret := strings.TrimSpace(*hmacSecret)
	if secret == "" {
		secret = strings.TrimSpace(os.Getenv("PM_MCP_HMAC_SECRET"))
	}
	requireHMAC := envBoolWithDefault("PM_MCP_REQUIRE_HMAC", isDeployed())
	if requireHMAC && secret == "" {
		log.Fatalf("[mcp] hmac secret required (set -hmac-secret or PM_MCP_HMAC_SECRET)")
	}
	if secret == "" && !isLoopbackListenAddress(*listen) {
		log.Fatalf("[mcp] refusing MCP bind on non-loopback address %q without hmac secret", *listen)
	}

	logger := log.New(os.Stdout, "[mcp] ", log.LstdFlags|log.Lmicroseconds)
	authMode := "hmac"
	if secret == "" {
		authMode = "none(loopback-only)"
	}
	logger.Printf("auth_mode=%s require_hmac=%t allow_legacy_hmac=%t", authMode, requireHMAC, envBoolWithDefault("PM_MCP_HMAC_ALLOW_LEGACY", !isDeployed()))

	br, err := bridge.NewManager(bridge.Config{
		WorldWSURL:  *worldWSURL,
		StateFile:   *stateFile,
		MaxSessions: *maxSess,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatalf("bridge: %v", err)
	}
	defer br.Close()

	srv, err := mcp.NewServer(mcp.Config{Bridge: br, HMACSecret: secret})
	if err != nil {
		logger.Fatalf("mcp: %v", err)
	}

	httpSrv := &http.Server{
		Addr:              *listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := signalContext()
	defer cancel()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Printf("listening on http://%s (world ws=%s)", *listen, *worldWSURL)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("listen: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func isDeployed() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return true
	default:
		return false
	}
}

func envBoolWithDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func isLoopbackListenAddress(addr string) bool {
	host := strings.TrimSpace(addr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = strings.TrimSpace(h)
	}
	host = strings.Trim(host, "[]")
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
