package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/openclaw/webchat-bridge/config"
	"github.com/openclaw/webchat-bridge/forward"
	"github.com/openclaw/webchat-bridge/gateway"
	"github.com/openclaw/webchat-bridge/server"
	"github.com/openclaw/webchat-bridge/session"
)

const (
	shutdownGrace = 10 * time.Second
	gcInterval    = 10 * time.Minute
	gcIdleAfter   = time.Hour
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("bridge exited")
	}
}

func run(logger zerolog.Logger) error {
	cfg := config.FromEnv()

	clientOptions := []gateway.Option{
		gateway.WithConnectTimeout(cfg.ConnectTimeout),
		gateway.WithRequestTimeout(cfg.RequestTimeout),
		gateway.WithHeartbeatInterval(cfg.HeartbeatInterval),
		gateway.WithReconnect(cfg.ReconnectMaxRetries, cfg.ReconnectDelay),
		gateway.WithClientIdentity(cfg.ClientID, cfg.ClientVersion, cfg.ClientInstanceID),
		gateway.WithLogger(logger.With().Str("component", "gateway").Logger()),
	}
	if cfg.GatewayOrigin != "" {
		clientOptions = append(clientOptions, gateway.WithOrigin(cfg.GatewayOrigin))
	}
	if !cfg.TLSVerify {
		logger.Warn().Msg("TLS certificate verification disabled")
		insecure := &tls.Config{InsecureSkipVerify: true}
		clientOptions = append(clientOptions, gateway.WithTLSConfig(insecure))
		if transport, ok := http.DefaultTransport.(*http.Transport); ok {
			transport.TLSClientConfig = insecure
		}
	}

	pool := gateway.NewPool(cfg.GatewayWSURL,
		gateway.WithClientOptions(clientOptions...),
		gateway.WithPoolLogger(logger.With().Str("component", "pool").Logger()))
	defer pool.CloseAll()

	manager := session.NewManager(pool, logger.With().Str("component", "session").Logger())
	forwarder := forward.NewForwarder(pool,
		forward.WithForwarderLogger(logger.With().Str("component", "forward").Logger()))

	srv := server.New(pool, manager, forwarder, cfg.GatewayWSURL,
		server.WithStreamingEnabled(cfg.StreamingEnabled),
		server.WithCORS(cfg.CORSOrigins),
		server.WithServerLogger(logger.With().Str("component", "server").Logger()))

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.APIPort),
		Handler: srv.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		ticker := time.NewTicker(gcInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if evicted := manager.GCIdle(gcIdleAfter); evicted > 0 {
					logger.Debug().Int("evicted", evicted).Msg("session cache swept")
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("gateway", cfg.GatewayWSURL).
			Int("port", cfg.APIPort).
			Bool("streaming", cfg.StreamingEnabled).
			Msg("bridge listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("drain http server: %w", err)
	}
	return nil
}
