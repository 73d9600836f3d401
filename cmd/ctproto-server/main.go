package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codex-team/ctproto/internal/common/config"
	"github.com/codex-team/ctproto/internal/common/jwtverify"
	"github.com/codex-team/ctproto/internal/common/logger"
	"github.com/codex-team/ctproto/pkg/message"
	"github.com/codex-team/ctproto/pkg/server"
)

type authRequest struct {
	Token string `json:"token"`
}

type authData struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogDir, "ctproto-server", cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		log.Fatalf("failed to create upload directory: %v", err)
	}

	secret := []byte(cfg.JWTSecret)

	srv, err := server.New(server.Options{
		Host:        cfg.Host,
		Port:        cfg.Port,
		Path:        cfg.Path,
		DisableLogs: cfg.DisableLogs,
		Logger:      log,

		OnAuth: func(ctx context.Context, payload json.RawMessage) (any, error) {
			var req authRequest
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, fmt.Errorf("malformed auth payload")
			}
			claims, err := jwtverify.ParseToken(req.Token, secret)
			if err != nil {
				return nil, fmt.Errorf("invalid token")
			}
			return authData{UserID: claims.UserID, Username: claims.Username}, nil
		},

		OnMessage: func(ctx context.Context, env *message.Envelope) (any, error) {
			log.WithFields(ctx, logger.Fields{
				"type":       env.Type,
				"message_id": env.MessageID,
			}).Info("application message")

			switch env.Type {
			case "echo":
				return env.Payload, nil
			default:
				return map[string]bool{"accepted": true}, nil
			}
		},

		OnUploadMessage: func(ctx context.Context, req *server.UploadRequest) (any, error) {
			path := filepath.Join(cfg.UploadDir, req.FileID)
			if err := os.WriteFile(path, req.File, 0o644); err != nil {
				return nil, fmt.Errorf("store upload: %w", err)
			}
			log.WithFields(ctx, logger.Fields{
				"file_id": req.FileID,
				"type":    req.Type,
				"size":    len(req.File),
			}).Info("upload stored")
			return map[string]string{"path": path}, nil
		},
	})
	if err != nil {
		log.Fatalf("failed to build server: %v", err)
	}

	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infof("metrics listening on %s", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics server failed: %v", err)
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("forced shutdown: %v", err)
	}
	metricsSrv.Shutdown(shutdownCtx)

	log.Info("server stopped")
}
