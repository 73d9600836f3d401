package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/codex-team/ctproto/internal/common/config"
	"github.com/codex-team/ctproto/internal/common/logger"
	"github.com/codex-team/ctproto/pkg/client"
	"github.com/codex-team/ctproto/pkg/message"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	msgType := flag.String("type", "echo", "message type to send")
	payload := flag.String("payload", `{"hello":"world"}`, "JSON payload to send")
	filePath := flag.String("file", "", "optional file to upload")
	flag.Parse()

	cfg, err := config.LoadClientConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New("", "ctproto-client", cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	cli, err := client.New(client.Options{
		APIURL:             cfg.APIURL,
		AuthRequestPayload: map[string]string{"token": cfg.Token},
		DisableLogs:        cfg.DisableLogs,
		Logger:             log,
		OnAuth: func(payload json.RawMessage) {
			log.Infof("authorized: %s", payload)
		},
		OnMessage: func(env *message.Envelope) {
			log.Infof("update %s: %s", env.Type, env.Payload)
		},
	})
	if err != nil {
		log.Fatalf("failed to build client: %v", err)
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := cli.Connect(ctx); err != nil {
		log.Fatalf("failed to connect: %v", err)
	}

	resp, err := cli.Send(ctx, *msgType, json.RawMessage(*payload))
	if err != nil {
		log.Fatalf("send failed: %v", err)
	}
	fmt.Printf("response: %s\n", resp)

	if *filePath != "" {
		data, err := os.ReadFile(*filePath)
		if err != nil {
			log.Fatalf("failed to read file: %v", err)
		}
		result, err := cli.SendFile(ctx, "store", data, map[string]string{
			"name": *filePath,
		})
		if err != nil {
			log.Fatalf("upload failed: %v", err)
		}
		fmt.Printf("upload result: %s\n", result)
	}
}
