// Command chatbridge bridges MCP clients to browser-hosted chatbots.
//
// It speaks line-delimited JSON-RPC on stdin/stdout and runs a local
// WebSocket server that an authenticated browser extension connects to.
// Tool calls are queued per chat service and forwarded to the extension,
// which drives the chatbot page and reports the reply back.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/duetai/chatbridge/internal/config"
	"github.com/duetai/chatbridge/internal/errors"
	"github.com/duetai/chatbridge/internal/logging"
	"github.com/duetai/chatbridge/internal/queue"
	"github.com/duetai/chatbridge/internal/rpc"
	"github.com/duetai/chatbridge/internal/security"
	"github.com/duetai/chatbridge/internal/socket"
	"github.com/duetai/chatbridge/internal/tools"
	"github.com/duetai/chatbridge/internal/wire"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "chatbridge:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.FromEnv(logging.New("info"))
	log := logging.New(cfg.LogLevel)

	log.Info("Starting chatbridge",
		"version", config.ServerVersion,
		"socketHost", cfg.SocketHost,
		"socketPort", cfg.SocketPort)

	token, err := security.GenerateToken(cfg.TokenLength)
	if err != nil {
		return fmt.Errorf("generate token: %w", err)
	}

	// The extension's settings page needs this value; stdout is reserved
	// for the RPC stream.
	log.Info("Security token generated", "token", token)

	manager := queue.NewManager(log, queue.Config{
		MaxParallelPerService: cfg.MaxParallelPerService,
		RequestTTL:            cfg.RequestTTL,
		CompletedRetention:    cfg.CompletedRetention,
		CleanupInterval:       cfg.CleanupInterval,
	}, tools.Services...)

	sockSrv := socket.NewServer(log, socket.Config{
		Host:              cfg.SocketHost,
		Port:              cfg.SocketPort,
		MaxConnections:    cfg.MaxConcurrentConnections,
		AuthTimeout:       cfg.AuthTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ConnectionTimeout: cfg.ConnectionTimeout,
	}, token, manager)

	manager.SetDispatch(func(req queue.Snapshot) {
		frame := &wire.SendPrompt{
			Header:    wire.NewHeader(wire.ActionSendPrompt),
			RequestID: req.ID,
			Chatbot:   tools.ChatbotName(req.Service),
			Prompt:    req.Prompt,
			Options:   promptOptions(req.Options),
		}

		if sent := sockSrv.Broadcast(frame); sent == 0 {
			log.Warn("No authenticated agent to deliver prompt", "requestId", req.ID)
			manager.Reject(req.ID, errors.ErrNoAgentConnected)
		}
	})

	registry := tools.NewRegistry(log)
	if err := tools.RegisterChatTools(log, registry, manager, sockSrv); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	if err := sockSrv.Start(); err != nil {
		return fmt.Errorf("start socket server: %w", err)
	}

	log.Info("WebSocket server listening", "addr", sockSrv.Addr().String())

	rpcSrv := rpc.NewServer(log, os.Stdin, os.Stdout, registry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := rpcSrv.Serve(gctx)

		// A closed input stream means the MCP client went away; bring
		// the rest of the broker down with it.
		stop()

		if gctx.Err() != nil {
			return nil
		}

		return err
	})

	g.Go(func() error {
		<-gctx.Done()

		log.Info("Shutting down")

		manager.CancelAll()

		// Unblocks the stdin read loop when shutdown came from a signal.
		os.Stdin.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := sockSrv.Stop(shutdownCtx); err != nil && !stderrors.Is(err, errors.ErrServerClosed) {
			return fmt.Errorf("stop socket server: %w", err)
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("Shutdown complete")

	return nil
}

// promptOptions converts queue option maps to the wire representation.
func promptOptions(options map[string]any) *wire.PromptOptions {
	if len(options) == 0 {
		return nil
	}

	out := &wire.PromptOptions{}

	if temp, ok := options["temperature"].(float64); ok {
		out.Temperature = &temp
	}

	if model, ok := options["model"].(string); ok {
		out.Model = model
	}

	return out
}
