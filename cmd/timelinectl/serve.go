// serve.go: 常驻会话服务: hydrate 历史, 连接 handoff websocket, 提供 inspect HTTP。
package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/multi-agent/chat-timeline/internal/conversation"
	"github.com/multi-agent/chat-timeline/internal/handoff"
	"github.com/multi-agent/chat-timeline/internal/inspect"
	"github.com/multi-agent/chat-timeline/internal/store"
	"github.com/multi-agent/chat-timeline/internal/stream"
	"github.com/multi-agent/chat-timeline/internal/uistate"
	"github.com/multi-agent/chat-timeline/pkg/logger"
	"github.com/multi-agent/chat-timeline/pkg/util"
)

func newServeCmd() *cobra.Command {
	var noSocket bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run one conversation view and expose it over the inspect API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), noSocket)
		},
	}
	cmd.Flags().BoolVar(&noSocket, "no-socket", false, "do not connect the handoff websocket")
	return cmd
}

func serve(ctx context.Context, noSocket bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	view := uistate.NewView(cfg.ConversationID, cfg.ConnRole())
	opts := conversation.Options{
		View: view,
		Streams: stream.New(stream.Options{
			BaseURL:      cfg.StreamBaseURL,
			Path:         cfg.StreamPath,
			Token:        cfg.Token,
			MaxLineBytes: cfg.StreamMaxLineKB * 1024,
		}),
		HistoryLimit:  cfg.HistoryLimit,
		StreamTimeout: cfg.StreamTimeout(),
	}

	if cfg.PostgresConnStr != "" {
		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()
		opts.History = store.NewConversationMessageStore(pool)
	}

	var socket *handoff.Client
	if !noSocket && cfg.SocketURL != "" {
		socket = handoff.New(handoff.Options{
			URL:              cfg.SocketURL,
			ConversationID:   cfg.ConversationID,
			Token:            cfg.Token,
			Role:             cfg.ConnRole(),
			ReconnectDelay:   cfg.ReconnectDelay(),
			PingInterval:     cfg.PingInterval(),
			WriteTimeout:     cfg.WriteTimeout(),
			HandshakeTimeout: cfg.HandshakeTimeout(),
		})
		opts.Socket = socket
	}

	runner := conversation.New(opts)
	runErr := make(chan error, 1)
	util.SafeGoNamed("conversation.Run", func() { runErr <- runner.Run(ctx) })

	if opts.History != nil {
		if n, err := runner.Hydrate(ctx); err != nil {
			logger.Warn("initial hydrate failed", logger.FieldError, err)
		} else {
			logger.Info("initial hydrate done", logger.FieldCount, n)
		}
	}
	if socket != nil {
		util.SafeGoNamed("handoff.Run", func() {
			if err := socket.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("handoff client stopped", logger.FieldError, err)
			}
		})
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              cfg.InspectAddr,
		Handler:           inspect.NewServer(runner, inspect.Options{KeepAlive: cfg.InspectKeepAlive()}).Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	util.SafeGoNamed("inspect.Serve", func() {
		logger.Info("inspect server starting", logger.FieldAddr, cfg.InspectAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("inspect server failed", logger.FieldError, err)
			cancel()
		}
	})

	select {
	case <-ctx.Done():
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("conversation loop stopped", logger.FieldError, err)
		}
	}
	logger.Info("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if socket != nil {
		_ = socket.Close()
	}
	return srv.Shutdown(shutdownCtx)
}
