// cmd/timelinectl: 会话时间线工具: 回放事件、hydrate 历史、启动会话服务。
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/multi-agent/chat-timeline/internal/config"
	"github.com/multi-agent/chat-timeline/pkg/logger"
	"github.com/multi-agent/chat-timeline/pkg/util"
)

var (
	configPath string
	cfg        *config.Config
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "timelinectl",
		Short:         "Conversation timeline engine tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.LoadFile(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			// stdout 留给命令输出
			logger.InitWriter(cmd.ErrOrStderr(), cfg.LogEnv)
			logger.SetLevel(cfg.LogLevel)
			if cfg.LogDir != "" {
				if err := logger.InitWithFile(cfg.LogDir); err != nil {
					return err
				}
			}
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			logger.ShutdownFileHandler()
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", util.EnvStr("TIMELINE_CONFIG", ""), "TOML config file (env vars override it)")

	root.AddCommand(
		newReplayCmd(),
		newHydrateCmd(),
		newImportCmd(),
		newMigrateCmd(),
		newServeCmd(),
	)
	return root
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logger.Error("timelinectl failed", logger.FieldError, err)
		cancel()
		os.Exit(1)
	}
}
