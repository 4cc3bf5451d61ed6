// history.go: Postgres 历史相关子命令: migrate / import / hydrate。
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/multi-agent/chat-timeline/internal/database"
	"github.com/multi-agent/chat-timeline/internal/store"
	"github.com/multi-agent/chat-timeline/internal/uistate"
	apperrors "github.com/multi-agent/chat-timeline/pkg/errors"
	"github.com/multi-agent/chat-timeline/pkg/logger"
)

func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	return database.NewPool(ctx, cfg)
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the conversation_messages schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pool, err := openPool(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()
			return database.Migrate(cmd.Context(), pool, database.Migrations())
		},
	}
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <messages.jsonl|->",
		Short: "Insert stored conversation messages from JSONL (one row per line)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, closeFn, err := openInput(cmd, args[0])
			if err != nil {
				return err
			}
			defer closeFn()
			rows, err := readMessages(in, cfg.ConversationID)
			if err != nil {
				return err
			}

			pool, err := openPool(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()
			ms := store.NewConversationMessageStore(pool)
			for i := range rows {
				if err := ms.Insert(cmd.Context(), &rows[i]); err != nil {
					return err
				}
			}
			logger.Info("import finished", logger.FieldCount, len(rows))
			return nil
		},
	}
}

// readMessages 解析 JSONL; 行内缺省 conversationId 时使用 defaultConversation。
func readMessages(r io.Reader, defaultConversation string) ([]store.ConversationMessage, error) {
	var rows []store.ConversationMessage
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxReplayLine)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var m store.ConversationMessage
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			return nil, apperrors.Wrapf(err, "import", "line %d", lineNo)
		}
		if m.ConversationID == "" {
			m.ConversationID = defaultConversation
		}
		rows = append(rows, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.Wrap(err, "import", "read messages")
	}
	return rows, nil
}

func newHydrateCmd() *cobra.Command {
	var conversationID string
	var limit int
	cmd := &cobra.Command{
		Use:   "hydrate",
		Short: "Load stored messages from Postgres and print the hydrated timeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			convID := conversationID
			if convID == "" {
				convID = cfg.ConversationID
			}
			if limit <= 0 {
				limit = cfg.HistoryLimit
			}
			pool, err := openPool(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			records, err := store.NewConversationMessageStore(pool).LoadHistory(cmd.Context(), convID, limit)
			if err != nil {
				return err
			}
			logger.Info("history loaded", logger.FieldConversationID, convID, logger.FieldCount, len(records))
			return writeJSON(cmd.OutOrStdout(), uistate.Hydrate(records))
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id (default from config)")
	cmd.Flags().IntVar(&limit, "limit", 0, "max messages to load (default from config)")
	return cmd
}
