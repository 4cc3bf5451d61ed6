// replay.go: 从 JSONL 事件日志回放出时间线 (流事件与 websocket 事件可混排)。
package main

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/multi-agent/chat-timeline/internal/protocol"
	"github.com/multi-agent/chat-timeline/internal/uistate"
	apperrors "github.com/multi-agent/chat-timeline/pkg/errors"
	"github.com/multi-agent/chat-timeline/pkg/logger"
)

const maxReplayLine = 4 * 1024 * 1024

func newReplayCmd() *cobra.Command {
	var conversationID, role string
	var itemsOnly bool
	cmd := &cobra.Command{
		Use:   "replay <events.jsonl|->",
		Short: "Fold a JSONL event log into a timeline and print it as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, closeFn, err := openInput(cmd, args[0])
			if err != nil {
				return err
			}
			defer closeFn()

			convID := conversationID
			if convID == "" {
				convID = cfg.ConversationID
			}
			r := protocol.Role(role)
			if r == "" {
				r = cfg.ConnRole()
			}
			state, stats, err := replayEvents(in, uistate.NewState(convID, r))
			if err != nil {
				return err
			}
			logger.Info("replay finished",
				"stream_events", stats.Stream,
				"socket_events", stats.Socket,
				"dropped", stats.Dropped,
			)
			if itemsOnly {
				return writeJSON(cmd.OutOrStdout(), state.Timeline)
			}
			return writeJSON(cmd.OutOrStdout(), state)
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "only apply events of this conversation (default from config)")
	cmd.Flags().StringVar(&role, "role", "", "connection role: user|agent (default from config)")
	cmd.Flags().BoolVar(&itemsOnly, "items", false, "print only the timeline items")
	return cmd
}

type replayStats struct {
	Stream  int
	Socket  int
	Dropped int
}

// replayEvents 逐行解码并折叠。行内容带 action 字段的按 websocket 事件处理。
func replayEvents(r io.Reader, state uistate.State) (uistate.State, replayStats, error) {
	var stats replayStats
	dec := protocol.Decoder{ConversationID: state.ConversationID}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxReplayLine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var shape struct {
			Action string `json:"action"`
		}
		_ = json.Unmarshal([]byte(line), &shape)
		if shape.Action != "" {
			ev, ok := dec.Socket([]byte(line))
			if !ok {
				stats.Dropped++
				continue
			}
			state = uistate.ApplySocket(state, ev)
			stats.Socket++
			continue
		}
		ev, ok := dec.Stream([]byte(line))
		if !ok {
			stats.Dropped++
			continue
		}
		state = uistate.Reduce(state, ev)
		stats.Stream++
	}
	if err := scanner.Err(); err != nil {
		return state, stats, apperrors.Wrap(err, "replay", "read events")
	}
	return state, stats, nil
}

func openInput(cmd *cobra.Command, path string) (io.Reader, func(), error) {
	if path == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, apperrors.Wrapf(err, "replay", "open %s", path)
	}
	return f, func() { _ = f.Close() }, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
