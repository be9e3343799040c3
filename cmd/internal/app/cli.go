package app

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chatsync/cmd/internal/holder"
	"chatsync/cmd/internal/loop"
	"chatsync/cmd/internal/message"
	"chatsync/cmd/internal/session"
	"chatsync/cmd/internal/wire"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X chatsync/cmd/internal/app.Version=...".
var Version = "dev"

type rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

// NewRootCommand builds the chatsync CLI.
func NewRootCommand() *cobra.Command {
	var flags rootFlags

	root := &cobra.Command{
		Use:           "chatsync",
		Short:         "Visitor-side client for a chat server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "YAML config file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "json or pretty")

	root.AddCommand(newWatchCommand(&flags), newHistoryCommand(&flags), newVersionCommand())
	return root
}

func (f *rootFlags) load(cmd *cobra.Command) (Config, Logger, error) {
	cfg, err := LoadConfig(f.configPath)
	if err != nil {
		return Config{}, nil, err
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.logFormat != "" {
		cfg.LogFormat = f.logFormat
	}
	return cfg, NewLogger(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr()), nil
}

func newWatchCommand(flags *rootFlags) *cobra.Command {
	var (
		last int
		send string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run a session and print chat events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := flags.load(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			a, err := New(cmd.Context(), cfg, log, func(c *session.Config) {
				c.OnSessionParams = func(p loop.SessionParams) {
					fmt.Fprintf(out, "session  visit=%s\n", p.SessionID)
				}
			})
			if err != nil {
				return err
			}
			sess := a.Session()
			watchStream(out, sess.Stream())

			tr, err := sess.NewTracker(printingListener(out))
			if err != nil {
				return err
			}
			if err := tr.GetLastMessages(last, func(msgs []*message.Message, err error) {
				if err != nil {
					log.Warn("watch.last_messages", "err", err)
					return
				}
				now := time.Now()
				for _, m := range msgs {
					fmt.Fprintln(out, formatMessage(m, now))
				}
			}); err != nil {
				return err
			}

			if send != "" {
				if _, err := sess.Send(send); err != nil {
					return err
				}
			}
			return a.Run(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&last, "last", 20, "messages to print on start")
	cmd.Flags().StringVar(&send, "send", "", "send this message once connected")
	return cmd
}

func newHistoryCommand(flags *rootFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the locally stored history",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := flags.load(cmd)
			if err != nil {
				return err
			}
			st, err := openStores(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()

			msgs, err := st.storage.GetLatestHistory(cmd.Context(), limit)
			if err != nil {
				return err
			}
			now := time.Now()
			out := cmd.OutOrStdout()
			for _, m := range msgs {
				fmt.Fprintln(out, formatMessage(m, now))
			}
			rev, err := st.meta.Revision(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%d messages, revision %q\n", len(msgs), rev)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "newest messages to print")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chatsync %s\n", Version)
		},
	}
}

// Run is the CLI entrypoint used by cmd/chatsync.
func Run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return NewRootCommand().ExecuteContext(ctx)
}

func printingListener(out io.Writer) holder.Listener {
	return holder.ListenerFuncs{
		OnAdded: func(m, _ *message.Message) {
			fmt.Fprintln(out, "+ "+formatMessage(m, time.Now()))
		},
		OnRemoved: func(m *message.Message) {
			fmt.Fprintf(out, "- %s\n", m.ID)
		},
		OnRemovedAll: func() {
			fmt.Fprintln(out, "- all")
		},
		OnChanged: func(_, to *message.Message) {
			fmt.Fprintln(out, "~ "+formatMessage(to, time.Now()))
		},
	}
}

func watchStream(out io.Writer, st *session.Stream) {
	st.SetChatStateListener(func(prev, cur string) {
		fmt.Fprintf(out, "chat     %s -> %s\n", prev, cur)
	})
	st.SetOperatorListener(func(_, cur *wire.OperatorItem) {
		if cur == nil {
			fmt.Fprintln(out, "operator none")
			return
		}
		fmt.Fprintf(out, "operator %s\n", cur.FullName)
	})
	st.SetOperatorTypingListener(func(typing bool) {
		if typing {
			fmt.Fprintln(out, "operator is typing")
		}
	})
	st.SetUnreadByVisitorListener(func(count int) {
		fmt.Fprintf(out, "unread   %d\n", count)
	})
	st.SetOnlineStatusListener(func(status string) {
		fmt.Fprintf(out, "online   %s\n", status)
	})
	st.SetHelloMessageListener(func(descr string) {
		fmt.Fprintf(out, "hello    %s\n", descr)
	})
}

// formatMessage renders one timeline line with a relative timestamp.
func formatMessage(m *message.Message, now time.Time) string {
	ts := humanize.RelTime(time.UnixMicro(m.TimeMicros), now, "ago", "from now")

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", ts, m.Type)
	if m.SenderName != "" {
		fmt.Fprintf(&b, " %s", m.SenderName)
	}
	b.WriteString(": ")
	b.WriteString(m.Text)
	if a := m.Attachment; a != nil && a.Size > 0 {
		fmt.Fprintf(&b, " (%s)", humanize.Bytes(uint64(a.Size)))
	}
	switch m.SendStatus {
	case message.SendStatusSending:
		b.WriteString(" …")
	case message.SendStatusFailed:
		b.WriteString(" (failed)")
	}
	return b.String()
}
