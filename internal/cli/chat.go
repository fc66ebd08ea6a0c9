package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/harun/flipmentor/internal/config"
	"github.com/harun/flipmentor/internal/daemon"
	"github.com/harun/flipmentor/internal/logger"
	"github.com/harun/flipmentor/pkg/assistant"
	"github.com/harun/flipmentor/pkg/runledger"
	"github.com/spf13/cobra"
)

var sessionKey string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the course assistant",
	Long: `Start an interactive conversation with the course assistant.
Type /reset to start a new conversation and /quit to leave.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the course assistant a single question",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	chatCmd.Flags().StringVar(&sessionKey, "session", "", "name recorded for this conversation in the run ledger")
	askCmd.Flags().StringVar(&sessionKey, "session", "", "name recorded for this conversation in the run ledger")
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(askCmd)
}

// session bundles a client with the resources it needs.
type session struct {
	client *assistant.Client
	ledger *runledger.Ledger
	log    *logger.Logger
}

func (s *session) Close() {
	_ = s.client.Close()
	if s.ledger != nil {
		_ = s.ledger.Close()
	}
	_ = s.log.Close()
}

func openSession(cmd *cobra.Command) (*config.Config, *session, error) {
	cfg, err := loadValidConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	s := &session{log: log}

	api, err := newRemote(cfg, log.Component("remote"))
	if err != nil {
		_ = log.Close()
		return nil, nil, err
	}

	clientCfg := daemon.ClientConfig(cfg, api, log.Component("assistant"))
	clientCfg.Key = sessionKey
	if cfg.Ledger.Enabled {
		ledger, err := runledger.Open(runledger.Config{Path: cfg.Ledger.Path, Logger: log.Component("ledger")})
		if err != nil {
			log.Warn().Err(err).Msg("Run ledger unavailable")
		} else {
			s.ledger = ledger
			clientCfg.Observer = ledger
		}
	}

	client, err := assistant.NewClient(clientCfg)
	if err != nil {
		if s.ledger != nil {
			_ = s.ledger.Close()
		}
		_ = log.Close()
		return nil, nil, err
	}
	s.client = client
	return cfg, s, nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	_, s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	reply, err := s.client.Send(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), reply)
	return nil
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	return chatLoop(cmd.Context(), cfg, s.client, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
}

// chatLoop reads one turn per line until EOF or /quit.
func chatLoop(ctx context.Context, cfg *config.Config, client *assistant.Client, in io.Reader, out, errOut io.Writer) error {
	name := cfg.Course.AssistantName
	if name == "" {
		name = "assistant"
	}

	printBanner(out, cfg)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	welcomed := false

	for {
		fmt.Fprint(out, "you> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/reset":
			client.Reset()
			welcomed = false
			fmt.Fprintln(out, "Started a new conversation.")
			continue
		}

		reply, err := sendTurn(ctx, client, line)
		if err != nil {
			fmt.Fprintf(errOut, "error: %v\n", err)
			continue
		}

		if !welcomed {
			if welcome, ok := client.Welcome(); ok {
				fmt.Fprintf(out, "%s> %s\n", name, welcome)
			}
			welcomed = true
		}
		fmt.Fprintf(out, "%s> %s\n", name, reply)
	}
}

// sendTurn lets Ctrl-C abort one turn without leaving the chat.
func sendTurn(ctx context.Context, client *assistant.Client, content string) (string, error) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	return client.Send(ctx, content)
}

func printBanner(out io.Writer, cfg *config.Config) {
	title := cfg.Course.AssistantName
	if title == "" {
		title = "Flipmentor"
	}
	if cfg.Course.Name != "" {
		title = fmt.Sprintf("%s (%s)", title, cfg.Course.Name)
	}
	fmt.Fprintln(out, title)
	fmt.Fprintln(out, "Type /reset to start over, /quit to leave.")
	fmt.Fprintln(out)
}
