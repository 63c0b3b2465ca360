package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ehrlich-b/mirage/internal/logger"
	"github.com/ehrlich-b/mirage/internal/ws"
)

func httpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "http <port|url>",
		Short: "Expose a local HTTP service through the relay",
		Long: "Connects to the relay, prints the public URL, and forwards every visitor\n" +
			"request to the local service. Visitor feedback is printed as it arrives;\n" +
			"lines typed on stdin are sent back to the visitor's browser.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			relayURL, _ := cmd.Flags().GetString("relay")
			level, _ := cmd.Flags().GetString("log-level")
			logger.Log = logger.New(os.Stderr, logger.ParseLevel(level))

			target, err := parseTarget(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			client := ws.NewClient(relayURL, target)
			client.OnURL = func(u string) {
				fmt.Fprintf(out, "Forwarding %s -> %s\n", u, target)
			}
			client.OnFeedback = func(fb ws.FeedbackData) {
				printFeedback(out, fb)
			}
			client.OnStateChange = func(state string, err error) {
				if state == "disconnected" && err != nil && ctx.Err() == nil {
					fmt.Fprintf(out, "relay connection lost: %v\n", err)
				}
			}

			go readReplies(ctx, client, cmd.InOrStdin(), out)

			err = client.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	return cmd
}

// parseTarget accepts a bare port ("3000") or a full URL.
func parseTarget(arg string) (*url.URL, error) {
	if port, err := strconv.Atoi(arg); err == nil {
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("port %d out of range", port)
		}
		return &url.URL{Scheme: "http", Host: "localhost:" + arg}, nil
	}
	u, err := url.Parse(arg)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("target must be a port or an http(s) URL, got %q", arg)
	}
	return u, nil
}

func printFeedback(w io.Writer, fb ws.FeedbackData) {
	fmt.Fprintf(w, "\n[%s] feedback on %s\n", time.Now().Format("15:04:05"), fb.Path)
	if fb.Selector != "" {
		fmt.Fprintf(w, "  element: %s\n", fb.Selector)
	}
	fmt.Fprintf(w, "  %s\n", fb.Comment)
}

// readReplies sends every non-empty stdin line to the visitor as a developer
// reply. The prompt is only drawn when stdin is a terminal.
func readReplies(ctx context.Context, client *ws.Client, in io.Reader, out io.Writer) {
	interactive := false
	if f, ok := in.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}
	prompt := func() {
		if interactive {
			fmt.Fprint(out, "reply> ")
		}
	}

	scanner := bufio.NewScanner(in)
	prompt()
	for scanner.Scan() {
		msg := strings.TrimSpace(scanner.Text())
		if msg != "" {
			if err := client.SendReply(ctx, msg); err != nil {
				fmt.Fprintf(out, "reply not sent: %v\n", err)
			}
		}
		if ctx.Err() != nil {
			return
		}
		prompt()
	}
}
