// Command copilot-chat sends one prompt to the Copilot CLI and streams the reply.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/localrivet/gocopilot/client"
	"github.com/localrivet/gocopilot/config"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	model := flag.String("model", "gpt-4.1", "model to use")
	noStream := flag.Bool("no-stream", false, "print only the final message")
	timeout := flag.Duration("timeout", 5*time.Minute, "give up after this long")
	flag.Parse()

	if err := run(*configPath, *model, !*noStream, *timeout, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "copilot-chat:", err)
		os.Exit(1)
	}
}

func run(configPath, model string, streaming bool, timeout time.Duration, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := cfg.Log.Logger()

	prompt, err := readPrompt(args, os.Stdin)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := client.New(cfg.ClientOptions(logger)...)
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Stop(stopCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	session, err := c.CreateSession(ctx, model, streaming, cfg.SessionOptions()...)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	tr, err := client.Collect(ctx, session, prompt, func(ev client.Event) error {
		switch ev.Type {
		case client.EventAssistantMessageDelta:
			d, err := ev.Delta()
			if err != nil {
				return err
			}
			out.WriteString(d.DeltaContent)
			return out.Flush()
		case client.EventAssistantMessage:
			if streaming {
				out.WriteString("\n")
				return out.Flush()
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if !streaming {
		fmt.Fprintln(out, tr.Content)
	}
	printSummary(out, tr)
	return nil
}

// readPrompt joins the arguments, or reads stdin when there are none.
func readPrompt(args []string, stdin io.Reader) (string, error) {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read prompt: %w", err)
		}
		prompt = strings.TrimSpace(string(data))
	}
	if prompt == "" {
		return "", fmt.Errorf("prompt cannot be empty")
	}
	return prompt, nil
}

func printSummary(w io.Writer, tr *client.Transcript) {
	fmt.Fprintf(w, "\n[done] %d streaming chunks in %.2fs\n", tr.Deltas, tr.Elapsed.Seconds())

	u := tr.Usage
	if u.InputTokens > 0 || u.OutputTokens > 0 {
		fmt.Fprintln(w, "\nUsage:")
		fmt.Fprintf(w, "  input tokens:  %d\n", u.InputTokens)
		fmt.Fprintf(w, "  output tokens: %d\n", u.OutputTokens)
		if u.CacheReadTokens > 0 {
			fmt.Fprintf(w, "  cache read:    %d\n", u.CacheReadTokens)
		}
		if u.CacheWriteTokens > 0 {
			fmt.Fprintf(w, "  cache write:   %d\n", u.CacheWriteTokens)
		}
		if u.Cost > 0 {
			fmt.Fprintf(w, "  cost:          $%.6f\n", u.Cost)
		}
		if u.Model != "" {
			fmt.Fprintf(w, "  model:         %s\n", u.Model)
		}
	}

	if len(u.QuotaSnapshots) > 0 {
		fmt.Fprintln(w, "\nPremium request quota:")
		for _, name := range sortedKeys(u.QuotaSnapshots) {
			q := u.QuotaSnapshots[name]
			if q.IsUnlimitedEntitlement {
				fmt.Fprintf(w, "  %s: unlimited (%.0f used)\n", name, q.UsedRequests)
				continue
			}
			fmt.Fprintf(w, "  %s: %.0f/%.0f used, %.1f%% remaining\n", name, q.UsedRequests, q.EntitlementRequests, q.RemainingPercentage)
		}
	}

	if len(u.Requests) > 0 {
		fmt.Fprintln(w, "\nRequests:")
		for _, name := range sortedKeys(u.Requests) {
			r := u.Requests[name]
			fmt.Fprintf(w, "  %s: %.0f requests, cost %.2f\n", name, r.Count, r.Cost)
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
