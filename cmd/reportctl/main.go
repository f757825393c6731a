// Command reportctl launches, follows and cancels netwatch reports from a
// terminal.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kiranshivaraju/netwatch/internal/config"
	"github.com/kiranshivaraju/netwatch/internal/tracker"
	"github.com/kiranshivaraju/netwatch/pkg/models"
)

// Exit codes.
const (
	exitOK           = 0
	exitFailed       = 1
	exitUsage        = 2
	exitStillRunning = 3
	exitInterrupted  = 130
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return exitUsage
	}

	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return exitUsage
	}
	client := tracker.NewHTTPClient(*cfg)

	switch args[0] {
	case "launch":
		return launchCmd(ctx, client, cfg.Tracker, args[1:], stdout, stderr)
	case "watch":
		return watchCmd(ctx, client, cfg.Tracker, args[1:], stdout, stderr)
	case "cancel":
		return cancelCmd(ctx, client, args[1:], stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		printUsage(stderr)
		return exitUsage
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `reportctl - netwatch report jobs

Usage:
  reportctl <command> [flags]

Commands:
  launch -config job.json [-watch]   Start a report job
  watch <jobID>                      Follow a job until it finishes
  cancel <jobID>                     Cancel a job

Environment:
  NETWATCH_SERVER_URL   API base URL (default http://localhost:8080)
  NETWATCH_API_KEY      Bearer key when the server requires one`)
}

func launchCmd(ctx context.Context, client *tracker.HTTPClient, trCfg config.TrackerConfig, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("launch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to a JSON job config")
	watch := fs.Bool("watch", false, "Follow the job until it finishes")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if *configPath == "" {
		fmt.Fprintln(stderr, "launch: -config is required")
		return exitUsage
	}

	job, err := readJobConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "launch: %v\n", err)
		return exitUsage
	}

	res, err := client.Launch(ctx, job)
	if err != nil {
		fmt.Fprintf(stderr, "launch: %v\n", err)
		return exitFailed
	}
	fmt.Fprintf(stdout, "Launched %s (estimated %ds)\n", res.JobID, res.EstimatedTime)

	if !*watch {
		return exitOK
	}
	return follow(ctx, client, trCfg, res.JobID, stdout, stderr)
}

func watchCmd(ctx context.Context, client *tracker.HTTPClient, trCfg config.TrackerConfig, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: reportctl watch <jobID>")
		return exitUsage
	}
	return follow(ctx, client, trCfg, fs.Arg(0), stdout, stderr)
}

func cancelCmd(ctx context.Context, client *tracker.HTTPClient, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: reportctl cancel <jobID>")
		return exitUsage
	}

	rec, err := client.Cancel(ctx, fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "cancel: %v\n", err)
		return exitFailed
	}
	fmt.Fprintf(stdout, "%s is %s (%d%%)\n", rec.ID, rec.Status, rec.Progress)
	return exitOK
}

// follow tracks jobID over both channels and prints every progress change.
func follow(ctx context.Context, client *tracker.HTTPClient, trCfg config.TrackerConfig, jobID string, stdout, stderr io.Writer) int {
	tr, err := tracker.New(client, client, trCfg)
	if err != nil {
		fmt.Fprintf(stderr, "watch: %v\n", err)
		return exitUsage
	}
	defer tr.Close()

	done := make(chan int, 1)
	tr.Start(jobID, tracker.Callbacks{
		OnStatusChange: func(u tracker.Update) {
			marker := ""
			if u.Synthetic {
				marker = "~"
			}
			fmt.Fprintf(stdout, "[%s%3d%%] %s\n", marker, u.Progress, u.Message)
		},
		OnComplete: func(rec *models.JobRecord) {
			fmt.Fprintf(stdout, "%s completed\n", rec.ID)
			if len(rec.Metadata) > 0 {
				out, _ := json.MarshalIndent(rec.Metadata, "", "  ")
				fmt.Fprintln(stdout, string(out))
			}
			done <- exitOK
		},
		OnError: func(err error) {
			fmt.Fprintf(stderr, "%v\n", err)
			if errors.Is(err, tracker.ErrStillProcessing) {
				done <- exitStillRunning
				return
			}
			done <- exitFailed
		},
	})

	select {
	case code := <-done:
		return code
	case <-ctx.Done():
		tr.Stop(jobID)
		fmt.Fprintln(stderr, "interrupted; the report keeps running on the server")
		return exitInterrupted
	}
}

func readJobConfig(path string) (models.JobConfig, error) {
	var job models.JobConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return job, fmt.Errorf("read job config: %w", err)
	}
	if err := json.Unmarshal(data, &job); err != nil {
		return job, fmt.Errorf("parse job config: %w", err)
	}
	return job, nil
}
