// cmd/jobwatch submits recordings for transcription and tracks the resulting jobs.
//
// Usage:
//
//	jobwatch login
//	jobwatch files -type audio
//	jobwatch submit -file FILE_ID -attach PDF_ID,PDF_ID
//	jobwatch status
//	jobwatch watch -metrics-addr :9090
//	jobwatch cancel JOB_ID
//	jobwatch jobs -filter active
//	jobwatch events
//	jobwatch logout
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
)

const usage = `usage: jobwatch <command> [flags]

commands:
  login     show the signed-in user or the login URL
  files     list drive recordings and PDF attachments
  submit    submit a recording and watch the job
  status    show tracked jobs
  watch     poll active jobs until they finish
  cancel    cancel a job
  jobs      list jobs known to the backend
  events    print job events published on NATS
  logout    end the session and forget local jobs
`

func main() {
	_ = godotenv.Load()

	cfg, err := LoadConfig()
	if err != nil {
		fatal(slog.New(slog.NewTextHandler(os.Stderr, nil)), "load config", err)
	}
	logger := newLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	name, args := os.Args[1], os.Args[2:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, name, args, cfg, logger, os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		stop()
		fatal(logger, name+" failed", err)
	}
}

var errUsage = errors.New("usage")

func run(ctx context.Context, name string, args []string, cfg config, logger *slog.Logger, out io.Writer) error {
	cmd, ok := commands[name]
	if !ok {
		return errUsage
	}

	a, err := newApp(ctx, cfg, logger, out)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Debug("running command", "command", name, "api_url", cfg.APIURL, "store", cfg.StoreBackend)
	return cmd(ctx, a, args)
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
