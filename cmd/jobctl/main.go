// Command jobctl is the operator CLI for the job engine: it aborts and
// expedites jobs, queues work by hand, drains the schedule and manages API keys.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/visionjobs/internal/app"
	"github.com/kiranshivaraju/visionjobs/internal/cache"
	"github.com/kiranshivaraju/visionjobs/internal/config"
	"github.com/kiranshivaraju/visionjobs/internal/jobs"
	"github.com/kiranshivaraju/visionjobs/internal/store"
	"github.com/kiranshivaraju/visionjobs/pkg/models"
)

// jobService is the part of jobs.Service the CLI drives.
type jobService interface {
	Enqueue(ctx context.Context, req jobs.QueueRequest) (*models.Job, bool, error)
	Abort(ctx context.Context, id int64) (*models.Job, error)
	Expedite(ctx context.Context, id int64) (*models.Job, error)
	RunScheduledJobsUntilEmpty(ctx context.Context) (int, error)
	CollectResults(ctx context.Context) (*models.Job, error)
	QueuePeriodicJobs(ctx context.Context) (*models.Job, error)
	Wait()
}

type env struct {
	jobs  jobService
	keys  store.KeyStore
	cache cache.Cache
	close func()
}

type connector func(ctx context.Context) (*env, error)

func connectApp(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	a, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		return nil, err
	}
	return &env{jobs: a.Service, keys: a.Store, cache: a.Cache, close: a.Close}, nil
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, closeEnv := newRootCmd(connectApp, os.Stdout)
	err := root.ExecuteContext(ctx)
	closeEnv()
	if err != nil {
		os.Exit(1)
	}
}

// lazyEnv connects on first use so help and completion work offline.
type lazyEnv struct {
	connect connector
	e       *env
}

func (l *lazyEnv) get(ctx context.Context) (*env, error) {
	if l.e != nil {
		return l.e, nil
	}
	e, err := l.connect(ctx)
	if err != nil {
		return nil, err
	}
	l.e = e
	return e, nil
}

func (l *lazyEnv) close() {
	if l.e != nil && l.e.close != nil {
		l.e.close()
	}
}

// newRootCmd builds the command tree. The returned func releases the
// connections opened by whichever command ran.
func newRootCmd(connect connector, out io.Writer) (*cobra.Command, func()) {
	l := &lazyEnv{connect: connect}

	root := &cobra.Command{
		Use:          "jobctl",
		Short:        "Operate the vision job engine",
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.SetErr(out)

	root.AddCommand(
		newAbortCmd(l),
		newExpediteCmd(l),
		newQueueCmd(l),
		newDrainCmd(l),
		newCollectCmd(l),
		newPeriodicCmd(l),
		newKeysCmd(l),
	)
	return root, l.close
}
