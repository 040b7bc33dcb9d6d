package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/localjira/localjira/internal/adf"
	"github.com/localjira/localjira/internal/config"
	"github.com/localjira/localjira/internal/dispatcher"
	"github.com/localjira/localjira/internal/jiraclient"
	"github.com/localjira/localjira/internal/jiralog"
	"github.com/localjira/localjira/internal/protocol"
	"github.com/localjira/localjira/internal/render"
	"github.com/localjira/localjira/internal/store"
	synchroniser "github.com/localjira/localjira/internal/sync"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the protocol server (default action)",
	Long: `Opens the local cache, bootstraps it against the configured Jira
tenant if empty, and serves FETCH_*/SYNCHRONISE_*/EXIT_* requests read
one-per-line from stdin, replying on stdout.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := jiralog.Component("serve")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	remote := jiraclient.New(cfg.JiraBaseURL, cfg.UserEmail, cfg.APIToken, cfg.SessionCookie, cfg.MaxConcurrentReqs)

	renderer, err := render.New(st, st, adf.New())
	if err != nil {
		return fmt.Errorf("failed to construct renderer: %w", err)
	}

	out := protocol.NewWriter(os.Stdout)

	// Synchroniser needs a Notifier (the Dispatcher); the Dispatcher
	// needs the Synchroniser. Build the Dispatcher with a nil sync
	// field first, then back-fill it once the Synchroniser exists.
	d := dispatcher.New(ctx, st, renderer, nil, remote, cfg.Projects, out)
	s := synchroniser.New(st, remote, renderer, d, cfg.Projects)
	d.SetSynchroniser(s)

	empty, err := st.IsEmpty(ctx)
	if err != nil {
		return fmt.Errorf("failed to inspect store: %w", err)
	}
	if empty {
		log.Info("bootstrapping empty cache")
		if err := s.Bootstrap(ctx); err != nil {
			return fmt.Errorf("bootstrap failed: %w", err)
		}
	}

	go config.WatchAndReload(func(updated *config.Config) {
		log.Info("configuration file changed; applying sync interval and concurrency limit",
			"sync_interval", updated.SyncInterval(), "max_concurrent_requests", updated.MaxConcurrentReqs)
		s.SetInterval(updated.SyncInterval())
		remote.SetMaxConcurrent(updated.MaxConcurrentReqs)
	})

	go s.Run(ctx, cfg.SyncInterval())

	return runLineLoop(ctx, d)
}

// runLineLoop reads one request per line from stdin until EOF or the
// process context is cancelled, dispatching each to d. EOF is treated
// as an implicit EXIT_SERVER_NOW: no further requests can arrive.
func runLineLoop(ctx context.Context, d *dispatcher.Dispatcher) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			d.Dispatch("eof EXIT_SERVER_NOW")
			<-d.Done()
			return nil
		case <-d.Done():
			// Draining (EXIT_SERVER_AFTER_REQUESTS) reached zero
			// in-flight requests with no further stdin line needed
			// to notice; terminate without waiting on the next read.
			return nil
		case line, ok := <-lines:
			if !ok {
				d.Dispatch("eof EXIT_SERVER_NOW")
				<-d.Done()
				return nil
			}
			d.Dispatch(line)
		}
	}
}
