package main

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/hpungsan/tidings/internal/changes"
	"github.com/hpungsan/tidings/internal/config"
	"github.com/hpungsan/tidings/internal/errors"
	"github.com/hpungsan/tidings/internal/feed"
	"github.com/hpungsan/tidings/internal/logger"
	"github.com/hpungsan/tidings/internal/ops"
	"github.com/hpungsan/tidings/internal/policy"
	"github.com/hpungsan/tidings/internal/watch"
)

// maxStdinBytes caps a snapshot piped to reconcile.
const maxStdinBytes = 10 << 20

// appEnv carries what CLI commands need. It is nil for --help/--version.
type appEnv struct {
	env     *ops.Env
	cfg     *config.Config
	log     *logger.Logger
	baseDir string

	// httpClient is used for feed downloads; nil means http.DefaultClient.
	httpClient *http.Client
}

// newCLIApp creates the CLI application with all commands.
func newCLIApp(a *appEnv) *cli.App {
	app := &cli.App{
		Name:    "tidings",
		Usage:   "Feed change reconciliation",
		Version: Version,
		Commands: []*cli.Command{
			reconcileCmd(a),
			notifiedCmd(a),
			recordsCmd(a),
			categoriesCmd(a),
			watchCmd(a),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// reconcileCmd creates the reconcile command.
func reconcileCmd(a *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "reconcile",
		Usage: "Reconcile a snapshot (piped JSON, --url, or the category's feed_url) and print the delta",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "category", Aliases: []string{"c"}, Usage: "Category name (overrides the piped snapshot's)"},
			&cli.StringFlag{Name: "url", Aliases: []string{"u"}, Usage: "Fetch the snapshot from this RSS/Atom feed"},
		},
		Action: func(c *cli.Context) error {
			snap, err := a.snapshot(c)
			if err != nil {
				return outputError(err)
			}

			output, err := ops.Reconcile(c.Context, a.env, ops.ReconcileInput{
				Category: snap.Category,
				Items:    snap.Items,
			})
			if err != nil {
				return outputError(err)
			}

			return outputJSON(output)
		},
	}
}

// snapshot resolves the reconcile input. An explicit --url wins over stdin;
// without either the category's registered feed_url is fetched.
func (a *appEnv) snapshot(c *cli.Context) (changes.Snapshot, error) {
	category := strings.TrimSpace(c.String("category"))

	if url := c.String("url"); url != "" {
		if category == "" {
			return changes.Snapshot{}, errors.NewInvalidRequest("--category is required with --url")
		}
		return a.fetch(c, category, url)
	}

	if stdinHasData() {
		data, err := readStdin(maxStdinBytes)
		if err != nil {
			return changes.Snapshot{}, errors.NewInvalidRequest(err.Error())
		}
		if data != "" {
			var snap changes.Snapshot
			if err := json.Unmarshal([]byte(data), &snap); err != nil {
				return changes.Snapshot{}, errors.NewInvalidRequest(fmt.Sprintf("invalid snapshot JSON: %v", err))
			}
			if category != "" {
				snap.Category = category
			}
			return snap, nil
		}
	}

	if category == "" {
		return changes.Snapshot{}, errors.NewInvalidRequest("pipe a snapshot via stdin or pass --category")
	}
	cat, ok := a.env.Policy.Get(category)
	if !ok {
		return changes.Snapshot{}, errors.NewUnknownCategory(category)
	}
	if cat.FeedURL == "" {
		return changes.Snapshot{}, errors.NewInvalidRequest(fmt.Sprintf("category %q has no feed_url; pass --url", category))
	}
	return a.fetch(c, category, cat.FeedURL)
}

func (a *appEnv) fetch(c *cli.Context, category, url string) (changes.Snapshot, error) {
	snap, err := a.source().Fetch(c.Context, category, url)
	if err != nil {
		return changes.Snapshot{}, errors.NewInvalidRequest(fmt.Sprintf("fetch %s: %v", url, err))
	}
	return snap, nil
}

func (a *appEnv) source() *feed.Source {
	timeout, _ := a.cfg.FetchDeadline()
	return feed.NewSource(a.httpClient, a.cfg.UserAgent, timeout)
}

// notifiedCmd creates the notified command.
func notifiedCmd(a *appEnv) *cli.Command {
	return &cli.Command{
		Name:      "notified",
		Usage:     "Mark an item as delivered downstream",
		ArgsUsage: "<id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "category", Aliases: []string{"c"}, Required: true, Usage: "Category name"},
			&cli.StringFlag{Name: "message-id", Aliases: []string{"m"}, Usage: "Downstream message reference"},
		},
		Action: func(c *cli.Context) error {
			input := ops.MarkNotifiedInput{
				Category: c.String("category"),
				ID:       c.Args().First(),
			}
			if msg := c.String("message-id"); msg != "" {
				input.MessageID = &msg
			}

			output, err := ops.MarkNotified(c.Context, a.env, input)
			if err != nil {
				return outputError(err)
			}

			return outputJSON(output)
		},
	}
}

// recordsCmd creates the records command.
func recordsCmd(a *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "records",
		Usage: "List stored records of a category, newest first",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "category", Aliases: []string{"c"}, Required: true, Usage: "Category name"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: ops.DefaultListLimit, Usage: "Max items"},
			&cli.IntFlag{Name: "offset", Aliases: []string{"o"}, Usage: "Pagination offset"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.ListRecords(c.Context, a.env, ops.ListRecordsInput{
				Category: c.String("category"),
				Limit:    c.Int("limit"),
				Offset:   c.Int("offset"),
			})
			if err != nil {
				return outputError(err)
			}

			return outputJSON(output)
		},
	}
}

// categoriesCmd creates the categories command.
func categoriesCmd(a *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "categories",
		Usage: "List categories with thresholds and record counts",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "init", Usage: "Write the default " + policy.FileName + " to the base directory"},
		},
		Action: func(c *cli.Context) error {
			if c.Bool("init") {
				path := filepath.Join(a.baseDir, policy.FileName)
				if err := policy.WriteDefaults(path); err != nil {
					if stderrors.Is(err, os.ErrExist) {
						return outputError(errors.NewInvalidRequest(fmt.Sprintf("%s already exists", path)))
					}
					return outputError(errors.NewInternal(err))
				}
				return outputJSON(map[string]any{"path": path, "categories": policy.Defaults()})
			}

			output, err := ops.ListCategories(c.Context, a.env)
			if err != nil {
				return outputError(err)
			}

			return outputJSON(output)
		},
	}
}

// watchCmd creates the watch command.
func watchCmd(a *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Poll every category with a feed_url and print deltas as JSON lines",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "category", Aliases: []string{"c"}, Usage: "Only watch these categories"},
			&cli.BoolFlag{Name: "once", Usage: "Run a single cycle and exit"},
		},
		Action: func(c *cli.Context) error {
			manager, err := a.manager(c.StringSlice("category"), os.Stdout)
			if err != nil {
				return outputError(err)
			}

			if c.Bool("once") {
				if err := manager.RunOnce(c.Context); err != nil {
					return outputError(err)
				}
				return nil
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			a.log.Info("watching categories", "count", manager.Len())
			return manager.Start(ctx)
		},
	}
}

// manager builds one watcher per selected category that has a feed_url.
func (a *appEnv) manager(only []string, out io.Writer) (*watch.Manager, error) {
	interval, err := a.cfg.PollEvery()
	if err != nil {
		return nil, errors.NewInvalidRequest(err.Error())
	}

	selected := make(map[string]bool, len(only))
	for _, name := range only {
		name = strings.TrimSpace(name)
		if _, ok := a.env.Policy.Get(name); !ok {
			return nil, errors.NewUnknownCategory(name)
		}
		selected[name] = true
	}

	source := a.source()
	consumer := watch.NewJSONLines(out)
	var watchers []*watch.Watcher
	for _, cat := range a.env.Policy.Categories() {
		if len(selected) > 0 && !selected[cat.Name] {
			continue
		}
		if cat.FeedURL == "" {
			a.log.Warn("category has no feed_url, not watching", "category", cat.Name)
			continue
		}
		watchers = append(watchers, &watch.Watcher{
			Category:   cat.Name,
			FeedURL:    cat.FeedURL,
			Fetcher:    source,
			Reconciler: a.env.Detector,
			Consumer:   consumer,
			Interval:   interval,
			Log:        a.log.WithComponent("watch").WithCategory(cat.Name),
		})
	}
	if len(watchers) == 0 {
		return nil, errors.NewInvalidRequest("no categories with a feed_url to watch")
	}
	return watch.NewManager(watchers...)
}

// Helper functions

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	if tErr, ok := errors.As(err); ok {
		msg := errors.Message(err)
		// Local terminal: show what the store reported
		if tErr.Code == errors.ErrStoreUnavailable && tErr.Err != nil {
			msg = fmt.Sprintf("%s: %v", msg, tErr.Err)
		}
		return cli.Exit(fmt.Sprintf("[%s] %s", tErr.Code, msg), 1)
	}
	return cli.Exit(err.Error(), 1)
}

// stdinHasData returns true if stdin has piped data (not a terminal).
func stdinHasData() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

// readStdin reads at most maxBytes from stdin.
func readStdin(maxBytes int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(os.Stdin, maxBytes+1))
	if err != nil {
		return "", err
	}
	if int64(len(data)) > maxBytes {
		return "", fmt.Errorf("stdin exceeds %d bytes", maxBytes)
	}
	return strings.TrimSpace(string(data)), nil
}
