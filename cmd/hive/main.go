package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/hivemind-dev/hive/internal/archive"
	"github.com/hivemind-dev/hive/internal/backlog"
	"github.com/hivemind-dev/hive/internal/bridge"
	"github.com/hivemind-dev/hive/internal/config"
	"github.com/hivemind-dev/hive/internal/escalation"
	"github.com/hivemind-dev/hive/internal/event"
	"github.com/hivemind-dev/hive/internal/logging"
	"github.com/hivemind-dev/hive/internal/roster"
	"github.com/hivemind-dev/hive/internal/router"
	"github.com/hivemind-dev/hive/internal/session"
	"github.com/hivemind-dev/hive/internal/supervisor"
	"github.com/hivemind-dev/hive/internal/watch"
)

func main() {
	app := &cli.Command{
		Name:  "hive",
		Usage: "Persistent backlog, worker supervisor, and escalation ladder for long-running sessions",
		Commands: []*cli.Command{
			initCmd(),
			sessionCmd(),
			enqueueCmd(),
			runCmd(),
			statusCmd(),
			eventsCmd(),
			bridgeCmd(),
			archiveCmd(),
			doctorCmd(),
		},
	}
	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// findProjectRoot walks up from cwd looking for .hive/config.yaml.
func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		configPath := filepath.Join(dir, config.HiveDir, "config.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no %s/config.yaml found (searched from cwd to root); run `hive init` first", config.HiveDir)
		}
		dir = parent
	}
}

func loadConfig() (*config.Config, error) {
	root, err := findProjectRoot()
	if err != nil {
		return nil, err
	}
	return config.NewConfig(root)
}

// resolveSessionID honors --session, falling back to the only session when
// exactly one exists.
func resolveSessionID(cfg *config.Config, cmd *cli.Command) (string, error) {
	if id := cmd.String("session"); id != "" {
		if err := session.ValidateID(id); err != nil {
			return "", err
		}
		return id, nil
	}
	ids, err := session.List(cfg.SessionsDir())
	if err != nil {
		return "", err
	}
	switch len(ids) {
	case 0:
		return "", errors.New("no sessions exist; run `hive session new` first")
	case 1:
		return ids[0], nil
	default:
		return "", fmt.Errorf("%d sessions exist; pick one with --session", len(ids))
	}
}

func sessionFlag() cli.Flag {
	return &cli.StringFlag{Name: "session", Usage: "Session ID to operate on"}
}

func initCmd() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Initialize a .hive/ directory with default config and roster",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dir, err := os.Getwd()
			if err != nil {
				return err
			}
			if err := config.InitHiveDir(dir); err != nil {
				return err
			}
			cfg, err := config.NewConfig(dir)
			if err != nil {
				return err
			}
			rosterPath := cfg.RosterPath()
			if _, err := os.Stat(rosterPath); errors.Is(err, os.ErrNotExist) {
				sample := []roster.Worker{
					{
						Name:     "generalist",
						Role:     "general purpose",
						Keywords: []string{"build", "test", "fix"},
						Capacity: 2,
						Command:  "sh",
						Args:     []string{"-c", "echo task $HIVE_TASK_TITLE handled by $HIVE_WORKER"},
					},
				}
				if err := roster.Save(rosterPath, sample); err != nil {
					return err
				}
			}
			fmt.Printf("initialized %s\n", filepath.Join(dir, config.HiveDir))
			return nil
		},
	}
}

func sessionCmd() *cli.Command {
	return &cli.Command{
		Name:  "session",
		Usage: "Manage sessions",
		Commands: []*cli.Command{
			{
				Name:  "new",
				Usage: "Create a session",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "title", Usage: "Human readable session title"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					sess, err := session.Create(cfg.SessionsDir(), cmd.String("title"))
					if err != nil {
						return err
					}
					fmt.Println(sess.ID)
					return nil
				},
			},
			{
				Name:  "list",
				Usage: "List sessions with their status",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					ids, err := session.List(cfg.SessionsDir())
					if err != nil {
						return err
					}
					for _, id := range ids {
						sess, err := session.Open(cfg.SessionsDir(), id)
						if err != nil {
							fmt.Printf("%s  (unreadable: %v)\n", id, err)
							continue
						}
						state, err := session.NewStore(sess).Load()
						if err != nil {
							fmt.Printf("%s  (no state: %v)\n", id, err)
							continue
						}
						title := state.Title
						if title == "" {
							title = "-"
						}
						fmt.Printf("%s  %-12s %s\n", id, state.Status, title)
					}
					return nil
				},
			},
		},
	}
}

func enqueueCmd() *cli.Command {
	return &cli.Command{
		Name:      "enqueue",
		Usage:     "Add a task to a session's backlog",
		ArgsUsage: "<title>",
		Flags: []cli.Flag{
			sessionFlag(),
			&cli.StringFlag{Name: "detail", Usage: "Longer task description"},
			&cli.StringSliceFlag{Name: "keyword", Usage: "Routing keyword (repeatable)"},
			&cli.IntFlag{Name: "priority", Usage: "Higher priorities are claimed first"},
			&cli.StringSliceFlag{Name: "depends-on", Usage: "Task ID that must complete first (repeatable)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			title := cmd.Args().First()
			if title == "" {
				return errors.New("task title is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			id, err := resolveSessionID(cfg, cmd)
			if err != nil {
				return err
			}
			sess, err := session.Open(cfg.SessionsDir(), id)
			if err != nil {
				return err
			}
			queue, err := backlog.Open(sess.BacklogPath(),
				backlog.WithLease(cfg.Project.Queue.Lease.Std()),
				backlog.WithMaxAttempts(cfg.Project.Queue.MaxAttempts))
			if err != nil {
				return err
			}
			task := backlog.NewTask(title)
			task.Detail = cmd.String("detail")
			task.Keywords = cmd.StringSlice("keyword")
			task.Priority = int(cmd.Int("priority"))
			task.DependsOn = cmd.StringSlice("depends-on")
			task.MaxAttempts = cfg.Project.Queue.MaxAttempts
			task, err = queue.Enqueue(task, time.Now().UTC())
			if err != nil {
				return err
			}
			log, err := event.Open(sess.EventsPath())
			if err != nil {
				return err
			}
			if _, err := log.Append(event.New(event.TypeTaskEnqueued, sess.ID).WithTask(task.ID)); err != nil {
				return err
			}
			fmt.Println(task.ID)
			return nil
		},
	}
}

func runCmd() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the supervisor until the session's backlog drains",
		Flags: []cli.Flag{sessionFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			id, err := resolveSessionID(cfg, cmd)
			if err != nil {
				return err
			}
			sess, err := session.Open(cfg.SessionsDir(), id)
			if err != nil {
				return err
			}

			logger, err := logging.New(cfg.ProjectDir)
			if err != nil {
				return err
			}
			defer logger.Close()

			rosterPath := cfg.RosterPath()
			if _, statErr := os.Stat(sess.RosterPath()); statErr == nil {
				rosterPath = sess.RosterPath()
			}
			workers, err := roster.Load(rosterPath)
			if err != nil {
				return err
			}
			registry, err := roster.FromWorkers(workers)
			if err != nil {
				return err
			}

			routerOpts := []router.Option{}
			if cfg.Project.DefaultWorker != "" {
				routerOpts = append(routerOpts, router.WithDefaultWorker(cfg.Project.DefaultWorker))
			}
			selector, err := router.LoadSelectorDir(cfg.SelectorsDir())
			if err != nil {
				return err
			}
			if selector != nil {
				routerOpts = append(routerOpts, router.WithSelector(selector))
			}
			rtr, err := router.New(registry, routerOpts...)
			if err != nil {
				return err
			}

			machine, err := escalation.NewMachine(escalation.Policy{
				WarnAfter:     cfg.Project.Escalation.WarnAfter.Std(),
				EscalateAfter: cfg.Project.Escalation.EscalateAfter.Std(),
				AbandonAfter:  cfg.Project.Escalation.AbandonAfter.Std(),
			})
			if err != nil {
				return err
			}

			queue, err := backlog.Open(sess.BacklogPath(),
				backlog.WithLease(cfg.Project.Queue.Lease.Std()),
				backlog.WithMaxAttempts(cfg.Project.Queue.MaxAttempts))
			if err != nil {
				return err
			}
			events, err := event.Open(sess.EventsPath(), event.WithFsync())
			if err != nil {
				return err
			}
			debugLog, err := event.Open(sess.DebugPath())
			if err != nil {
				return err
			}
			store := session.NewStore(sess)

			sup, err := supervisor.New(supervisor.Deps{
				Session:  sess,
				Store:    store,
				Queue:    queue,
				Router:   rtr,
				Registry: registry,
				Machine:  machine,
				Events:   events,
				Executor: &supervisor.ProcessExecutor{WorkDir: cfg.ProjectDir},
			},
				supervisor.WithLogger(logger),
				supervisor.WithDebugLog(debugLog),
				supervisor.WithPollInterval(cfg.Project.Queue.PollInterval.Std()),
				supervisor.WithMaxParallel(cfg.Project.Queue.MaxParallel),
			)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			group, groupCtx := errgroup.WithContext(ctx)
			settings := bridge.SettingsFromConfig(cfg)
			var srv *bridge.Server
			if settings.Enabled {
				fanout := bridge.NewRouter(bridge.RouterWithLogger(logger))
				srv = bridge.NewServer(settings,
					bridge.WithLogger(logger),
					bridge.WithRouter(fanout),
					bridge.WithProcessor(bridgeProcessor(cfg)),
					bridge.WithStateReader(stateReader(cfg)))
				if err := srv.Start(groupCtx); err != nil {
					return err
				}
				defer srv.Shutdown(context.Background())
				// Feed supervisor-appended events into the fan-out so stream
				// subscribers see them alongside HTTP-ingested ones.
				tailer := watch.NewTailer(sess.EventsPath(), watch.WithLogger(logger))
				if err := tailer.Start(groupCtx); err != nil {
					return err
				}
				defer tailer.Stop()
				go forwardEvents(groupCtx, tailer.Events(), fanout)
				fmt.Printf("bridge listening on %s\n", srv.BaseURL())
			}

			group.Go(func() error {
				return sup.Run(groupCtx)
			})
			err = group.Wait()
			if errors.Is(err, context.Canceled) {
				fmt.Println("interrupted; leases will expire and redeliver on the next run")
				return nil
			}
			if err != nil {
				return err
			}
			state, loadErr := store.Load()
			if loadErr != nil {
				return loadErr
			}
			fmt.Printf("session %s %s: %d completed, %d failed, %d dead\n",
				sess.ID, state.Status, state.Counters.Completed, state.Counters.Failed, state.Counters.Dead)
			return nil
		},
	}
}

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show a session's state snapshot",
		Flags: []cli.Flag{
			sessionFlag(),
			&cli.BoolFlag{Name: "watch", Usage: "Follow the session live"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			id, err := resolveSessionID(cfg, cmd)
			if err != nil {
				return err
			}
			sess, err := session.Open(cfg.SessionsDir(), id)
			if err != nil {
				return err
			}
			if cmd.Bool("watch") {
				return runStatusTUI(ctx, sess)
			}
			state, err := session.NewStore(sess).Load()
			if err != nil {
				return err
			}
			printStatus(state)
			return nil
		},
	}
}

func printStatus(state session.State) {
	fmt.Printf("session:  %s\n", state.SessionID)
	if state.Title != "" {
		fmt.Printf("title:    %s\n", state.Title)
	}
	fmt.Printf("status:   %s\n", state.Status)
	fmt.Printf("tasks:    %d enqueued, %d completed, %d failed, %d dead\n",
		state.Counters.Enqueued, state.Counters.Completed, state.Counters.Failed, state.Counters.Dead)
	if len(state.Assignments) > 0 {
		fmt.Println("in flight:")
		for _, a := range state.Assignments {
			fmt.Printf("  %s -> %s (claimed %s)\n", a.TaskID, a.Worker, a.ClaimedAt.Format(time.RFC3339))
		}
	}
	esc := state.Escalations
	if esc.Warnings+esc.Escalated+esc.Abandoned > 0 {
		fmt.Printf("escalations: %d warnings, %d escalated, %d abandoned\n",
			esc.Warnings, esc.Escalated, esc.Abandoned)
	}
	if !state.UpdatedAt.IsZero() {
		fmt.Printf("updated:  %s\n", state.UpdatedAt.Format(time.RFC3339))
	}
}

func eventsCmd() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "Inspect a session's event journal",
		Commands: []*cli.Command{
			{
				Name:  "tail",
				Usage: "Print the most recent events",
				Flags: []cli.Flag{
					sessionFlag(),
					&cli.IntFlag{Name: "n", Value: 20, Usage: "Number of events to show"},
					&cli.BoolFlag{Name: "follow", Usage: "Keep following new events"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					id, err := resolveSessionID(cfg, cmd)
					if err != nil {
						return err
					}
					sess, err := session.Open(cfg.SessionsDir(), id)
					if err != nil {
						return err
					}
					log, err := event.Open(sess.EventsPath())
					if err != nil {
						return err
					}
					recent, err := log.Tail(int(cmd.Int("n")))
					if err != nil {
						return err
					}
					for _, e := range recent {
						printEvent(e)
					}
					if !cmd.Bool("follow") {
						return nil
					}
					ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
					defer stop()
					tailer := watch.NewTailer(sess.EventsPath())
					if err := tailer.Start(ctx); err != nil {
						return err
					}
					defer tailer.Stop()
					for {
						select {
						case <-ctx.Done():
							return nil
						case e, ok := <-tailer.Events():
							if !ok {
								return nil
							}
							printEvent(e)
						}
					}
				},
			},
		},
	}
}

func printEvent(e event.Event) {
	line := fmt.Sprintf("%s  #%-4d %-20s", e.Timestamp.Format("15:04:05"), e.Sequence, e.Type)
	if e.TaskID != "" {
		line += " " + e.TaskID
	}
	if e.Worker != "" {
		line += " @" + e.Worker
	}
	fmt.Println(line)
}

func bridgeCmd() *cli.Command {
	return &cli.Command{
		Name:  "bridge",
		Usage: "Run the HTTP event bridge standalone",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.ProjectDir)
			if err != nil {
				return err
			}
			defer logger.Close()

			settings := bridge.SettingsFromConfig(cfg)
			settings.Enabled = true
			fanout := bridge.NewRouter(bridge.RouterWithLogger(logger))
			srv := bridge.NewServer(settings,
				bridge.WithLogger(logger),
				bridge.WithRouter(fanout),
				bridge.WithProcessor(bridgeProcessor(cfg)),
				bridge.WithStateReader(stateReader(cfg)))

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := srv.Start(ctx); err != nil {
				return err
			}
			fmt.Printf("bridge listening on %s\n", srv.BaseURL())

			// Tail every session journal into the fan-out so stream
			// subscribers also see events appended by local supervisors.
			ids, err := session.List(cfg.SessionsDir())
			if err != nil {
				return err
			}
			for _, id := range ids {
				sess, err := session.Open(cfg.SessionsDir(), id)
				if err != nil {
					logger.Printf("bridge: skip session %s: %v", id, err)
					continue
				}
				tailer := watch.NewTailer(sess.EventsPath(), watch.WithLogger(logger))
				if err := tailer.Start(ctx); err != nil {
					return err
				}
				defer tailer.Stop()
				go forwardEvents(ctx, tailer.Events(), fanout)
			}

			<-ctx.Done()
			return srv.Shutdown(context.Background())
		},
	}
}

// forwardEvents pumps journal-tailed events into the bridge fan-out. The
// router's event_id dedupe absorbs overlap with events that already
// arrived over HTTP.
func forwardEvents(ctx context.Context, events <-chan event.Event, fanout *bridge.Router) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			fanout.Route(e)
		}
	}
}

// bridgeProcessor appends accepted events to the owning session's journal.
func bridgeProcessor(cfg *config.Config) bridge.EventProcessor {
	return bridge.EventProcessorFunc(func(e event.Event) error {
		sess, err := session.Open(cfg.SessionsDir(), e.SessionID)
		if err != nil {
			return err
		}
		log, err := event.Open(sess.EventsPath(), event.WithFsync())
		if err != nil {
			return err
		}
		_, err = log.Append(e)
		return err
	})
}

func stateReader(cfg *config.Config) bridge.StateReader {
	return func(sessionID string) (session.State, error) {
		sess, err := session.Open(cfg.SessionsDir(), sessionID)
		if err != nil {
			return session.State{}, session.ErrStateNotFound
		}
		return session.NewStore(sess).Load()
	}
}

func archiveCmd() *cli.Command {
	return &cli.Command{
		Name:  "archive",
		Usage: "Copy a session into the SQLite archive",
		Flags: []cli.Flag{
			sessionFlag(),
			&cli.StringFlag{Name: "db", Usage: "Archive database path (default .hive/archive.db)"},
			&cli.BoolFlag{Name: "list", Usage: "List archived sessions instead of archiving"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dbPath := cmd.String("db")
			if dbPath == "" {
				dbPath = filepath.Join(cfg.HiveProjectDir, "archive.db")
			}
			db, err := archive.Open(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			if cmd.Bool("list") {
				rows, err := db.Sessions()
				if err != nil {
					return err
				}
				for _, row := range rows {
					title := row.Title
					if title == "" {
						title = "-"
					}
					fmt.Printf("%s  %-12s %-20s %s\n",
						row.ID, row.Status, row.ArchivedAt.Format(time.RFC3339), title)
				}
				return nil
			}

			id, err := resolveSessionID(cfg, cmd)
			if err != nil {
				return err
			}
			sess, err := session.Open(cfg.SessionsDir(), id)
			if err != nil {
				return err
			}
			state, err := session.NewStore(sess).Load()
			if err != nil {
				return err
			}
			queue, err := backlog.Open(sess.BacklogPath())
			if err != nil {
				return err
			}
			records := collectTaskRecords(queue)
			log, err := event.Open(sess.EventsPath())
			if err != nil {
				return err
			}
			var events []event.Event
			if err := log.Replay(func(e event.Event) error {
				events = append(events, e)
				return nil
			}); err != nil {
				return err
			}
			if err := db.SaveSession(state, records, events); err != nil {
				return err
			}
			fmt.Printf("archived %s (%d tasks, %d events) to %s\n", sess.ID, len(records), len(events), dbPath)
			return nil
		},
	}
}

func collectTaskRecords(queue *backlog.Queue) []archive.TaskRecord {
	leased := map[string]string{}
	for _, lease := range queue.Leases() {
		leased[lease.Task.ID] = lease.Worker
	}
	byID := map[string]archive.TaskRecord{}
	add := func(task backlog.Task) {
		_, state, ok := queue.Task(task.ID)
		if !ok {
			return
		}
		byID[task.ID] = archive.TaskRecord{
			ID:       task.ID,
			Title:    task.Title,
			State:    string(state),
			Worker:   leased[task.ID],
			Attempts: task.Attempts,
		}
	}
	for _, task := range queue.Pending() {
		add(task)
	}
	for _, lease := range queue.Leases() {
		add(lease.Task)
	}
	for _, task := range queue.Dead() {
		add(task)
	}
	records := make([]archive.TaskRecord, 0, len(byID))
	for _, record := range byID {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records
}

func doctorCmd() *cli.Command {
	return &cli.Command{
		Name:  "doctor",
		Usage: "Check the project's hive setup for problems",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			problems := 0
			report := func(ok bool, format string, args ...any) {
				mark := "ok  "
				if !ok {
					mark = "FAIL"
					problems++
				}
				fmt.Printf("[%s] %s\n", mark, fmt.Sprintf(format, args...))
			}

			cfg, err := loadConfig()
			if err != nil {
				report(false, "config: %v", err)
				return fmt.Errorf("%d problem(s) found", 1)
			}
			report(true, "config: %s", filepath.Join(cfg.HiveProjectDir, "config.yaml"))

			workers, err := roster.Load(cfg.RosterPath())
			if err != nil {
				report(false, "roster: %v", err)
			} else {
				report(len(workers) > 0, "roster: %d worker(s) at %s", len(workers), cfg.RosterPath())
				if cfg.Project.DefaultWorker != "" {
					found := false
					for _, w := range workers {
						if w.Name == cfg.Project.DefaultWorker {
							found = true
							break
						}
					}
					report(found, "default worker %q on roster", cfg.Project.DefaultWorker)
				}
			}

			if _, err := router.LoadSelectorDir(cfg.SelectorsDir()); err != nil {
				report(false, "selectors: %v", err)
			} else {
				report(true, "selectors: %s", cfg.SelectorsDir())
			}

			ids, err := session.List(cfg.SessionsDir())
			if err != nil {
				report(false, "sessions: %v", err)
			} else {
				report(true, "sessions: %d found", len(ids))
				for _, id := range ids {
					sess, err := session.Open(cfg.SessionsDir(), id)
					if err != nil {
						report(false, "session %s: %v", id, err)
						continue
					}
					if _, err := session.NewStore(sess).Load(); err != nil {
						report(false, "session %s state: %v", id, err)
						continue
					}
					if _, err := backlog.Open(sess.BacklogPath()); err != nil {
						report(false, "session %s backlog: %v", id, err)
						continue
					}
					report(true, "session %s", id)
				}
			}

			if problems > 0 {
				return fmt.Errorf("%d problem(s) found", problems)
			}
			fmt.Println("all checks passed")
			return nil
		},
	}
}
