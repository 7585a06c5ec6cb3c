package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskboard/internal/app"
	"taskboard/internal/broadcast"
	"taskboard/internal/config"
	"taskboard/internal/db"
	"taskboard/internal/engine"
	"taskboard/internal/repo"
	"taskboard/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tb",
	Short: "Taskboard CLI",
	Long: `Taskboard coordinates concurrent agents over a shared Project -> Epic -> Task board.
Tasks carry an advisory lock with a timeout; claiming a task is an atomic
conditional write, so two agents can never hold the same task at once. Status
moves through an explicit state machine (TODO -> IN_PROGRESS -> REVIEW -> DONE,
with BLOCKED as a parking state) and lock side-effects ride along: starting a
task claims it, finishing releases it. Every committed change lands in the
audit trail ('tb events') and on the live websocket feed ('tb watch').`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKBOARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("agent", "", "agent identity (defaults to the workspace identity)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("agent", rootCmd.PersistentFlags().Lookup("agent"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(epicCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, args[0], description)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "project description")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projects, err := e.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(projects)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Description", "Created"})
				for _, p := range projects {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Description, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetProject(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func epicCmd() *cobra.Command {
	epic := &cobra.Command{Use: "epic", Short: "Manage epics"}
	epic.AddCommand(epicCreateCmd())
	epic.AddCommand(epicListCmd())
	return epic
}

func epicCreateCmd() *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "create <project-id> <name>",
		Short: "Create epic",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ep, err := e.CreateEpic(ctx, projectID, args[1], description)
				if err != nil {
					return err
				}
				return printJSONOrTable(ep)
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "epic description")
	return cmd
}

func epicListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <project-id>",
		Short: "List epics in a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				epics, err := e.ListEpics(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(epics)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Description"})
				for _, ep := range epics {
					tw.AppendRow(table.Row{ep.ID, ep.Name, ep.Status, ep.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskClaimCmd())
	task.AddCommand(taskReleaseCmd())
	task.AddCommand(taskStatusCmd())
	task.AddCommand(taskLogCmd())
	task.AddCommand(taskLogsCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var description, status, tagsJSON, metadataJSON string
	var complexity int
	cmd := &cobra.Command{
		Use:   "create <epic-id> <name>",
		Short: "Create task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			epicID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.TaskCreateOptions{
					EpicID:      epicID,
					Name:        args[1],
					Description: description,
					Status:      status,
				}
				if tagsJSON != "" {
					tags, err := repo.ParseAssumptionTags(tagsJSON)
					if err != nil {
						return err
					}
					opts.AssumptionTags = tags
				}
				if metadataJSON != "" {
					meta, err := repo.ParseMetadata(metadataJSON)
					if err != nil {
						return err
					}
					opts.Metadata = meta
				}
				if cmd.Flags().Changed("complexity") {
					opts.Complexity = &complexity
				}
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "task description")
	cmd.Flags().StringVar(&status, "status", "", "initial status (TODO, IN_PROGRESS, REVIEW, DONE, BLOCKED)")
	cmd.Flags().StringVar(&tagsJSON, "tags", "", `assumption tags as a JSON array, e.g. '["db","auth"]'`)
	cmd.Flags().StringVar(&metadataJSON, "metadata", "", "metadata as a JSON object")
	cmd.Flags().IntVar(&complexity, "complexity", 0, "complexity score")
	return cmd
}

func taskListCmd() *cobra.Command {
	var status string
	var epicID, projectID int64
	var available bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.TaskListOptions{Status: status, Limit: limit}
				if epicID > 0 {
					opts.EpicID = &epicID
				}
				if projectID > 0 {
					opts.ProjectID = &projectID
				}
				tasks, err := e.ListTasks(ctx, opts)
				if available {
					tasks, err = e.ListAvailable(ctx, opts.EpicID, limit)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				now := time.Now().UTC().Format(time.RFC3339)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Epic", "Name", "Status", "Lock", "Expires"})
				for _, t := range tasks {
					holder, expires := "", ""
					if t.Locked(now) {
						holder = *t.LockHolder
						expires = *t.LockExpiresAt
					}
					tw.AppendRow(table.Row{t.ID, t.EpicID, t.Name, engine.StatusAlias(t.Status), holder, expires})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (alias or canonical)")
	cmd.Flags().Int64Var(&epicID, "epic", 0, "epic id filter")
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id filter")
	cmd.Flags().BoolVar(&available, "available", false, "only claimable pending tasks")
	cmd.Flags().IntVar(&limit, "limit", 0, "max results")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskClaimCmd() *cobra.Command {
	var timeoutSeconds int
	cmd := &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim a task lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			agent, err := agentID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AcquireLock(ctx, id, agent, time.Duration(timeoutSeconds)*time.Second)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().IntVar(&timeoutSeconds, "timeout-seconds", 0, "lock timeout (0 = configured default)")
	return cmd
}

func taskReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <id>",
		Short: "Release a task lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			agent, err := agentID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, released, err := e.ReleaseLock(ctx, id, agent)
				if err != nil {
					return err
				}
				if !released && !viper.GetBool("json") {
					fmt.Println("task was not locked")
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Update task status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			agent, err := agentID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				change, err := e.UpdateStatus(ctx, id, args[1], agent)
				if err != nil {
					return err
				}
				if !viper.GetBool("json") {
					if change.NoOp {
						fmt.Printf("task %d already %s\n", id, engine.StatusAlias(change.To))
					} else {
						fmt.Printf("task %d: %s -> %s (lock released: %v)\n",
							id, engine.StatusAlias(change.From), engine.StatusAlias(change.To), change.LockReleased)
					}
					return nil
				}
				return printJSON(change)
			})
		},
	}
}

func taskLogCmd() *cobra.Command {
	var author string
	cmd := &cobra.Command{
		Use:   "log <id> <body>",
		Short: "Append a task log entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if author == "" {
				author, err = agentID()
				if err != nil {
					return err
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entry, err := e.AppendLog(ctx, id, author, args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	cmd.Flags().StringVar(&author, "author", "", "log author (defaults to agent identity)")
	return cmd
}

func taskLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <id>",
		Short: "List task log entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				logs, err := e.ListLogs(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(logs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Author", "Body", "At"})
				for _, l := range logs {
					tw.AppendRow(table.Row{l.Seq, l.Author, l.Body, l.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func boardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "board",
		Short: "Show the full board",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				board, err := e.Board(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(board)
				}
				for _, p := range board {
					fmt.Printf("%s (#%d)\n", p.Name, p.ID)
					for _, ep := range p.Epics {
						fmt.Printf("  %s (#%d)\n", ep.Name, ep.ID)
						for _, t := range ep.Tasks {
							lock := ""
							if t.Lock.Locked {
								lock = fmt.Sprintf(" [locked by %s]", *t.Lock.Holder)
							}
							fmt.Printf("    #%d %s [%s]%s\n", t.ID, t.Name, engine.StatusAlias(t.Status), lock)
						}
					}
				}
				return nil
			})
		},
	}
}

func eventsCmd() *cobra.Command {
	var n int
	var after int64
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.ListEvents(ctx, after, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "At", "Type", "Task", "Payload"})
				for _, evt := range events {
					taskID := ""
					if evt.TaskID != nil {
						taskID = fmt.Sprintf("%d", *evt.TaskID)
					}
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, taskID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&after, "after", 0, "only events past this id, oldest first")
	return cmd
}

func watchCmd() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live events from a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			if err != nil {
				return fmt.Errorf("dial %s: %w", url, err)
			}
			defer conn.Close()
			go func() {
				<-ctx.Done()
				conn.Close()
			}()
			fmt.Printf("watching %s\n", url)
			for {
				var evt broadcast.Event
				if err := conn.ReadJSON(&evt); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				if viper.GetBool("json") {
					printJSON(evt)
					continue
				}
				task := ""
				if evt.TaskID != 0 {
					task = fmt.Sprintf(" task=%d", evt.TaskID)
				}
				fmt.Printf("%s %s%s %v\n", evt.Timestamp, evt.Type, task, evt.Payload)
			}
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://127.0.0.1:8080/v0/ws/updates", "websocket feed URL")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := app.Open(app.Options{Workspace: viper.GetString("workspace"), WithHub: true})
			if err != nil {
				return err
			}
			defer a.Close()
			a.StartSweeper()
			if addr == "" {
				addr = a.Config.Server.Addr
			}
			if basePath == "" {
				basePath = a.Config.Server.BasePath
			}
			handler, err := server.New(server.Config{Engine: a.Engine, Hub: a.Hub, BasePath: basePath})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Taskboard API on http://%s%s (live feed at %s/ws/updates, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default taskboard.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	return cfg
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	a, err := app.Open(app.Options{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine)
}

func agentID() (string, error) {
	if agent := viper.GetString("agent"); agent != "" {
		return agent, nil
	}
	return app.AgentID(viper.GetString("workspace"))
}

func parseID(s string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
