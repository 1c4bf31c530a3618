// Command taskctl inspects and edits a file-backed task board snapshot
// without running the service.
package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"taskboard/domain"
	"taskboard/storage"
	"taskboard/store"
)

var Version = "dev"

type options struct {
	dataDir string
	output  string
	now     func() time.Time
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{now: time.Now}
	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}

	root := &cobra.Command{
		Use:           "taskctl",
		Short:         "Inspect the task board snapshot",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.dataDir, "data-dir", "d", dataDir, "Snapshot directory")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "Output format (table, json, yaml)")

	root.AddCommand(tasksCmd(opts))
	root.AddCommand(addCmd(opts))
	root.AddCommand(completeCmd(opts))
	root.AddCommand(metricsCmd(opts))
	root.AddCommand(scheduleCmd(opts))
	root.AddCommand(boardsCmd(opts))
	return root
}

type session struct {
	tasks  *store.TaskStore
	kanban *store.KanbanStore
}

func (o *options) open(ctx context.Context) (*session, error) {
	backend, err := storage.NewFile(o.dataDir)
	if err != nil {
		return nil, err
	}
	logger := log.New()
	logger.SetLevel(log.WarnLevel)
	logger.SetOutput(os.Stderr)

	tasks := store.NewTaskStore(backend, domain.NewNotifier(logger), logger)
	if err := tasks.Load(ctx); err != nil {
		return nil, err
	}
	kanban := store.NewKanbanStore(tasks, backend, logger)
	if err := kanban.Load(ctx); err != nil {
		kanban.Close()
		return nil, err
	}
	return &session{tasks: tasks, kanban: kanban}, nil
}

func (s *session) Close() { s.kanban.Close() }

func tasksCmd(opts *options) *cobra.Command {
	var view string
	var pending bool
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			tasks := s.tasks.GetAllTasks()
			if view != "" {
				tasks = domain.FilterByBucket(tasks, domain.Bucket(view), opts.now())
			}
			if pending {
				open := tasks[:0]
				for _, t := range tasks {
					if !t.Completed {
						open = append(open, t)
					}
				}
				tasks = open
			}
			return opts.render(cmd.OutOrStdout(), tasks, func(w io.Writer) {
				writeTaskTable(w, tasks)
			})
		},
	}
	cmd.Flags().StringVar(&view, "view", "", "Only tasks in a bucket (today, upcoming, overdue, past, unscheduled)")
	cmd.Flags().BoolVar(&pending, "pending", false, "Hide completed tasks")
	return cmd
}

func addCmd(opts *options) *cobra.Command {
	var priority, deadline, column string
	cmd := &cobra.Command{
		Use:   "add [title]",
		Short: "Create a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			patch := domain.TaskPatch{Title: &args[0]}
			if priority != "" {
				p := domain.Priority(priority)
				patch.Priority = &p
			}
			if deadline != "" {
				patch.Deadline = &deadline
			}
			var task domain.Task
			if column != "" {
				if _, err := s.kanban.InitializeBoard(cmd.Context()); err != nil {
					return err
				}
				task, err = s.kanban.AddTask(cmd.Context(), column, patch)
			} else {
				task, err = s.tasks.CreateTask(cmd.Context(), patch)
			}
			if err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), task, func(w io.Writer) {
				writeTaskTable(w, []domain.Task{task})
			})
		},
	}
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "Priority (low, medium, high)")
	cmd.Flags().StringVar(&deadline, "deadline", "", "Deadline (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&column, "column", "", "Place the task on the active board")
	return cmd
}

func completeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "complete [id]",
		Short: "Mark a task as completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			done := true
			task, err := s.tasks.UpdateTask(cmd.Context(), args[0], domain.TaskPatch{Completed: &done})
			if err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), task, func(w io.Writer) {
				writeTaskTable(w, []domain.Task{task})
			})
		},
	}
}

type metricsOutput struct {
	Tasks                 int                         `json:"tasks"`
	CompletionRate        *float64                    `json:"completionRate"`
	AverageCompletionTime string                      `json:"averageCompletionTime"`
	Overdue               []string                    `json:"overdue"`
	Distribution          domain.PriorityDistribution `json:"distribution"`
}

func metricsCmd(opts *options) *cobra.Command {
	var board bool
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show completion metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			tasks := s.tasks.GetAllTasks()
			if board {
				if tasks, err = s.kanban.ActiveTasks(); err != nil {
					return err
				}
			}
			m := domain.ComputeMetrics(tasks, opts.now())
			out := metricsOutput{
				Tasks:                 len(tasks),
				AverageCompletionTime: (time.Duration(m.AverageCompletionTime) * time.Millisecond).String(),
				Overdue:               []string{},
				Distribution:          domain.DistributionByPriority(tasks),
			}
			if !math.IsNaN(m.CompletionRate) {
				rate := m.CompletionRate
				out.CompletionRate = &rate
			}
			for _, t := range m.OverdueTasks {
				out.Overdue = append(out.Overdue, t.Title)
			}
			return opts.render(cmd.OutOrStdout(), out, func(w io.Writer) {
				rate := "n/a"
				if out.CompletionRate != nil {
					rate = fmt.Sprintf("%.1f%%", *out.CompletionRate)
				}
				fmt.Fprintf(w, "Tasks:        %d\n", out.Tasks)
				fmt.Fprintf(w, "Completion:   %s\n", rate)
				fmt.Fprintf(w, "Avg time:     %s\n", out.AverageCompletionTime)
				fmt.Fprintf(w, "Overdue:      %d\n", len(out.Overdue))
				fmt.Fprintf(w, "Priorities:   high %d, medium %d, low %d\n", out.Distribution.High, out.Distribution.Medium, out.Distribution.Low)
			})
		},
	}
	cmd.Flags().BoolVar(&board, "board", false, "Only tasks of the active board")
	return cmd
}

func scheduleCmd(opts *options) *cobra.Command {
	var perDay int
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Propose deadlines by priority",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			tasks := domain.GenerateSchedule(s.tasks.GetAllTasks(), domain.ScheduleOptions{
				WorkingHoursPerDay: perDay,
				Now:                opts.now(),
			})
			return opts.render(cmd.OutOrStdout(), tasks, func(w io.Writer) {
				writeTaskTable(w, tasks)
			})
		},
	}
	cmd.Flags().IntVarP(&perDay, "per-day", "n", domain.DefaultWorkingHoursPerDay, "Tasks per day")
	return cmd
}

func boardsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "boards",
		Short: "Show boards and their columns",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			view := s.kanban.Snapshot()
			return opts.render(cmd.OutOrStdout(), view, func(w io.Writer) {
				if len(view.Boards) == 0 {
					fmt.Fprintln(w, "No boards")
					return
				}
				for _, b := range view.Boards {
					marker := " "
					if view.ActiveBoard != nil && view.ActiveBoard.ID == b.ID {
						marker = "*"
					}
					fmt.Fprintf(w, "%s %s (%s)\n", marker, b.Title, b.Status)
					for _, c := range b.Columns {
						fmt.Fprintf(w, "    %-14s %d\n", c.Title+":", len(c.Tasks))
					}
				}
			})
		},
	}
}

// render writes v as JSON or YAML, or calls table for the default format.
// YAML goes through the JSON encoding so both formats share field names.
func (o *options) render(w io.Writer, v any, table func(io.Writer)) error {
	switch strings.ToLower(o.output) {
	case "json":
		data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "yaml", "yml":
		data, err := sonic.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := sonic.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
		table(w)
		return nil
	default:
		return fmt.Errorf("unsupported output format %q", o.output)
	}
}

func writeTaskTable(w io.Writer, tasks []domain.Task) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tPRIORITY\tDONE\tDUE")
	for _, t := range tasks {
		due := "-"
		if d := domain.DueDate(t); d != nil {
			due = d.Format("2006-01-02")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", t.ID, t.Title, t.Priority, t.Completed, due)
	}
	tw.Flush()
}
