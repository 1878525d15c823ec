package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/hibiken/asynq"

	"github.com/tutorly/tutorly/jobs"
)

// Triggerer enqueues a periodic job for immediate execution.
type Triggerer interface {
	Trigger(ctx context.Context, taskType string) (*asynq.TaskInfo, error)
}

// QueueInspector reports queue state. Satisfied by *asynq.Inspector.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

// JobsCLI wraps manual management helpers for the scheduler jobs.
type JobsCLI struct {
	client    Triggerer
	inspector QueueInspector
}

// NewJobsCLI builds the helper from an already configured client and inspector.
func NewJobsCLI(client Triggerer, inspector QueueInspector) *JobsCLI {
	return &JobsCLI{client: client, inspector: inspector}
}

// Options configures a command execution.
type Options struct {
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// QueueStats summarises the current state of one queue.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
}

const usage = `usage:
  tutorly jobs list                 show the periodic schedule
  tutorly jobs trigger <task-type>  run a periodic job now
  tutorly jobs stats [--json]       show queue depth`

// Command runs a jobs subcommand and returns the process exit code.
func (c *JobsCLI) Command(ctx context.Context, args []string, opts Options) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	var rest []string
	for _, a := range args {
		if a == "--json" {
			opts.JSONOutput = true
			continue
		}
		rest = append(rest, a)
	}
	if len(rest) == 0 {
		fmt.Fprintln(opts.Stderr, usage)
		return 2
	}
	switch rest[0] {
	case "list":
		return c.list(opts)
	case "trigger":
		if len(rest) != 2 {
			fmt.Fprintln(opts.Stderr, usage)
			return 2
		}
		return c.trigger(ctx, rest[1], opts)
	case "stats":
		return c.stats(opts)
	default:
		fmt.Fprintf(opts.Stderr, "unknown jobs command %q\n%s\n", rest[0], usage)
		return 2
	}
}

func (c *JobsCLI) list(opts Options) int {
	if opts.JSONOutput {
		return writeJSON(opts, jobs.Schedule)
	}
	tw := tabwriter.NewWriter(opts.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSCHEDULE")
	for _, entry := range jobs.Schedule {
		fmt.Fprintf(tw, "%s\t%s\n", entry.Type, entry.Spec)
	}
	_ = tw.Flush()
	return 0
}

func (c *JobsCLI) trigger(ctx context.Context, taskType string, opts Options) int {
	taskType = strings.TrimSpace(taskType)
	if !jobs.IsScheduled(taskType) {
		fmt.Fprintf(opts.Stderr, "unsupported job %s\n", taskType)
		return 2
	}
	info, err := c.Trigger(ctx, taskType)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "trigger %s: %v\n", taskType, err)
		return 1
	}
	if opts.JSONOutput {
		return writeJSON(opts, map[string]string{"id": info.ID, "type": info.Type, "queue": info.Queue})
	}
	fmt.Fprintf(opts.Stdout, "enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
	return 0
}

func (c *JobsCLI) stats(opts Options) int {
	var out []QueueStats
	for _, queue := range jobs.Queues {
		stats, err := c.InspectQueue(queue)
		if err != nil {
			fmt.Fprintf(opts.Stderr, "inspect %s: %v\n", queue, err)
			return 1
		}
		out = append(out, stats)
	}
	if opts.JSONOutput {
		return writeJSON(opts, out)
	}
	tw := tabwriter.NewWriter(opts.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "QUEUE\tPENDING\tACTIVE\tSCHEDULED\tRETRY\tARCHIVED")
	for _, s := range out {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived)
	}
	_ = tw.Flush()
	return 0
}

// Trigger enqueues a supported periodic job by task type.
func (c *JobsCLI) Trigger(ctx context.Context, taskType string) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	return c.client.Trigger(ctx, taskType)
}

// InspectQueue reports the metrics for one queue. A queue that has never
// received a task reports zeros.
func (c *JobsCLI) InspectQueue(queue string) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	stats := QueueStats{Queue: queue}
	info, err := c.inspector.GetQueueInfo(queue)
	if errors.Is(err, asynq.ErrQueueNotFound) {
		return stats, nil
	}
	if err != nil {
		return QueueStats{}, err
	}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
		stats.Archived = info.Archived
	}
	return stats, nil
}

func writeJSON(opts Options, v any) int {
	enc := json.NewEncoder(opts.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(opts.Stderr, "encode output: %v\n", err)
		return 1
	}
	return 0
}
