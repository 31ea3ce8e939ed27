// Package dispatch carries tuning work across the process boundary: a broker
// queue feeds remote workers and a result store brings their outcomes back.
// Production runs on etcd; tests use the in-memory implementations.
package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"gridtune/internal/fin"
	"gridtune/internal/tunadb"
)

// Operation selects which half of the tuning pipeline a queue serves.
type Operation string

const (
	OpCompile Operation = "compile"
	OpEval    Operation = "eval"
)

// QueueName builds the per-session queue a worker consumes from.
// Layout: {compile|eval}_q_{db_name}_sess_{session_id}.
func QueueName(op Operation, dbName string, session int64) string {
	return fmt.Sprintf("%s_q_%s_sess_%d", op, dbName, session)
}

// WorkerName identifies one consumer. Compile workers get one name per node;
// eval workers get one per GPU with the id in the suffix.
func WorkerName(hostname string, session int64, gpuID *int) string {
	name := fmt.Sprintf("tuna_%s_sess_%d", hostname, session)
	if gpuID != nil {
		name += fmt.Sprintf("_gpu_id_%d", *gpuID)
	}
	return name
}

// GPUFromWorkerName extracts the GPU id from an eval worker name.
// ok is false for per-node names without a GPU suffix.
func GPUFromWorkerName(name string) (int, bool) {
	_, suffix, found := strings.Cut(name, "_gpu_id_")
	if !found {
		return 0, false
	}
	id, err := strconv.Atoi(suffix)
	if err != nil {
		return 0, false
	}
	return id, true
}

// WorkContext is the serialized snapshot a worker needs to execute one job
// without touching the database.
type WorkContext struct {
	TaskID    string            `json:"task_id"`
	Operation Operation         `json:"operation"`
	Job       tunadb.Job        `json:"job"`
	Config    tunadb.Config     `json:"config"`
	Arch      string            `json:"arch"`
	NumCU     int               `json:"num_cu"`
	Session   int64             `json:"session"`
	FinStep   string            `json:"fin_step"`
	Solver    string            `json:"solver,omitempty"`
	Kwargs    map[string]string `json:"kwargs,omitempty"`
}

// TaskResult pairs a worker's output with the context it executed, keyed in
// the result store by the task id under the run prefix.
type TaskResult struct {
	Context WorkContext `json:"context"`
	Output  fin.Output  `json:"ret"`
	// Err carries a worker-side failure (binary crash, transport). Empty on
	// success.
	Err string `json:"err,omitempty"`
}

// Broker is the task queue side of the channel.
type Broker interface {
	// Enqueue appends a task to the queue.
	Enqueue(ctx context.Context, queue string, wc WorkContext) error
	// Consume delivers tasks from the queue until ctx ends, the consumer is
	// cancelled by name, or a shutdown broadcast arrives. Each task goes to
	// exactly one consumer. The channel closes when consumption stops.
	Consume(ctx context.Context, queue, consumer string) (<-chan WorkContext, error)
	// Purge drops all queued tasks and reports how many were removed.
	Purge(ctx context.Context, queue string) (int, error)
	// CancelConsumers stops consumers attached to the queue.
	CancelConsumers(ctx context.Context, queue string) error
	// ShutdownAll broadcasts a stop signal every consumer observes,
	// independent of any run.
	ShutdownAll(ctx context.Context) error
}

// ResultStore is the result side of the channel. Keys live under a per-run
// prefix and are consumed destructively by the drain.
type ResultStore interface {
	// Put writes a result under prefix keyed by its task id.
	Put(ctx context.Context, prefix string, res TaskResult) error
	// Keys lists task ids currently stored under prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Watch emits task ids as results appear under prefix, until ctx ends.
	Watch(ctx context.Context, prefix string) (<-chan string, error)
	// FetchDelete atomically removes and returns the result for a task id.
	// ok is false when another drainer got there first.
	FetchDelete(ctx context.Context, prefix, taskID string) (TaskResult, bool, error)
}
