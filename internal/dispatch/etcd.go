package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Etcd implements Broker and ResultStore on an etcd cluster.
//
// Key layout under the namespace root:
//
//	<ns>/queue/<queue>/<task_id>      queued task, JSON WorkContext
//	<ns>/results/<prefix>/<task_id>   finished task, JSON TaskResult
//	<ns>/control/cancel/<queue>       per-queue cancel signal
//	<ns>/control/shutdown             fleet-wide shutdown signal
//
// Competitive consumption uses a delete-if-unchanged transaction per task:
// whichever consumer's transaction succeeds owns the task.
type Etcd struct {
	cli *clientv3.Client
	ns  string
	log *slog.Logger
}

// EtcdOptions configures NewEtcd.
type EtcdOptions struct {
	Endpoints   []string
	Namespace   string // key root, default "gridtune"
	DialTimeout time.Duration
	Log         *slog.Logger
}

func (o *EtcdOptions) defaults() {
	if o.Namespace == "" {
		o.Namespace = "gridtune"
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
}

// NewEtcd connects to the cluster.
func NewEtcd(opts EtcdOptions) (*Etcd, error) {
	opts.defaults()
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: opts.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch: etcd connect: %w", err)
	}
	return &Etcd{cli: cli, ns: opts.Namespace, log: opts.Log}, nil
}

// Close releases the client connection.
func (e *Etcd) Close() error { return e.cli.Close() }

func (e *Etcd) queuePrefix(queue string) string { return e.ns + "/queue/" + queue + "/" }

func (e *Etcd) resultPrefix(prefix string) string { return e.ns + "/results/" + prefix + "/" }

func (e *Etcd) cancelKey(queue string) string { return e.ns + "/control/cancel/" + queue }

func (e *Etcd) shutdownKey() string { return e.ns + "/control/shutdown" }

func (e *Etcd) Enqueue(ctx context.Context, queue string, wc WorkContext) error {
	if wc.TaskID == "" {
		// v7 ids sort by creation time, preserving enqueue order in the
		// prefix scan.
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("dispatch: task id: %w", err)
		}
		wc.TaskID = id.String()
	}
	val, err := json.Marshal(wc)
	if err != nil {
		return fmt.Errorf("dispatch: marshal task: %w", err)
	}
	if _, err := e.cli.Put(ctx, e.queuePrefix(queue)+wc.TaskID, string(val)); err != nil {
		return fmt.Errorf("dispatch: enqueue: %w", err)
	}
	return nil
}

func (e *Etcd) Consume(ctx context.Context, queue, consumer string) (<-chan WorkContext, error) {
	// Revision snapshot first, so control signals and tasks arriving after
	// this point are all observed by the watches below.
	resp, err := e.cli.Get(ctx, e.queuePrefix(queue), clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("dispatch: consume scan: %w", err)
	}
	rev := resp.Header.Revision

	out := make(chan WorkContext)
	go func() {
		defer close(out)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		cancelCh := e.cli.Watch(ctx, e.cancelKey(queue), clientv3.WithRev(rev+1))
		shutdownCh := e.cli.Watch(ctx, e.shutdownKey(), clientv3.WithRev(rev+1))
		taskCh := e.cli.Watch(ctx, e.queuePrefix(queue),
			clientv3.WithPrefix(), clientv3.WithRev(rev+1))

		deliver := func(key string, val []byte, modRev int64) bool {
			claim, err := e.cli.Txn(ctx).
				If(clientv3.Compare(clientv3.ModRevision(key), "=", modRev)).
				Then(clientv3.OpDelete(key)).
				Commit()
			if err != nil {
				e.log.Warn("task claim failed", "consumer", consumer, "err", err)
				return true
			}
			if !claim.Succeeded {
				return true // another consumer won
			}
			var wc WorkContext
			if err := json.Unmarshal(val, &wc); err != nil {
				e.log.Error("dropping malformed task", "key", key, "err", err)
				return true
			}
			select {
			case out <- wc:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for _, kv := range resp.Kvs {
			if !deliver(string(kv.Key), kv.Value, kv.ModRevision) {
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-cancelCh:
				e.log.Info("consumer cancelled", "consumer", consumer, "queue", queue)
				return
			case <-shutdownCh:
				e.log.Info("consumer shut down", "consumer", consumer)
				return
			case wresp, ok := <-taskCh:
				if !ok || wresp.Err() != nil {
					return
				}
				for _, ev := range wresp.Events {
					if ev.Type != clientv3.EventTypePut {
						continue
					}
					if !deliver(string(ev.Kv.Key), ev.Kv.Value, ev.Kv.ModRevision) {
						return
					}
				}
			}
		}
	}()
	return out, nil
}

func (e *Etcd) Purge(ctx context.Context, queue string) (int, error) {
	resp, err := e.cli.Delete(ctx, e.queuePrefix(queue), clientv3.WithPrefix())
	if err != nil {
		return 0, fmt.Errorf("dispatch: purge %s: %w", queue, err)
	}
	return int(resp.Deleted), nil
}

func (e *Etcd) CancelConsumers(ctx context.Context, queue string) error {
	if _, err := e.cli.Put(ctx, e.cancelKey(queue), time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("dispatch: cancel consumers %s: %w", queue, err)
	}
	return nil
}

func (e *Etcd) ShutdownAll(ctx context.Context) error {
	if _, err := e.cli.Put(ctx, e.shutdownKey(), time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("dispatch: shutdown broadcast: %w", err)
	}
	return nil
}

func (e *Etcd) Put(ctx context.Context, prefix string, res TaskResult) error {
	if res.Context.TaskID == "" {
		return fmt.Errorf("dispatch: result without task id")
	}
	val, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("dispatch: marshal result: %w", err)
	}
	if _, err := e.cli.Put(ctx, e.resultPrefix(prefix)+res.Context.TaskID, string(val)); err != nil {
		return fmt.Errorf("dispatch: put result: %w", err)
	}
	return nil
}

func (e *Etcd) Keys(ctx context.Context, prefix string) ([]string, error) {
	resp, err := e.cli.Get(ctx, e.resultPrefix(prefix),
		clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("dispatch: result keys: %w", err)
	}
	keys := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		keys = append(keys, strings.TrimPrefix(string(kv.Key), e.resultPrefix(prefix)))
	}
	return keys, nil
}

func (e *Etcd) Watch(ctx context.Context, prefix string) (<-chan string, error) {
	out := make(chan string)
	wch := e.cli.Watch(ctx, e.resultPrefix(prefix), clientv3.WithPrefix())
	go func() {
		defer close(out)
		for wresp := range wch {
			if wresp.Err() != nil {
				return
			}
			for _, ev := range wresp.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				id := strings.TrimPrefix(string(ev.Kv.Key), e.resultPrefix(prefix))
				select {
				case out <- id:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (e *Etcd) FetchDelete(ctx context.Context, prefix, taskID string) (TaskResult, bool, error) {
	key := e.resultPrefix(prefix) + taskID
	resp, err := e.cli.Get(ctx, key)
	if err != nil {
		return TaskResult{}, false, fmt.Errorf("dispatch: fetch result: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return TaskResult{}, false, nil
	}
	kv := resp.Kvs[0]

	txn, err := e.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return TaskResult{}, false, fmt.Errorf("dispatch: delete result: %w", err)
	}
	if !txn.Succeeded {
		return TaskResult{}, false, nil
	}

	var res TaskResult
	if err := json.Unmarshal(kv.Value, &res); err != nil {
		return TaskResult{}, false, fmt.Errorf("dispatch: decode result %s: %w", taskID, err)
	}
	return res, true, nil
}
