package dispatch

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Memory implements Broker and ResultStore in process. It backs tests and
// single-machine runs where an etcd cluster would be overhead.
type Memory struct {
	mu   sync.Mutex
	cond *sync.Cond

	queues      map[string][]WorkContext
	cancelGen   map[string]int
	shutdownGen int

	results  map[string]map[string]TaskResult
	watchers map[string][]*memWatcher
}

// memWatcher buffers notifications in memory so a slow drain never loses
// one; the Watch goroutine forwards them in order.
type memWatcher struct {
	pending []string
}

// NewMemory creates an empty in-memory channel pair.
func NewMemory() *Memory {
	m := &Memory{
		queues:    make(map[string][]WorkContext),
		cancelGen: make(map[string]int),
		results:   make(map[string]map[string]TaskResult),
		watchers:  make(map[string][]*memWatcher),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *Memory) Enqueue(_ context.Context, queue string, wc WorkContext) error {
	if wc.TaskID == "" {
		wc.TaskID = uuid.NewString()
	}
	m.mu.Lock()
	m.queues[queue] = append(m.queues[queue], wc)
	m.mu.Unlock()
	m.cond.Broadcast()
	return nil
}

func (m *Memory) Consume(ctx context.Context, queue, consumer string) (<-chan WorkContext, error) {
	m.mu.Lock()
	cancelGen := m.cancelGen[queue]
	shutdownGen := m.shutdownGen
	m.mu.Unlock()

	out := make(chan WorkContext)
	stop := context.AfterFunc(ctx, m.cond.Broadcast)
	go func() {
		defer close(out)
		defer stop()
		for {
			m.mu.Lock()
			for len(m.queues[queue]) == 0 && ctx.Err() == nil &&
				m.cancelGen[queue] == cancelGen && m.shutdownGen == shutdownGen {
				m.cond.Wait()
			}
			if ctx.Err() != nil || m.cancelGen[queue] != cancelGen || m.shutdownGen != shutdownGen {
				m.mu.Unlock()
				return
			}
			wc := m.queues[queue][0]
			m.queues[queue] = m.queues[queue][1:]
			m.mu.Unlock()

			select {
			case out <- wc:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (m *Memory) Purge(_ context.Context, queue string) (int, error) {
	m.mu.Lock()
	n := len(m.queues[queue])
	delete(m.queues, queue)
	m.mu.Unlock()
	return n, nil
}

func (m *Memory) CancelConsumers(_ context.Context, queue string) error {
	m.mu.Lock()
	m.cancelGen[queue]++
	m.mu.Unlock()
	m.cond.Broadcast()
	return nil
}

func (m *Memory) ShutdownAll(_ context.Context) error {
	m.mu.Lock()
	m.shutdownGen++
	m.mu.Unlock()
	m.cond.Broadcast()
	return nil
}

func (m *Memory) Put(_ context.Context, prefix string, res TaskResult) error {
	m.mu.Lock()
	if m.results[prefix] == nil {
		m.results[prefix] = make(map[string]TaskResult)
	}
	m.results[prefix][res.Context.TaskID] = res
	for _, w := range m.watchers[prefix] {
		w.pending = append(w.pending, res.Context.TaskID)
	}
	m.mu.Unlock()
	m.cond.Broadcast()
	return nil
}

func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.results[prefix]))
	for k := range m.results[prefix] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Watch(ctx context.Context, prefix string) (<-chan string, error) {
	w := &memWatcher{}
	m.mu.Lock()
	m.watchers[prefix] = append(m.watchers[prefix], w)
	m.mu.Unlock()

	ch := make(chan string)
	stop := context.AfterFunc(ctx, m.cond.Broadcast)
	go func() {
		defer close(ch)
		defer stop()
		defer m.removeWatcher(prefix, w)
		for {
			m.mu.Lock()
			for len(w.pending) == 0 && ctx.Err() == nil {
				m.cond.Wait()
			}
			if ctx.Err() != nil {
				m.mu.Unlock()
				return
			}
			batch := w.pending
			w.pending = nil
			m.mu.Unlock()

			for _, id := range batch {
				select {
				case ch <- id:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

func (m *Memory) removeWatcher(prefix string, w *memWatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := m.watchers[prefix]
	for i := range ws {
		if ws[i] == w {
			m.watchers[prefix] = append(ws[:i], ws[i+1:]...)
			return
		}
	}
}

func (m *Memory) FetchDelete(_ context.Context, prefix, taskID string) (TaskResult, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.results[prefix][taskID]
	if !ok {
		return TaskResult{}, false, nil
	}
	delete(m.results[prefix], taskID)
	return res, true, nil
}
