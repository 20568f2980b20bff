package queue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const filePollInterval = 250 * time.Millisecond

// FileQueue keeps messages in a JSON file so several local processes can
// share one queue. Writers hold an advisory lock on a sidecar file and
// receivers blocked in a long poll are woken by filesystem notifications.
type FileQueue struct {
	path     string
	lockPath string
	opts     Options
	now      func() time.Time

	mu      sync.Mutex
	wakeMu  sync.Mutex
	wake    chan struct{}
	watcher *fsnotify.Watcher
	stop    chan struct{}
	once    sync.Once
}

func NewFileQueue(path string, opts Options) (*FileQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	q := &FileQueue{
		path:     path,
		lockPath: path + ".lock",
		opts:     opts.withDefaults(),
		now:      time.Now,
		wake:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
	if err := q.update(func(*ledger) (bool, error) { return false, nil }); err != nil {
		return nil, err
	}
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		if err := watcher.Add(filepath.Dir(path)); err == nil {
			q.watcher = watcher
			go q.watch()
		} else {
			_ = watcher.Close()
		}
	}
	return q, nil
}

func (q *FileQueue) Publish(_ context.Context, body string) (string, error) {
	var id string
	err := q.update(func(state *ledger) (bool, error) {
		var pushErr error
		id, pushErr = state.push(body, q.opts.Capacity, q.now())
		return pushErr == nil, pushErr
	})
	if err != nil {
		return "", err
	}
	q.signal()
	return id, nil
}

func (q *FileQueue) GetMessages(ctx context.Context) ([]Message, error) {
	deadline := q.now().Add(q.opts.WaitTime)
	for {
		select {
		case <-q.stop:
			return nil, ErrClosed
		default:
		}
		wake := q.currentWake()
		var batch []Message
		var next time.Duration
		now := q.now()
		err := q.update(func(state *ledger) (bool, error) {
			batch = state.receive(now, q.opts.BatchSize, q.opts.VisibilityTimeout)
			next = state.nextVisible(now)
			return len(batch) > 0, nil
		})
		if err != nil {
			return nil, err
		}
		if len(batch) > 0 {
			return batch, nil
		}
		remaining := deadline.Sub(now)
		if remaining <= 0 {
			return batch, nil
		}
		if next > 0 && next < remaining {
			remaining = next
		}
		if q.watcher == nil && remaining > filePollInterval {
			remaining = filePollInterval
		}
		if err := waitWithContext(ctx, remaining, wake); err != nil {
			return nil, err
		}
	}
}

func (q *FileQueue) DeleteMessage(_ context.Context, receiptHandle string) error {
	return q.update(func(state *ledger) (bool, error) {
		if err := state.delete(receiptHandle); err != nil {
			return false, err
		}
		return true, nil
	})
}

func (q *FileQueue) Depth() int {
	depth := 0
	_ = q.update(func(state *ledger) (bool, error) {
		depth = len(state.Items)
		return false, nil
	})
	return depth
}

func (q *FileQueue) Close() error {
	var err error
	q.once.Do(func() {
		close(q.stop)
		if q.watcher != nil {
			err = q.watcher.Close()
		}
	})
	return err
}

// update loads the queue file under the cross-process lock, applies fn and
// writes the file back when fn reports a change.
func (q *FileQueue) update(fn func(state *ledger) (bool, error)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	lockFile, err := os.OpenFile(q.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer lockFile.Close()
	if err := lockExclusive(lockFile); err != nil {
		return err
	}
	defer func() { _ = unlock(lockFile) }()

	state, err := q.load()
	if err != nil {
		return err
	}
	changed, err := fn(&state)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return q.save(state)
}

func (q *FileQueue) load() (ledger, error) {
	var state ledger
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state, nil
		}
		return state, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, err
	}
	return state, nil
}

func (q *FileQueue) save(state ledger) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

func (q *FileQueue) watch() {
	name := filepath.Clean(q.path)
	for {
		select {
		case <-q.stop:
			return
		case event, ok := <-q.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				q.signal()
			}
		case _, ok := <-q.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (q *FileQueue) currentWake() <-chan struct{} {
	q.wakeMu.Lock()
	defer q.wakeMu.Unlock()
	return q.wake
}

func (q *FileQueue) signal() {
	q.wakeMu.Lock()
	defer q.wakeMu.Unlock()
	close(q.wake)
	q.wake = make(chan struct{})
}
