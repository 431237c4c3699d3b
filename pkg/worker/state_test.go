package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskmesh/worker/pkg/protocol"
)

func newBareWorker(t *testing.T) *Worker {
	t.Helper()

	w, err := New(&Config{
		Name:              "bare-worker",
		Listen:            "tcp://127.0.0.1:0",
		Threads:           1,
		HeartbeatInterval: time.Hour,
		SpillDir:          t.TempDir(),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close(false) })
	return w
}

func newDep(w *Worker, key string) *Dep {
	d := &Dep{
		key:        key,
		state:      DepWaiting,
		whoHas:     map[string]struct{}{},
		dependents: map[string]*Task{},
	}
	w.deps[key] = d
	return d
}

// assertPeerIndexSymmetry checks that who_has and has_what mirror
// each other exactly.
func assertPeerIndexSymmetry(t *testing.T, w *Worker) {
	t.Helper()

	for addr, keys := range w.hasWhat {
		for key := range keys {
			d, ok := w.deps[key]
			require.True(t, ok, "has_what names unknown dep %s", key)
			_, ok = d.whoHas[addr]
			assert.True(t, ok, "has_what[%s] has %s but who_has misses it", addr, key)
		}
	}

	for key, d := range w.deps {
		for addr := range d.whoHas {
			keys, ok := w.hasWhat[addr]
			require.True(t, ok, "who_has[%s] names unknown peer %s", key, addr)
			_, ok = keys[key]
			assert.True(t, ok, "who_has[%s] has %s but has_what misses it", key, addr)
		}
	}
}

func TestPeerIndexSymmetry(t *testing.T) {
	w := newBareWorker(t)

	w.mu.Lock()
	defer w.mu.Unlock()

	x := newDep(w, "x")
	y := newDep(w, "y")

	w.addPeerForDepLocked(x, "tcp://a:1")
	w.addPeerForDepLocked(x, "tcp://b:2")
	w.addPeerForDepLocked(y, "tcp://a:1")
	assertPeerIndexSymmetry(t, w)

	w.removePeerForDepLocked(x, "tcp://a:1")
	assertPeerIndexSymmetry(t, w)

	w.releaseDepLocked(y)
	assertPeerIndexSymmetry(t, w)
	assert.NotContains(t, w.deps, "y")
}

func TestDepFlightBookkeeping(t *testing.T) {
	w := newBareWorker(t)

	w.mu.Lock()
	defer w.mu.Unlock()

	d := newDep(w, "x")
	w.addPeerForDepLocked(d, "tcp://a:1")

	w.transitionDepLocked(d, DepFlight, "tcp://a:1")
	assert.Equal(t, DepFlight, d.state)
	assert.Equal(t, "tcp://a:1", w.inFlightTasks["x"])
	assert.Contains(t, w.inFlightWorkers["tcp://a:1"], "x")

	w.transitionDepLocked(d, DepWaiting, "")
	assert.Equal(t, DepWaiting, d.state)
	assert.NotContains(t, w.inFlightTasks, "x")
	assert.NotContains(t, w.inFlightWorkers, "tcp://a:1")
}

func TestDepMemoryNeverRefetched(t *testing.T) {
	w := newBareWorker(t)

	w.mu.Lock()
	defer w.mu.Unlock()

	d := newDep(w, "x")
	d.state = DepMemory

	w.transitionDepLocked(d, DepFlight, "tcp://a:1")
	assert.Equal(t, DepMemory, d.state)
	assert.Empty(t, w.inFlightTasks)
}

func TestTaskIllegalTransitionIsNoOp(t *testing.T) {
	w := newBareWorker(t)

	w.mu.Lock()
	defer w.mu.Unlock()

	task := &Task{
		key:            "t",
		state:          TaskMemory,
		dependencies:   map[string]*Dep{},
		waitingForData: map[string]struct{}{},
	}
	w.tasks["t"] = task

	w.transitionTaskLocked(task, TaskReady)
	assert.Equal(t, TaskMemory, task.state)
	assert.Equal(t, 0, w.ready.Len())
}

func TestFoldPriority(t *testing.T) {
	assert.Equal(t, []int64{0, 5, -3}, foldPriority([]int64{0, 5}, -3))
	assert.Equal(t, []int64{0, 5, -3, 7, 8}, foldPriority([]int64{0, 5, 7, 8}, -3))
	assert.Equal(t, []int64{-1}, foldPriority(nil, -1))
}

func TestComparePriority(t *testing.T) {
	// A later arrival carries a smaller counter and sorts earlier.
	earlier := foldPriority([]int64{0, 5}, -1)
	later := foldPriority([]int64{0, 5}, -2)
	assert.Less(t, comparePriority(later, earlier), 0)

	// The scheduler priority dominates the counter.
	assert.Less(t, comparePriority(foldPriority([]int64{0, 1}, -9), foldPriority([]int64{0, 2}, -1)), 0)

	// Equal prefixes break by length, shorter first.
	assert.Less(t, comparePriority([]int64{0, 1}, []int64{0, 1, 0}), 0)
	assert.Equal(t, 0, comparePriority([]int64{1, 2}, []int64{1, 2}))
}

func TestReadyQueueOrdering(t *testing.T) {
	w := newBareWorker(t)

	w.mu.Lock()
	defer w.mu.Unlock()

	mk := func(key string, priority []int64, counter int64) *Task {
		task := &Task{
			key:            key,
			state:          TaskWaiting,
			priority:       foldPriority(priority, counter),
			dependencies:   map[string]*Dep{},
			waitingForData: map[string]struct{}{},
		}
		w.tasks[key] = task
		w.transitionTaskLocked(task, TaskReady)
		return task
	}

	mk("low", []int64{1}, -1)
	mk("high", []int64{0}, -2)
	mk("high-later", []int64{0}, -3)

	assert.Equal(t, "high-later", w.ready.Pop().key)
	assert.Equal(t, "high", w.ready.Pop().key)
	assert.Equal(t, "low", w.ready.Pop().key)
}

func TestConcurrencyBound(t *testing.T) {
	slow1 := slowPeer(t)
	slow2 := slowPeer(t)

	w, err := New(&Config{
		Name:              "bounded-worker",
		Listen:            "tcp://127.0.0.1:0",
		Threads:           1,
		Connections:       1,
		HeartbeatInterval: time.Hour,
		SpillDir:          t.TempDir(),
	}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() { w.Close(false) })

	addTask := func(key, dep, addr string) {
		fn, err := protocol.Encode("identity")
		require.NoError(t, err)
		args, err := protocol.Encode([]any{dep})
		require.NoError(t, err)

		w.addTask(protocol.Msg{
			"op":       protocol.OpComputeTask,
			"key":      key,
			"function": fn,
			"args":     args,
			"priority": []any{int64(0)},
			"who_has":  map[string]any{dep: []any{addr}},
		})
	}

	addTask("t1", "x1", slow1)
	addTask("t2", "x2", slow2)

	// Only one peer fetch may be open at a time.
	require.Eventually(t, func() bool {
		w.mu.RLock()
		defer w.mu.RUnlock()
		return len(w.inFlightWorkers) == 1
	}, time.Second, 5*time.Millisecond)

	for i := 0; i < 20; i++ {
		w.mu.RLock()
		n := len(w.inFlightWorkers)
		w.mu.RUnlock()
		assert.LessOrEqual(t, n, 1)
		time.Sleep(5 * time.Millisecond)
	}
}
