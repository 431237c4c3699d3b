package worker

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"

	"github.com/spf13/afero"
	"github.com/taskmesh/worker/pkg/comm"
	"github.com/taskmesh/worker/pkg/log"
	"github.com/taskmesh/worker/pkg/protocol"
	"github.com/taskmesh/worker/pkg/store"
	"github.com/taskmesh/worker/pkg/utils"
)

// How many keys a single fetch to one peer may carry, the seed key
// included.
const maxGatherBatch = 100

type workerStatus int

const (
	statusStarting workerStatus = iota
	statusRunning
	statusClosed
)

// Worker executes tasks assigned by the scheduler, fetching missing
// inputs from peer workers and holding results in memory. All task
// and dependency state is guarded by one mutex; fetches and
// executions run concurrently and funnel their completions back under
// the lock.
type Worker struct {
	mu utils.RWMutex

	config   *Config
	logger   *log.Logger
	executor Executor

	store *store.Store
	pool  *comm.ConnectionPool
	rpc   *comm.RPC

	// Per-task and per-dependency state, keyed by opaque string keys.
	tasks map[string]*Task
	deps  map[string]*Dep

	// Task keys whose dependencies still need fetching, oldest first.
	dataNeeded []string

	// Tasks with all inputs local, ordered by priority.
	ready *utils.PriorityQueue[*Task]

	// Keys currently running on an executor.
	executing map[string]struct{}

	executors *utils.WorkerPool

	// Peer index: address to held keys. The inverse lives on each
	// dependency's whoHas set and the two are kept symmetric.
	hasWhat map[string]map[string]struct{}

	// In-flight index: dependency key to peer, and peer to the keys
	// currently fetched from it.
	inFlightTasks   map[string]string
	inFlightWorkers map[string]map[string]struct{}

	// Keys still wanted from each peer, in arrival order. Consulted
	// to piggyback onto an open fetch to the same peer.
	pendingDataPerWorker map[string][]string

	// Failed location rounds per dependency.
	suspicious map[string]int

	// Dependencies with a scheduler location query in flight.
	missingDepFlight map[string]struct{}

	// Arrival tiebreaker folded into task priorities. Decreases so
	// later arrivals sort earlier at equal scheduler priority.
	priorityCounter int64

	// Deferred-result subscribers per task key.
	futures map[string][]chan TaskResult

	// The scheduler-bound stream, opened lazily on the first
	// compute-stream op.
	batched *comm.BatchedSender

	listener net.Listener
	address  *comm.Addr
	status   workerStatus
	closed   chan struct{}

	closeOnce sync.Once
	http      *httpService
}

// New creates a worker from a validated configuration.
func New(config *Config, executor Executor) (*Worker, error) {
	config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if executor == nil {
		executor = NewRegistryExecutor()
	}

	logger := log.WithPrefix(config.Name)

	st, err := store.New(afero.NewOsFs(), config.SpillDir, config.MemoryLimit, logger)
	if err != nil {
		return nil, err
	}

	pool := comm.NewConnectionPool(0, 0)

	w := &Worker{
		mu:                   utils.NewRWMutex(),
		config:               config,
		logger:               logger,
		executor:             executor,
		store:                st,
		pool:                 pool,
		rpc:                  comm.NewRPC(pool),
		tasks:                map[string]*Task{},
		deps:                 map[string]*Dep{},
		executing:            map[string]struct{}{},
		executors:            utils.NewWorkerPool(config.Threads),
		hasWhat:              map[string]map[string]struct{}{},
		inFlightTasks:        map[string]string{},
		inFlightWorkers:      map[string]map[string]struct{}{},
		pendingDataPerWorker: map[string][]string{},
		suspicious:           map[string]int{},
		missingDepFlight:     map[string]struct{}{},
		futures:              map[string][]chan TaskResult{},
		closed:               make(chan struct{}),
	}

	w.executors.Start()

	w.ready = utils.NewPriorityQueue[*Task](
		func(a, b any) int {
			return comparePriority(a.(*Task).priority, b.(*Task).priority)
		},
		func(a, b any) bool {
			return a.(*Task).key == b.(*Task).key
		})

	return w, nil
}

// Start binds the listener, launches the accept loop and the HTTP
// diagnostics service, and registers with the scheduler.
func (w *Worker) Start() error {
	addr, err := comm.ParseAddr(w.config.Listen)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", addr.HostPort())
	if err != nil {
		return err
	}

	w.listener = listener
	port := listener.Addr().(*net.TCPAddr).Port
	w.address = addr.WithPort(port)
	if w.address.Host == "0.0.0.0" || w.address.Host == "::" {
		w.address.Host = "127.0.0.1"
	}

	go w.acceptLoop()

	if w.config.HttpPort > 0 {
		w.http = newHttpService(w, w.config.HttpPort)
		w.http.Start()
	}

	if w.config.Scheduler != "" {
		if err := w.register(); err != nil {
			w.logger.Errorf("Registration with scheduler failed: %v", err)
			w.Close(false)
			return err
		}
		go w.heartbeatLoop()
	}

	w.mu.Lock()
	w.status = statusRunning
	w.mu.Unlock()

	w.logger.Infof("Start worker at %s", w.address)
	return nil
}

// Address returns the advertised address of the worker.
func (w *Worker) Address() string {
	return w.address.String()
}

// Store exposes the data store.
func (w *Worker) Store() *store.Store {
	return w.store
}

// Done is closed when the worker has shut down.
func (w *Worker) Done() <-chan struct{} {
	return w.closed
}

// Await subscribes to the settled outcome of a task. The channel
// receives once, when the task finishes, errs or is released.
func (w *Worker) Await(key string) <-chan TaskResult {
	ch := make(chan TaskResult, 1)

	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.tasks[key]; ok && t.state == TaskMemory {
		ch <- w.resultLocked(key)
		return ch
	}

	w.futures[key] = append(w.futures[key], ch)
	return ch
}

// Close shuts the worker down. When report is true the scheduler is
// told with an unregister message first.
func (w *Worker) Close(report bool) {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.status = statusClosed
		batched := w.batched
		w.batched = nil
		w.mu.Unlock()

		w.logger.Infof("Stopping worker at %s", w.addressString())

		if report && w.config.Scheduler != "" {
			_, err := comm.Call(w.config.Scheduler, protocol.Msg{
				"op":      protocol.OpUnregister,
				"address": w.addressString(),
			})
			if err != nil {
				w.logger.Debugf("Unregister failed: %v", err)
			}
		}

		close(w.closed)

		if batched != nil {
			batched.Close()
		}
		if w.listener != nil {
			w.listener.Close()
		}
		if w.http != nil {
			w.http.Stop()
		}
		w.executors.Stop()
		w.pool.Close()
		w.store.Close()
	})
}

func (w *Worker) addressString() string {
	if w.address == nil {
		return ""
	}
	return w.address.String()
}

func (w *Worker) acceptLoop() {
	for {
		nc, err := w.listener.Accept()
		if err != nil {
			select {
			case <-w.closed:
			default:
				w.logger.Debugf("Accept failed: %v", err)
			}
			return
		}

		go w.serveConn(comm.NewConn(nc))
	}
}

///////////////////////////////////////////////////////////////////////////
// Task transitions
///////////////////////////////////////////////////////////////////////////

// transitionTask moves a task to a new state. Only the pairs below
// are legal; anything else is a no-op and logged.
func (w *Worker) transitionTaskLocked(t *Task, to TaskState) {
	from := t.state

	switch {
	case from == TaskWaiting && to == TaskReady:
		t.state = TaskReady
		w.ready.Push(t)

	case from == TaskWaiting && to == TaskMemory:
		t.state = TaskMemory
		w.sendTaskFinishedLocked(t.key)
		w.settleLocked(t.key)

	case from == TaskReady && to == TaskExecuting:
		t.state = TaskExecuting
		w.executing[t.key] = struct{}{}

	case from == TaskReady && to == TaskMemory:
		w.ready.Remove(t)
		t.state = TaskMemory
		w.sendTaskFinishedLocked(t.key)
		w.settleLocked(t.key)

	case from == TaskExecuting && to == TaskMemory:
		delete(w.executing, t.key)
		t.state = TaskMemory

	default:
		w.logger.Debugf("Invalid task transition for %s: %s -> %s", t.key, from, to)
	}
}

// transitionDep moves a dependency to a new state. addr names the
// peer for transitions into flight.
func (w *Worker) transitionDepLocked(d *Dep, to DepState, addr string) {
	from := d.state

	switch {
	case from == DepWaiting && to == DepFlight:
		d.state = DepFlight
		d.worker = addr
		w.inFlightTasks[d.key] = addr
		if _, ok := w.inFlightWorkers[addr]; !ok {
			w.inFlightWorkers[addr] = map[string]struct{}{}
		}
		w.inFlightWorkers[addr][d.key] = struct{}{}

	case from == DepFlight && to == DepMemory:
		w.clearFlightLocked(d)
		d.state = DepMemory
		delete(w.suspicious, d.key)
		w.depInMemoryLocked(d)

	case from == DepFlight && to == DepWaiting:
		w.clearFlightLocked(d)
		d.state = DepWaiting

	case from == DepWaiting && to == DepMemory:
		d.state = DepMemory
		delete(w.suspicious, d.key)
		w.depInMemoryLocked(d)

	default:
		// memory -> flight in particular is forbidden: a value in
		// memory is never refetched.
		w.logger.Debugf("Invalid dep transition for %s: %s -> %s", d.key, from, to)
	}
}

func (w *Worker) clearFlightLocked(d *Dep) {
	addr := d.worker
	d.worker = ""
	delete(w.inFlightTasks, d.key)
	if keys, ok := w.inFlightWorkers[addr]; ok {
		delete(keys, d.key)
		if len(keys) == 0 {
			delete(w.inFlightWorkers, addr)
		}
	}
}

// requeueDep puts the waiting dependents of a dependency back on the
// needed-data queue so the fetch loop revisits them.
func (w *Worker) requeueDepLocked(d *Dep) {
	for _, t := range d.dependents {
		if t.state != TaskWaiting {
			continue
		}

		queued := false
		for _, key := range w.dataNeeded {
			if key == t.key {
				queued = true
				break
			}
		}
		if !queued {
			w.dataNeeded = append(w.dataNeeded, t.key)
		}
	}
}

// depInMemory unblocks dependents whose last missing input arrived.
func (w *Worker) depInMemoryLocked(d *Dep) {
	for _, t := range d.dependents {
		delete(t.waitingForData, d.key)
		if len(t.waitingForData) == 0 && t.state == TaskWaiting {
			w.transitionTaskLocked(t, TaskReady)
		}
	}
}

///////////////////////////////////////////////////////////////////////////
// Fetch loop
///////////////////////////////////////////////////////////////////////////

// ensureCommunicating dispatches fetches for needed data, at most
// Connections peers at a time.
func (w *Worker) ensureCommunicatingLocked() {
	for len(w.dataNeeded) > 0 && len(w.inFlightWorkers) < w.config.Connections {
		key := w.dataNeeded[0]

		t, ok := w.tasks[key]
		if !ok || t.state != TaskWaiting {
			w.dataNeeded = w.dataNeeded[1:]
			continue
		}

		var missing []*Dep
		var fetchable []*Dep
		for dk := range t.waitingForData {
			d, ok := w.deps[dk]
			if !ok || d.state != DepWaiting {
				continue
			}
			if len(d.whoHas) == 0 {
				if _, pending := w.missingDepFlight[dk]; !pending {
					missing = append(missing, d)
				}
				continue
			}
			fetchable = append(fetchable, d)
		}

		if len(missing) > 0 {
			w.recoverMissingLocked(missing)
		}

		if len(fetchable) == 0 {
			w.dataNeeded = w.dataNeeded[1:]
			continue
		}

		dispatchedAll := true
		for _, d := range fetchable {
			if len(w.inFlightWorkers) >= w.config.Connections {
				dispatchedAll = false
				break
			}
			if d.state != DepWaiting {
				// Piggybacked onto an earlier fetch this round.
				continue
			}

			addr, ok := w.selectPeerLocked(d)
			if !ok {
				// Every advertised peer is busy right now.
				dispatchedAll = false
				continue
			}

			batch := w.selectKeysForGatherLocked(addr, d)
			keys := make([]string, 0, len(batch))
			for _, bd := range batch {
				w.transitionDepLocked(bd, DepFlight, addr)
				keys = append(keys, bd.key)
			}

			w.logger.Debugf("Gathering %d keys from %s for %s", len(keys), addr, key)
			go w.gatherDep(addr, keys, key)
		}

		if !dispatchedAll {
			break
		}
		w.dataNeeded = w.dataNeeded[1:]
	}
}

// selectPeer picks a random advertised peer with no fetch open.
func (w *Worker) selectPeerLocked(d *Dep) (string, bool) {
	candidates := make([]string, 0, len(d.whoHas))
	for addr := range d.whoHas {
		if _, busy := w.inFlightWorkers[addr]; !busy {
			candidates = append(candidates, addr)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[rand.Intn(len(candidates))], true
}

// selectKeysForGather seeds a fetch with one dependency and
// opportunistically adds other waiting keys wanted from the same peer.
func (w *Worker) selectKeysForGatherLocked(addr string, seed *Dep) []*Dep {
	batch := []*Dep{seed}
	taken := map[string]struct{}{seed.key: {}}

	kept := w.pendingDataPerWorker[addr][:0:0]
	for _, pk := range w.pendingDataPerWorker[addr] {
		if _, ok := taken[pk]; ok {
			continue
		}

		d, exists := w.deps[pk]
		if !exists {
			continue
		}
		if len(batch) >= maxGatherBatch || d.state != DepWaiting {
			kept = append(kept, pk)
			continue
		}
		if _, has := d.whoHas[addr]; !has {
			kept = append(kept, pk)
			continue
		}

		batch = append(batch, d)
		taken[pk] = struct{}{}
	}
	w.pendingDataPerWorker[addr] = kept

	return batch
}

// gatherDep fetches a batch of keys from one peer and feeds the
// outcome back into the state maps.
func (w *Worker) gatherDep(addr string, keys []string, cause string) {
	response, err := w.rpc.Call(addr, protocol.Msg{
		"op":   protocol.OpGetData,
		"keys": keys,
		"who":  w.addressString(),
	})

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.status == statusClosed {
		return
	}

	if err != nil {
		w.logger.Warnf("Could not gather %d keys from %s: %v", len(keys), addr, err)
		w.evictPeerLocked(addr, keys)
	} else {
		data, _ := response.(map[string]any)
		w.gatherResponseLocked(addr, keys, protocol.Msg(data))
	}

	w.ensureComputingLocked()
	w.ensureCommunicatingLocked()
}

func (w *Worker) gatherResponseLocked(addr string, keys []string, data protocol.Msg) {
	gathered := []string{}

	for _, key := range keys {
		d, ok := w.deps[key]
		if !ok {
			continue
		}
		if d.state != DepFlight || d.worker != addr {
			continue
		}

		if blob := data.Bytes(key); blob != nil {
			w.store.Put(key, blob)
			w.transitionDepLocked(d, DepMemory, "")
			gathered = append(gathered, key)
			continue
		}

		// The peer no longer holds the value.
		w.transitionDepLocked(d, DepWaiting, "")
		w.removePeerForDepLocked(d, addr)
		w.suspicious[key]++
		w.requeueDepLocked(d)
		if len(d.whoHas) == 0 {
			w.recoverMissingLocked([]*Dep{d})
		}
	}

	if len(gathered) > 0 {
		w.sendToSchedulerLocked(protocol.Msg{
			"op":   protocol.OpAddKeys,
			"keys": gathered,
		})
	}
}

// evictPeer drops a dead peer from the index and requeues the deps
// that were in flight from it.
func (w *Worker) evictPeerLocked(addr string, keys []string) {
	for _, key := range keys {
		d, ok := w.deps[key]
		if !ok || d.state != DepFlight || d.worker != addr {
			continue
		}
		w.transitionDepLocked(d, DepWaiting, "")
		w.suspicious[key]++
		w.requeueDepLocked(d)
	}

	// The peer is not consulted again until re-advertised.
	for key := range w.hasWhat[addr] {
		if d, ok := w.deps[key]; ok {
			delete(d.whoHas, addr)
		}
	}
	delete(w.hasWhat, addr)
	delete(w.pendingDataPerWorker, addr)

	var orphaned []*Dep
	for _, key := range keys {
		d, ok := w.deps[key]
		if !ok {
			continue
		}
		if len(d.whoHas) == 0 && d.state == DepWaiting {
			if _, pending := w.missingDepFlight[key]; !pending {
				orphaned = append(orphaned, d)
			}
		}
	}
	if len(orphaned) > 0 {
		w.recoverMissingLocked(orphaned)
	}
}

///////////////////////////////////////////////////////////////////////////
// Missing dependency recovery
///////////////////////////////////////////////////////////////////////////

// recoverMissing asks the scheduler where unlocatable dependencies
// live. Dependencies that stay unlocatable too often are poisoned and
// their dependents failed.
func (w *Worker) recoverMissingLocked(missing []*Dep) {
	keys := make([]string, 0, len(missing))
	for _, d := range missing {
		w.suspicious[d.key]++
		w.missingDepFlight[d.key] = struct{}{}
		keys = append(keys, d.key)
	}

	w.logger.Infof("Dependencies %v unknown, asking scheduler", keys)

	if w.config.Scheduler == "" {
		go func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			w.recoveryReplyLocked(keys, nil)
		}()
		return
	}

	go func() {
		response, err := comm.Call(w.config.Scheduler, protocol.Msg{
			"op":   protocol.OpWhoHas,
			"keys": keys,
		})

		var reply map[string][]string
		if err != nil {
			w.logger.Warnf("who_has query failed: %v", err)
		} else if m, ok := response.(map[string]any); ok {
			reply = protocol.Msg{"who_has": m}.WhoHas("who_has")
		}

		w.mu.Lock()
		defer w.mu.Unlock()
		if w.status == statusClosed {
			return
		}
		w.recoveryReplyLocked(keys, reply)
		w.ensureComputingLocked()
		w.ensureCommunicatingLocked()
	}()
}

func (w *Worker) recoveryReplyLocked(keys []string, whoHas map[string][]string) {
	for _, key := range keys {
		delete(w.missingDepFlight, key)

		d, ok := w.deps[key]
		if !ok || d.state != DepWaiting {
			continue
		}

		if w.suspicious[key] > 3 {
			w.poisonDepLocked(d)
			continue
		}

		addrs := whoHas[key]
		if len(addrs) == 0 {
			// The scheduler does not know the key either.
			w.logger.Warnf("No workers found for %s, releasing dependents", key)
			w.releaseOrphanedDepLocked(d)
			continue
		}

		for _, addr := range addrs {
			w.addPeerForDepLocked(d, addr)
		}
		w.requeueDepLocked(d)
	}
}

// poisonDep fails every dependent task with a synthetic error.
func (w *Worker) poisonDepLocked(d *Dep) {
	w.logger.Errorf("Dependency %s cannot be found anywhere, marking as bad", d.key)

	exception := fmt.Sprintf("DependencyPoisoned: could not locate %s on any peer", d.key)

	dependents := make([]*Task, 0, len(d.dependents))
	for _, t := range d.dependents {
		dependents = append(dependents, t)
	}
	for _, t := range dependents {
		w.failTaskLocked(t, exception, "")
	}

	w.releaseDepLocked(d)
}

// releaseOrphanedDep releases a dependency nobody can provide,
// cascading to its dependent tasks. The released tasks are reported.
func (w *Worker) releaseOrphanedDepLocked(d *Dep) {
	dependents := make([]*Task, 0, len(d.dependents))
	for _, t := range d.dependents {
		dependents = append(dependents, t)
	}
	for _, t := range dependents {
		w.releaseTaskLocked(t.key, "missing-dependency", true)
	}

	w.releaseDepLocked(d)
}

// failTask settles a task with an error outcome. The error is the
// value dependents observe.
func (w *Worker) failTaskLocked(t *Task, exception, traceback string) {
	w.dropFromQueuesLocked(t)

	blob, err := protocol.Encode(map[string]any{
		"exception": exception,
		"traceback": traceback,
	})
	if err != nil {
		blob = []byte(exception)
	}

	w.store.Put(t.key, blob)
	t.state = TaskMemory
	t.waitingForData = map[string]struct{}{}

	if d, ok := w.deps[t.key]; ok && d.state != DepMemory {
		w.transitionDepLocked(d, DepMemory, "")
	}

	w.sendToSchedulerLocked(protocol.Msg{
		"op":        protocol.OpTaskErred,
		"key":       t.key,
		"exception": exception,
		"traceback": traceback,
	})
	w.settleLocked(t.key)
}

///////////////////////////////////////////////////////////////////////////
// Execute loop
///////////////////////////////////////////////////////////////////////////

// ensureComputing drains the ready queue onto free executor threads.
func (w *Worker) ensureComputingLocked() {
	for w.ready.Len() > 0 && len(w.executing) < w.config.Threads {
		t := w.ready.Pop()
		if t.state != TaskReady {
			continue
		}

		w.transitionTaskLocked(t, TaskExecuting)

		function := t.functionV
		args := t.argsV
		kwargs := t.kwargsV
		data := w.dependencyDataLocked(t)
		key := t.key

		w.executors.Submit(func() {
			w.runTask(key, function, args, kwargs, data)
		})
	}
}

// dependencyData decodes the local values of a task's dependencies.
func (w *Worker) dependencyDataLocked(t *Task) map[string]any {
	data := map[string]any{}
	for dk := range t.dependencies {
		blob, ok := w.store.Get(dk)
		if !ok {
			continue
		}
		value, err := protocol.Decode(blob)
		if err != nil {
			w.logger.Errorf("Cannot decode value of %s: %v", dk, err)
			continue
		}
		data[dk] = value
	}
	return data
}

// runTask executes one task on a pool thread.
func (w *Worker) runTask(key string, function any, args []any, kwargs map[string]any, data map[string]any) {
	packedArgs, _ := PackData(args, data).([]any)
	packedKwargs, _ := PackData(kwargs, data).(map[string]any)

	value, err := w.executor.Execute(context.Background(), function, packedArgs, packedKwargs)
	w.executeDone(key, value, err)
}

// executeDone funnels an executor completion back into the state
// maps. Completions for released tasks are discarded.
func (w *Worker) executeDone(key string, value any, execErr error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.status == statusClosed {
		return
	}

	t, ok := w.tasks[key]
	if !ok || t.state != TaskExecuting {
		w.logger.Debugf("Discarding result of released task %s", key)
		return
	}

	if execErr != nil {
		w.logger.Warnf("Task %s erred: %v", key, execErr)
		delete(w.executing, key)
		w.failTaskLocked(t, execErr.Error(), "")
	} else {
		blob, err := protocol.Encode(value)
		if err != nil {
			delete(w.executing, key)
			w.failTaskLocked(t, fmt.Sprintf("SerializationError: %v", err), "")
		} else {
			w.store.Put(key, blob)
			w.transitionTaskLocked(t, TaskMemory)

			if d, ok := w.deps[key]; ok && d.state != DepMemory {
				w.transitionDepLocked(d, DepMemory, "")
			}

			w.sendTaskFinishedLocked(key)
			w.settleLocked(key)
		}
	}

	w.ensureComputingLocked()
	w.ensureCommunicatingLocked()
}

///////////////////////////////////////////////////////////////////////////
// Release paths
///////////////////////////////////////////////////////////////////////////

// releaseTask removes a task in any state. A release with reason
// "stolen" is ignored while the task is executing or already done.
func (w *Worker) releaseTaskLocked(key, reason string, report bool) {
	t, ok := w.tasks[key]
	if !ok {
		return
	}

	if reason == "stolen" && (t.state == TaskExecuting || t.state == TaskMemory) {
		w.logger.Debugf("Not releasing stolen task %s in state %s", key, t.state)
		return
	}

	w.logger.Debugf("Release task %s (%s)", key, reason)

	w.dropFromQueuesLocked(t)
	delete(w.tasks, key)

	// The value stays when other tasks still need it as a dependency.
	if _, isDep := w.deps[key]; !isDep {
		w.store.Delete(key)
	}

	for _, d := range t.dependencies {
		delete(d.dependents, key)
		if len(d.dependents) == 0 {
			if _, isTask := w.tasks[d.key]; !isTask {
				w.releaseDepLocked(d)
			}
		}
	}

	if report {
		w.sendToSchedulerLocked(protocol.Msg{
			"op":    protocol.OpRelease,
			"key":   key,
			"cause": reason,
		})
	}

	w.settleReleasedLocked(key, reason)
}

func (w *Worker) dropFromQueuesLocked(t *Task) {
	if t.state == TaskReady {
		w.ready.Remove(t)
	}
	delete(w.executing, t.key)

	kept := w.dataNeeded[:0:0]
	for _, key := range w.dataNeeded {
		if key != t.key {
			kept = append(kept, key)
		}
	}
	w.dataNeeded = kept
}

// releaseDep removes a dependency and its index entries.
func (w *Worker) releaseDepLocked(d *Dep) {
	if d.state == DepFlight {
		w.clearFlightLocked(d)
	}

	for addr := range d.whoHas {
		if keys, ok := w.hasWhat[addr]; ok {
			delete(keys, d.key)
			if len(keys) == 0 {
				delete(w.hasWhat, addr)
			}
		}
	}

	delete(w.deps, d.key)
	delete(w.suspicious, d.key)
	delete(w.missingDepFlight, d.key)

	for _, t := range d.dependents {
		delete(t.waitingForData, d.key)
		delete(t.dependencies, d.key)
	}

	if _, isTask := w.tasks[d.key]; !isTask {
		w.store.Delete(d.key)
	}
}

///////////////////////////////////////////////////////////////////////////
// Peer index
///////////////////////////////////////////////////////////////////////////

// addPeerForDep records addr as a holder of the dependency, keeping
// who_has and has_what symmetric.
func (w *Worker) addPeerForDepLocked(d *Dep, addr string) {
	if addr == w.addressString() {
		return
	}

	if d.whoHas == nil {
		d.whoHas = map[string]struct{}{}
	}
	if _, ok := d.whoHas[addr]; ok {
		return
	}

	d.whoHas[addr] = struct{}{}
	if _, ok := w.hasWhat[addr]; !ok {
		w.hasWhat[addr] = map[string]struct{}{}
	}
	w.hasWhat[addr][d.key] = struct{}{}
	w.pendingDataPerWorker[addr] = append(w.pendingDataPerWorker[addr], d.key)
}

func (w *Worker) removePeerForDepLocked(d *Dep, addr string) {
	delete(d.whoHas, addr)
	if keys, ok := w.hasWhat[addr]; ok {
		delete(keys, d.key)
		if len(keys) == 0 {
			delete(w.hasWhat, addr)
		}
	}
}

///////////////////////////////////////////////////////////////////////////
// Scheduler messaging and futures
///////////////////////////////////////////////////////////////////////////

func (w *Worker) sendTaskFinishedLocked(key string) {
	w.sendToSchedulerLocked(protocol.Msg{
		"op":     protocol.OpTaskFinished,
		"status": protocol.StatusOK,
		"key":    key,
		"nbytes": w.store.NBytes(key),
	})
}

// sendToScheduler queues a message on the batched stream. The stream
// only exists after the scheduler opened a compute-stream; sending
// earlier is a programmer error and logged loudly.
func (w *Worker) sendToSchedulerLocked(msg protocol.Msg) {
	if w.batched == nil {
		w.logger.Errorf("No batched stream, dropping %s message", msg.Op())
		return
	}

	if err := w.batched.Send(msg); err != nil {
		w.logger.Debugf("Cannot send %s message: %v", msg.Op(), err)
	}
}

func (w *Worker) resultLocked(key string) TaskResult {
	result := TaskResult{Key: key, Status: protocol.StatusOK}

	blob, ok := w.store.Get(key)
	if !ok {
		result.Status = protocol.StatusError
		return result
	}

	result.Value = blob
	if value, err := protocol.Decode(blob); err == nil {
		if m, ok := value.(map[string]any); ok {
			if exc, ok := m["exception"]; ok {
				result.Status = protocol.StatusError
				result.Exception = fmt.Sprint(exc)
				result.Traceback = protocol.Msg(m).String("traceback")
			}
		}
	}
	return result
}

// settle delivers the task outcome to its subscribers.
func (w *Worker) settleLocked(key string) {
	subs := w.futures[key]
	if len(subs) == 0 {
		return
	}
	delete(w.futures, key)

	result := w.resultLocked(key)
	for _, ch := range subs {
		ch <- result
	}
}

func (w *Worker) settleReleasedLocked(key, reason string) {
	subs := w.futures[key]
	if len(subs) == 0 {
		return
	}
	delete(w.futures, key)

	result := TaskResult{Key: key, Status: "released", Exception: reason}
	for _, ch := range subs {
		ch <- result
	}
}

// counts returns queue sizes for heartbeats and diagnostics.
func (w *Worker) counts() (executing, ready, inMemory, inFlight int) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	inMemory = 0
	for _, t := range w.tasks {
		if t.state == TaskMemory {
			inMemory++
		}
	}
	return len(w.executing), w.ready.Len(), inMemory, len(w.inFlightTasks)
}
