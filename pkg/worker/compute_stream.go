package worker

import (
	"errors"
	"io"

	"github.com/taskmesh/worker/pkg/comm"
	"github.com/taskmesh/worker/pkg/protocol"
)

// computeStream switches an accepted connection into compute-stream
// mode: the scheduler pushes compute-task, release-task and
// delete-data messages, and the worker coalesces its state reports
// onto the same socket through the batched sender.
func (w *Worker) computeStream(conn *comm.Conn) {
	w.mu.Lock()
	if w.batched == nil {
		w.batched = comm.NewBatchedSender(conn, w.config.BatchInterval)
	}
	w.mu.Unlock()

	w.logger.Info("Compute stream opened")

	for {
		msgs, err := conn.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Clean close; the worker stays up.
				w.logger.Info("Compute stream closed")
				return
			}

			// A scheduler connection lost mid-message takes the
			// worker down.
			w.logger.Errorf("Compute stream lost: %v", err)
			w.Close(false)
			return
		}

		for _, m := range msgs {
			raw, ok := m.(map[string]any)
			if !ok {
				w.logger.Warnf("Dropping non-map message on compute stream")
				continue
			}

			msg := protocol.Msg(raw)
			switch msg.Op() {
			case protocol.OpComputeTask:
				w.addTask(msg)

			case protocol.OpReleaseTask:
				w.mu.Lock()
				w.releaseTaskLocked(msg.String("key"), msg.String("reason"), false)
				w.ensureComputingLocked()
				w.ensureCommunicatingLocked()
				w.mu.Unlock()

			case protocol.OpStreamDeleteData:
				w.handleDeleteData(msg)

			case protocol.OpClose:
				w.logger.Info("Compute stream closed")
				return

			default:
				w.logger.Warnf("Unknown operation %q on compute stream", msg.Op())
			}
		}
	}
}

// addTask registers a task pushed by the scheduler. Tasks whose
// payloads do not deserialize err immediately and never enter the
// state maps.
func (w *Worker) addTask(msg protocol.Msg) {
	key := msg.String("key")
	if key == "" {
		w.logger.Warnf("Dropping compute-task without a key")
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.tasks[key]; ok {
		// A resubmitted completed task is acknowledged again but not
		// re-executed.
		if t.state == TaskMemory {
			w.sendTaskFinishedLocked(key)
		}
		return
	}

	t := &Task{
		key:            key,
		state:          TaskWaiting,
		function:       msg.Bytes("function"),
		args:           msg.Bytes("args"),
		kwargs:         msg.Bytes("kwargs"),
		dependencies:   map[string]*Dep{},
		waitingForData: map[string]struct{}{},
	}

	if err := w.deserializeTaskLocked(t); err != nil {
		w.logger.Warnf("Cannot deserialize task %s: %v", key, err)
		w.sendToSchedulerLocked(protocol.Msg{
			"op":        protocol.OpTaskErred,
			"key":       key,
			"exception": "DeserializationFailed: " + err.Error(),
			"traceback": "",
		})
		return
	}

	w.priorityCounter--
	t.priority = foldPriority(msg.Priority("priority"), w.priorityCounter)

	w.tasks[key] = t

	if w.store.Has(key) {
		// The value is already local.
		t.state = TaskMemory
		w.sendTaskFinishedLocked(key)
		w.settleLocked(key)
		return
	}

	for dk, addrs := range msg.WhoHas("who_has") {
		if dk == key {
			continue
		}

		d, ok := w.deps[dk]
		if !ok {
			d = &Dep{
				key:        dk,
				state:      DepWaiting,
				whoHas:     map[string]struct{}{},
				dependents: map[string]*Task{},
			}
			w.deps[dk] = d
		}

		// Values computed or fetched earlier are already local.
		if d.state == DepWaiting && w.store.Has(dk) {
			d.state = DepMemory
		}

		d.dependents[key] = t
		t.dependencies[dk] = d
		if d.state != DepMemory {
			t.waitingForData[dk] = struct{}{}
		}

		for _, addr := range addrs {
			w.addPeerForDepLocked(d, addr)
		}
	}

	w.logger.Debugf("Add task %s with %d pending dependencies", key, len(t.waitingForData))

	if len(t.waitingForData) == 0 {
		w.transitionTaskLocked(t, TaskReady)
	} else {
		w.dataNeeded = append(w.dataNeeded, key)
	}

	w.ensureComputingLocked()
	w.ensureCommunicatingLocked()
}

// deserializeTask decodes the opaque payloads once, at add time.
func (w *Worker) deserializeTaskLocked(t *Task) error {
	if len(t.function) > 0 {
		v, err := protocol.Decode(t.function)
		if err != nil {
			return err
		}
		t.functionV = v
	}

	if len(t.args) > 0 {
		v, err := protocol.Decode(t.args)
		if err != nil {
			return err
		}
		args, ok := v.([]any)
		if !ok {
			args = []any{v}
		}
		t.argsV = args
	}

	if len(t.kwargs) > 0 {
		v, err := protocol.Decode(t.kwargs)
		if err != nil {
			return err
		}
		kwargs, _ := v.(map[string]any)
		t.kwargsV = kwargs
	}

	return nil
}

// foldPriority inserts the arrival counter into the scheduler
// priority tuple at index two. Tuples shorter than two get the counter
// appended at the end.
func foldPriority(priority []int64, counter int64) []int64 {
	folded := make([]int64, 0, len(priority)+1)

	n := len(priority)
	if n > 2 {
		n = 2
	}
	folded = append(folded, priority[:n]...)
	folded = append(folded, counter)
	folded = append(folded, priority[n:]...)
	return folded
}
