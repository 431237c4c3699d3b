package worker

import (
	"errors"
	"io"

	"github.com/taskmesh/worker/pkg/comm"
	"github.com/taskmesh/worker/pkg/protocol"
)

// serveConn handles one accepted connection. Request/reply messages
// are dispatched by op until the peer goes away or the connection
// switches into compute-stream mode.
func (w *Worker) serveConn(conn *comm.Conn) {
	defer conn.Close()

	for {
		msgs, err := conn.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				w.logger.Debugf("Connection from %s failed: %v", conn.Addr(), err)
			}
			return
		}

		for _, m := range msgs {
			raw, ok := m.(map[string]any)
			if !ok {
				w.logger.Warnf("Dropping non-map message from %s", conn.Addr())
				continue
			}

			msg := protocol.Msg(raw)
			if msg.Op() == protocol.OpComputeStream {
				w.computeStream(conn)
				return
			}

			if done := w.handleMsg(conn, msg); done {
				return
			}
		}
	}
}

// handleMsg dispatches one request/reply message. It returns true
// when the connection should close afterwards.
func (w *Worker) handleMsg(conn *comm.Conn, msg protocol.Msg) bool {
	switch msg.Op() {
	case protocol.OpGetData:
		w.handleGetData(conn, msg)

	case protocol.OpGather:
		w.handleGather(conn, msg)

	case protocol.OpUpdateData:
		w.handleUpdateData(conn, msg)

	case protocol.OpDeleteData:
		w.handleDeleteData(msg)

	case protocol.OpKeys:
		w.reply(conn, msg, w.store.Keys())

	case protocol.OpTerminate:
		if msg.Bool("reply", true) {
			conn.Send([]byte(protocol.StatusOK))
		}
		w.Close(msg.Bool("report", true))
		return true

	case protocol.OpClose:
		if msg.Bool("reply", false) {
			conn.Send([]byte(protocol.StatusOK))
		}
		return true

	default:
		// Unknown ops are dropped, the connection survives.
		w.logger.Warnf("Unknown operation %q from %s", msg.Op(), conn.Addr())
	}
	return false
}

// reply sends a response unless the request opted out.
func (w *Worker) reply(conn *comm.Conn, msg protocol.Msg, response any) {
	if !msg.Bool("reply", true) {
		return
	}
	if err := conn.Send(response); err != nil {
		w.logger.Debugf("Cannot reply to %s: %v", conn.Addr(), err)
	}
}

// handleGetData serves values from the data store to a peer.
func (w *Worker) handleGetData(conn *comm.Conn, msg protocol.Msg) {
	keys := msg.Keys("keys")
	who := msg.String("who")

	response := map[string]any{}
	for _, key := range keys {
		if blob, ok := w.store.Get(key); ok {
			response[key] = blob
		}
	}

	w.logger.Debugf("Serving %d of %d keys to %s", len(response), len(keys), who)
	w.reply(conn, msg, response)
}

// handleGather fetches the given keys from peers into the local store.
func (w *Worker) handleGather(conn *comm.Conn, msg protocol.Msg) {
	whoHas := msg.WhoHas("who_has")

	needed := map[string][]string{}
	for key, addrs := range whoHas {
		if !w.store.Has(key) {
			needed[key] = addrs
		}
	}

	results, badKeys, missingWorkers := GatherFromWorkers(needed, w.rpc, w.addressString(), w.logger)
	for key, blob := range results {
		w.store.Put(key, blob)
	}

	if len(badKeys) > 0 {
		w.logger.Warnf("Could not gather keys %v from %v", badKeys, missingWorkers)
		w.reply(conn, msg, protocol.Msg{
			"status": protocol.StatusMissingData,
			"keys":   badKeys,
		})
		return
	}

	w.reply(conn, msg, protocol.Msg{"status": protocol.StatusOK})
}

// handleUpdateData deposits scattered values into the store and
// unblocks anything waiting for them.
func (w *Worker) handleUpdateData(conn *comm.Conn, msg protocol.Msg) {
	data, _ := msg["data"].(map[string]any)

	nbytes := map[string]any{}
	keys := make([]string, 0, len(data))

	w.mu.Lock()
	for key, v := range data {
		blob := protocol.Msg(data).Bytes(key)
		if blob == nil {
			if encoded, err := protocol.Encode(v); err == nil {
				blob = encoded
			} else {
				continue
			}
		}

		w.store.Put(key, blob)
		nbytes[key] = int64(len(blob))
		keys = append(keys, key)

		if d, ok := w.deps[key]; ok && d.state != DepMemory {
			w.transitionDepLocked(d, DepMemory, "")
		}

		if t, ok := w.tasks[key]; ok {
			switch t.state {
			case TaskWaiting, TaskReady:
				t.waitingForData = map[string]struct{}{}
				w.transitionTaskLocked(t, TaskMemory)
			}
		}
	}

	if msg.Bool("report", false) && w.batched != nil {
		w.sendToSchedulerLocked(protocol.Msg{
			"op":   protocol.OpAddKeys,
			"keys": keys,
		})
	}

	w.ensureComputingLocked()
	w.ensureCommunicatingLocked()
	w.mu.Unlock()

	w.reply(conn, msg, protocol.Msg{
		"status": protocol.StatusOK,
		"nbytes": nbytes,
	})
}

// handleDeleteData evicts values on scheduler request. No reply.
func (w *Worker) handleDeleteData(msg protocol.Msg) {
	keys := msg.Keys("keys")

	w.mu.Lock()
	for _, key := range keys {
		if d, ok := w.deps[key]; ok {
			w.releaseDepLocked(d)
		}
		if t, ok := w.tasks[key]; ok && t.state == TaskMemory {
			delete(w.tasks, key)
		}
		w.store.Delete(key)
	}
	w.mu.Unlock()

	w.logger.Debugf("Deleted %d keys", len(keys))
}
