package worker

import (
	"fmt"
	"time"

	"github.com/taskmesh/worker/pkg/comm"
	"github.com/taskmesh/worker/pkg/protocol"
)

// register announces the worker to the scheduler with a one-shot RPC.
// Anything but an OK reply is a hard failure.
func (w *Worker) register() error {
	executing, ready, inMemory, inFlight := w.counts()

	services := map[string]any{}
	if w.config.HttpPort > 0 {
		services["http"] = w.config.HttpPort
	}

	response, err := comm.Call(w.config.Scheduler, protocol.Msg{
		"op":           protocol.OpRegister,
		"address":      w.addressString(),
		"name":         w.config.Name,
		"ncores":       w.config.Threads,
		"keys":         w.store.Keys(),
		"memory_limit": w.config.MemoryLimit,
		"now":          float64(time.Now().UnixNano()) / 1e9,
		"executing":    executing,
		"ready":        ready,
		"in_memory":    inMemory,
		"in_flight":    inFlight,
		"services":     services,
	})
	if err != nil {
		return err
	}

	if !isOK(response) {
		return fmt.Errorf("scheduler rejected registration: %v", response)
	}

	w.logger.Infof("Registered with scheduler at %s", w.config.Scheduler)
	return nil
}

func isOK(response any) bool {
	switch v := response.(type) {
	case string:
		return v == protocol.StatusOK
	case []byte:
		return string(v) == protocol.StatusOK
	case map[string]any:
		return protocol.Msg(v).String("status") == protocol.StatusOK
	}
	return false
}

// heartbeatLoop reports queue sizes on the batched stream until the
// worker closes. Beats before the stream exists are skipped.
func (w *Worker) heartbeatLoop() {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.closed:
			return

		case <-ticker.C:
			executing, ready, inMemory, inFlight := w.counts()

			w.mu.Lock()
			if w.batched != nil {
				w.sendToSchedulerLocked(protocol.Msg{
					"op":        protocol.OpHeartbeat,
					"address":   w.addressString(),
					"now":       float64(time.Now().UnixNano()) / 1e9,
					"executing": executing,
					"ready":     ready,
					"in_memory": inMemory,
					"in_flight": inFlight,
				})
			}
			w.mu.Unlock()
		}
	}
}
