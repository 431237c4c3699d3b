package worker

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/taskmesh/worker/pkg/comm"
	"github.com/taskmesh/worker/pkg/protocol"
)

// A stub scheduler answering register, unregister and who_has RPCs.
type stubScheduler struct {
	listener net.Listener

	mu        sync.Mutex
	registers []protocol.Msg
	whoHas    map[string][]string
}

func newStubScheduler(t *testing.T) *stubScheduler {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &stubScheduler{
		listener: listener,
		whoHas:   map[string][]string{},
	}

	go func() {
		for {
			nc, err := listener.Accept()
			if err != nil {
				return
			}
			go s.serve(comm.NewConn(nc))
		}
	}()

	t.Cleanup(func() { listener.Close() })
	return s
}

func (s *stubScheduler) serve(conn *comm.Conn) {
	defer conn.Close()

	for {
		msg, err := conn.RecvMsg()
		if err != nil {
			return
		}

		switch msg.Op() {
		case protocol.OpRegister:
			s.mu.Lock()
			s.registers = append(s.registers, msg)
			s.mu.Unlock()
			conn.Send([]byte(protocol.StatusOK))

		case protocol.OpUnregister:
			conn.Send([]byte(protocol.StatusOK))

		case protocol.OpWhoHas:
			response := map[string]any{}
			s.mu.Lock()
			for _, key := range msg.Keys("keys") {
				response[key] = s.whoHas[key]
			}
			s.mu.Unlock()
			conn.Send(response)

		default:
			conn.Send([]byte(protocol.StatusOK))
		}
	}
}

func (s *stubScheduler) Addr() string {
	return "tcp://" + s.listener.Addr().String()
}

func (s *stubScheduler) SetWhoHas(key string, addrs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.whoHas[key] = addrs
}

func (s *stubScheduler) Registers() []protocol.Msg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Msg{}, s.registers...)
}

// slowPeer accepts connections and reads requests without ever
// answering them.
func slowPeer(t *testing.T) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			nc, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				buf := make([]byte, 1024)
				for {
					if _, err := nc.Read(buf); err != nil {
						nc.Close()
						return
					}
				}
			}()
		}
	}()

	return "tcp://" + listener.Addr().String()
}

type WorkerSuite struct {
	suite.Suite

	scheduler *stubScheduler
	worker    *Worker
	executor  *RegistryExecutor
	execCount atomic.Int64

	stream *comm.Conn
	events chan protocol.Msg
}

func (s *WorkerSuite) SetupTest() {
	s.scheduler = newStubScheduler(s.T())
	s.execCount.Store(0)

	s.executor = NewRegistryExecutor()
	s.executor.RegisterFunc("slow", func(args []any, kwargs map[string]any) (any, error) {
		time.Sleep(300 * time.Millisecond)
		return int64(1), nil
	})
	s.executor.RegisterFunc("count", func(args []any, kwargs map[string]any) (any, error) {
		return s.execCount.Add(1), nil
	})

	config := &Config{
		Name:              "test-worker",
		Listen:            "tcp://127.0.0.1:0",
		Scheduler:         s.scheduler.Addr(),
		Threads:           2,
		BatchInterval:     time.Millisecond,
		HeartbeatInterval: time.Hour,
		SpillDir:          s.T().TempDir(),
	}

	w, err := New(config, s.executor)
	require.NoError(s.T(), err)
	require.NoError(s.T(), w.Start())
	s.worker = w

	stream, err := comm.Dial(w.Address())
	require.NoError(s.T(), err)
	require.NoError(s.T(), stream.Send(protocol.Msg{"op": protocol.OpComputeStream}))
	s.stream = stream

	s.events = make(chan protocol.Msg, 256)
	go func() {
		for {
			msgs, err := stream.Recv()
			if err != nil {
				return
			}
			for _, m := range msgs {
				if raw, ok := m.(map[string]any); ok {
					s.events <- protocol.Msg(raw)
				}
			}
		}
	}()
}

func (s *WorkerSuite) TearDownTest() {
	s.worker.Close(false)
	s.stream.Close()
}

// computeTask pushes a compute-task message on the stream.
func (s *WorkerSuite) computeTask(key, function string, args []any, whoHas map[string][]string, priority []int64) {
	fnBlob, err := protocol.Encode(function)
	require.NoError(s.T(), err)
	argsBlob, err := protocol.Encode(args)
	require.NoError(s.T(), err)

	msg := protocol.Msg{
		"op":       protocol.OpComputeTask,
		"key":      key,
		"function": fnBlob,
		"args":     argsBlob,
		"priority": priority,
	}
	if whoHas != nil {
		msg["who_has"] = whoHas
	}

	require.NoError(s.T(), s.stream.Send(msg))
}

// awaitOp waits for the next message matching op (and key, if given).
func (s *WorkerSuite) awaitOp(op, key string, timeout time.Duration) protocol.Msg {
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-s.events:
			if msg.Op() != op {
				continue
			}
			if key != "" && msg.String("key") != key {
				continue
			}
			return msg

		case <-deadline:
			s.T().Fatalf("timed out waiting for %s %s", op, key)
			return nil
		}
	}
}

// expectNoOp asserts that no matching message arrives for a while.
func (s *WorkerSuite) expectNoOp(op, key string, wait time.Duration) {
	deadline := time.After(wait)
	for {
		select {
		case msg := <-s.events:
			if msg.Op() == op && (key == "" || msg.String("key") == key) {
				s.T().Fatalf("unexpected %s for %s", op, key)
			}

		case <-deadline:
			return
		}
	}
}

// getData fetches values from the worker over a one-shot RPC.
func (s *WorkerSuite) getData(keys []string) map[string]any {
	response, err := comm.Call(s.worker.Address(), protocol.Msg{
		"op":   protocol.OpGetData,
		"keys": keys,
	})
	require.NoError(s.T(), err)

	data, ok := response.(map[string]any)
	require.True(s.T(), ok)
	return data
}

func (s *WorkerSuite) decodeValue(blob any) any {
	bytes, ok := blob.([]byte)
	require.True(s.T(), ok)

	value, err := protocol.Decode(bytes)
	require.NoError(s.T(), err)
	return value
}

func (s *WorkerSuite) TestRegister() {
	registers := s.scheduler.Registers()
	require.Len(s.T(), registers, 1)

	msg := registers[0]
	assert.Equal(s.T(), s.worker.Address(), msg.String("address"))
	assert.Equal(s.T(), "test-worker", msg.String("name"))

	ncores, _ := msg["ncores"].(int64)
	assert.Equal(s.T(), int64(2), ncores)
	assert.Contains(s.T(), msg, "memory_limit")
}

func (s *WorkerSuite) TestSingleTask() {
	s.computeTask("A", "int", []any{2.0}, nil, []int64{0})

	msg := s.awaitOp(protocol.OpTaskFinished, "A", 2*time.Second)
	assert.Equal(s.T(), protocol.StatusOK, msg.String("status"))

	nbytes, _ := msg["nbytes"].(int64)
	assert.Greater(s.T(), nbytes, int64(0))

	data := s.getData([]string{"A"})
	assert.Equal(s.T(), int64(2), s.decodeValue(data["A"]))
}

func (s *WorkerSuite) TestDependentComputation() {
	s.computeTask("A", "int", []any{2.0}, nil, []int64{0})
	s.awaitOp(protocol.OpTaskFinished, "A", 2*time.Second)

	s.computeTask("B", "+", []any{int64(5), "A"},
		map[string][]string{"A": {s.worker.Address()}}, []int64{0})
	s.awaitOp(protocol.OpTaskFinished, "B", 2*time.Second)

	data := s.getData([]string{"B"})
	assert.Equal(s.T(), int64(7), s.decodeValue(data["B"]))
}

func (s *WorkerSuite) TestErrorPath() {
	s.computeTask("C", "int", []any{2.3}, nil, []int64{0})

	msg := s.awaitOp(protocol.OpTaskErred, "C", 2*time.Second)
	assert.Contains(s.T(), msg.String("exception"), "InexactError")

	// A dependent of C observes the error as its value.
	s.computeTask("D", "identity", []any{"C"},
		map[string][]string{"C": {s.worker.Address()}}, []int64{0})
	s.awaitOp(protocol.OpTaskFinished, "D", 2*time.Second)

	data := s.getData([]string{"D"})
	value, ok := s.decodeValue(data["D"]).(map[string]any)
	require.True(s.T(), ok)
	assert.Contains(s.T(), protocol.Msg(value).String("exception"), "InexactError")
}

func (s *WorkerSuite) TestMissingPeerPoisonsDependency() {
	dead := deadAddr(s.T())
	s.scheduler.SetWhoHas("D0", []string{dead})

	s.computeTask("E", "identity", []any{"D0"},
		map[string][]string{"D0": {dead}}, []int64{0})

	msg := s.awaitOp(protocol.OpTaskErred, "E", 5*time.Second)
	assert.Contains(s.T(), msg.String("exception"), "DependencyPoisoned")
}

func (s *WorkerSuite) TestReleaseCancelsWaitingTask() {
	slow := slowPeer(s.T())

	s.computeTask("E1", "identity", []any{"X"},
		map[string][]string{"X": {slow}}, []int64{0})

	// Give the worker a moment to park the task as waiting.
	time.Sleep(50 * time.Millisecond)

	require.NoError(s.T(), s.stream.Send(protocol.Msg{
		"op":     protocol.OpReleaseTask,
		"key":    "E1",
		"reason": "stolen",
	}))

	s.expectNoOp(protocol.OpTaskFinished, "E1", 300*time.Millisecond)

	s.worker.mu.RLock()
	_, exists := s.worker.tasks["E1"]
	s.worker.mu.RUnlock()
	assert.False(s.T(), exists)
}

func (s *WorkerSuite) TestStolenReleaseIgnoredWhileExecuting() {
	s.computeTask("F", "slow", []any{}, nil, []int64{0})

	// Wait until the task is on an executor thread.
	require.Eventually(s.T(), func() bool {
		executing, _, _, _ := s.worker.counts()
		return executing > 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(s.T(), s.stream.Send(protocol.Msg{
		"op":     protocol.OpReleaseTask,
		"key":    "F",
		"reason": "stolen",
	}))

	// The release is a no-op, the task still completes.
	s.awaitOp(protocol.OpTaskFinished, "F", 2*time.Second)
}

func (s *WorkerSuite) TestResubmitDoesNotReExecute() {
	s.computeTask("G", "count", []any{}, nil, []int64{0})
	s.awaitOp(protocol.OpTaskFinished, "G", 2*time.Second)

	s.computeTask("G", "count", []any{}, nil, []int64{0})
	s.awaitOp(protocol.OpTaskFinished, "G", 2*time.Second)

	assert.Equal(s.T(), int64(1), s.execCount.Load())
}

func (s *WorkerSuite) TestPeerFetch() {
	// A second worker holds the dependency.
	peerConfig := &Config{
		Name:              "peer-worker",
		Listen:            "tcp://127.0.0.1:0",
		Threads:           1,
		HeartbeatInterval: time.Hour,
		SpillDir:          s.T().TempDir(),
	}
	peer, err := New(peerConfig, nil)
	require.NoError(s.T(), err)
	require.NoError(s.T(), peer.Start())
	defer peer.Close(false)

	blob, err := protocol.Encode(int64(2))
	require.NoError(s.T(), err)

	response, err := comm.Call(peer.Address(), protocol.Msg{
		"op":   protocol.OpUpdateData,
		"data": map[string]any{"P": blob},
	})
	require.NoError(s.T(), err)
	status := protocol.Msg(response.(map[string]any)).String("status")
	require.Equal(s.T(), protocol.StatusOK, status)

	s.computeTask("Q", "+", []any{int64(5), "P"},
		map[string][]string{"P": {peer.Address()}}, []int64{0})
	s.awaitOp(protocol.OpTaskFinished, "Q", 2*time.Second)

	data := s.getData([]string{"Q"})
	assert.Equal(s.T(), int64(7), s.decodeValue(data["Q"]))
}

func (s *WorkerSuite) TestUpdateDataUnblocksWaitingTask() {
	slow := slowPeer(s.T())

	s.computeTask("H", "identity", []any{"Z"},
		map[string][]string{"Z": {slow}}, []int64{0})
	time.Sleep(50 * time.Millisecond)

	blob, err := protocol.Encode(int64(9))
	require.NoError(s.T(), err)

	_, err = comm.Call(s.worker.Address(), protocol.Msg{
		"op":   protocol.OpUpdateData,
		"data": map[string]any{"Z": blob},
	})
	require.NoError(s.T(), err)

	s.awaitOp(protocol.OpTaskFinished, "H", 2*time.Second)

	data := s.getData([]string{"H"})
	assert.Equal(s.T(), int64(9), s.decodeValue(data["H"]))
}

func (s *WorkerSuite) TestGatherHandler() {
	peerA := servePeerData(s.T(), map[string][]byte{"g1": []byte("abc")})

	response, err := comm.Call(s.worker.Address(), protocol.Msg{
		"op":      protocol.OpGather,
		"who_has": map[string][]string{"g1": {peerA}},
	})
	require.NoError(s.T(), err)

	status := protocol.Msg(response.(map[string]any)).String("status")
	assert.Equal(s.T(), protocol.StatusOK, status)
	assert.True(s.T(), s.worker.store.Has("g1"))
}

func (s *WorkerSuite) TestKeysAndDeleteData() {
	s.computeTask("K", "int", []any{1.0}, nil, []int64{0})
	s.awaitOp(protocol.OpTaskFinished, "K", 2*time.Second)

	// Array replies are raw frames, only map payloads decode on read.
	response, err := comm.Call(s.worker.Address(), protocol.Msg{"op": protocol.OpKeys})
	require.NoError(s.T(), err)
	keys, ok := s.decodeValue(response).([]any)
	require.True(s.T(), ok)
	assert.Contains(s.T(), keys, "K")

	require.NoError(s.T(), s.stream.Send(protocol.Msg{
		"op":   protocol.OpStreamDeleteData,
		"keys": []string{"K"},
	}))

	require.Eventually(s.T(), func() bool {
		return !s.worker.store.Has("K")
	}, time.Second, 5*time.Millisecond)
}

func TestWorkerSuite(t *testing.T) {
	suite.Run(t, new(WorkerSuite))
}
