package bridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/antonkrylov/streambridge/internal/bridge"
	"github.com/antonkrylov/streambridge/internal/chatpb"
	"github.com/antonkrylov/streambridge/internal/forward"
	"github.com/antonkrylov/streambridge/internal/sink"
	"github.com/antonkrylov/streambridge/internal/worker"
)

// script writes a shell worker. It receives
// --addr A --conversation C --sender S --text T [--attachment P ...].
func script(t *testing.T, body string) []string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return []string{"/bin/sh", path}
}

func subprocessConfig(cmd []string) bridge.Config {
	return bridge.Config{
		Transport: bridge.TransportSubprocess,
		Command:   cmd,
		StopGrace: 200 * time.Millisecond,
	}
}

func request(text string) bridge.Request {
	return bridge.Request{ConversationID: "conv-1", Sender: "user", Text: text}
}

func wait(t *testing.T, op *bridge.Operation) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	select {
	case <-op.Done():
		return op.Err()
	case <-ctx.Done():
		t.Fatalf("operation %s did not finish", op.ID())
		return nil
	}
}

func payloads(evs []forward.Event) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Payload)
	}
	return out
}

func TestWorkerLinesBecomeExactlyThreeEvents(t *testing.T) {
	t.Parallel()
	rec := sink.NewRecorder()
	b := bridge.New(rec, bridge.Options{})

	op, err := b.Start(context.Background(), subprocessConfig(script(t, `printf 'a\nb\nc\n'`)), request("hello"))
	require.NoError(t, err)
	require.NoError(t, wait(t, op))

	evs := rec.Operation(op.ID())
	assert.Equal(t, []string{"a", "b", "c"}, payloads(evs))
	for i, ev := range evs {
		assert.Equal(t, forward.EventName, ev.Name)
		assert.Equal(t, "conv-1", ev.ConversationID)
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, forward.KindLine, ev.Kind)
		assert.False(t, ev.Terminal)
	}
	assert.Equal(t, bridge.StateCompleted, op.State())
	assert.Len(t, rec.Events(), 3, "nothing follows the last line")
	_, ok := b.Lookup(op.ID())
	assert.False(t, ok)
}

func TestTrailingPartialLineIsEmitted(t *testing.T) {
	t.Parallel()
	rec := sink.NewRecorder()
	b := bridge.New(rec, bridge.Options{})

	op, err := b.Start(context.Background(), subprocessConfig(script(t, `printf 'x\ny'`)), request("hello"))
	require.NoError(t, err)
	require.NoError(t, wait(t, op))
	assert.Equal(t, []string{"x", "y"}, payloads(rec.Operation(op.ID())))
}

func TestEmitEndMarksCompletion(t *testing.T) {
	t.Parallel()
	rec := sink.NewRecorder()
	b := bridge.New(rec, bridge.Options{})
	cfg := subprocessConfig(script(t, `echo only`))
	cfg.EmitEnd = true

	op, err := b.Start(context.Background(), cfg, request("hello"))
	require.NoError(t, err)
	require.NoError(t, wait(t, op))

	evs := rec.Operation(op.ID())
	require.Len(t, evs, 2)
	assert.Equal(t, forward.KindEnd, evs[1].Kind)
	assert.True(t, evs[1].Terminal)
	assert.Equal(t, forward.OutcomeCompleted, evs[1].Outcome)
}

func TestWorkerArguments(t *testing.T) {
	t.Parallel()
	rec := sink.NewRecorder()
	b := bridge.New(rec, bridge.Options{DefaultAddress: "http://127.0.0.1:6000"})
	cfg := subprocessConfig(script(t, `printf '%s\n' "$@"`))
	cfg.AttachmentFlag = "file"
	req := request("two words")
	req.Attachments = []string{"/tmp/a.pdf", "/tmp/b.pptx"}

	op, err := b.Start(context.Background(), cfg, req)
	require.NoError(t, err)
	require.NoError(t, wait(t, op))
	assert.Equal(t, []string{
		"--addr", "127.0.0.1:6000",
		"--conversation", "conv-1",
		"--sender", "user",
		"--text", "two words",
		"--file", "/tmp/a.pdf",
		"--file", "/tmp/b.pptx",
	}, payloads(rec.Operation(op.ID())))
}

func TestNonZeroExitIsTerminalFailure(t *testing.T) {
	t.Parallel()
	rec := sink.NewRecorder()
	b := bridge.New(rec, bridge.Options{})

	op, err := b.Start(context.Background(), subprocessConfig(script(t, "echo partial\necho model crashed >&2\nexit 3")), request("hello"))
	require.NoError(t, err)
	runErr := wait(t, op)

	var exitErr *bridge.ExitError
	require.ErrorAs(t, runErr, &exitErr)
	assert.Equal(t, 3, exitErr.Code)
	assert.Equal(t, bridge.StateFailed, op.State())

	evs := rec.Operation(op.ID())
	require.Len(t, evs, 2)
	assert.Equal(t, "partial", evs[0].Payload)
	end := evs[1]
	assert.True(t, end.Terminal)
	assert.Equal(t, forward.OutcomeFailed, end.Outcome)
	assert.Contains(t, end.Payload, "status 3")
	assert.Contains(t, end.Payload, "model crashed")
}

func TestInvalidUTF8LineIsDiagnostic(t *testing.T) {
	t.Parallel()
	rec := sink.NewRecorder()
	b := bridge.New(rec, bridge.Options{})

	op, err := b.Start(context.Background(), subprocessConfig(script(t, `printf 'ok\n\377\nstill ok\n'`)), request("hello"))
	require.NoError(t, err)
	require.NoError(t, wait(t, op))

	evs := rec.Operation(op.ID())
	require.Len(t, evs, 3)
	assert.Equal(t, forward.KindDiagnostic, evs[1].Kind)
	assert.False(t, evs[1].Terminal)
	assert.Equal(t, "still ok", evs[2].Payload)
	assert.Equal(t, bridge.StateCompleted, op.State())
}

func TestSpawnFailureIsSynchronous(t *testing.T) {
	t.Parallel()
	rec := sink.NewRecorder()
	b := bridge.New(rec, bridge.Options{})

	for _, name := range []string{"/nonexistent/worker", "streambridge-no-such-worker"} {
		op, err := b.Start(context.Background(), subprocessConfig([]string{name}), request("hello"))
		assert.Nil(t, op)
		var spawnErr *bridge.SpawnError
		require.ErrorAs(t, err, &spawnErr, name)
		assert.True(t, bridge.IsNotFound(err), name)
	}
	assert.Empty(t, rec.Events())
	assert.Empty(t, b.Operations())
}

func TestInvalidConfig(t *testing.T) {
	t.Parallel()
	b := bridge.New(sink.NewRecorder(), bridge.Options{})
	cases := map[string]struct {
		cfg bridge.Config
		req bridge.Request
	}{
		"unknown transport": {bridge.Config{Transport: "carrier-pigeon"}, request("x")},
		"no command":        {bridge.Config{Transport: bridge.TransportSubprocess}, request("x")},
		"empty text":        {subprocessConfig([]string{"true"}), request("")},
		"no conversation":   {subprocessConfig([]string{"true"}), bridge.Request{Text: "x"}},
		"bad address":       {bridge.Config{Address: "host:1/path"}, request("x")},
		"bad compression":   {bridge.Config{Compression: "brotli"}, request("x")},
	}
	for name, tc := range cases {
		_, err := b.Start(context.Background(), tc.cfg, tc.req)
		assert.ErrorIs(t, err, bridge.ErrInvalidConfig, name)
	}
}

// alive reports whether pid exists and is not a zombie.
func alive(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	fields := strings.Fields(string(data[strings.LastIndexByte(string(data), ')')+1:]))
	return len(fields) > 0 && fields[0] != "Z"
}

func TestCancelKillsWorkerThatIgnoresSIGTERM(t *testing.T) {
	t.Parallel()
	if runtime.GOOS != "linux" {
		t.Skip("uses /proc")
	}
	rec := sink.NewRecorder()
	b := bridge.New(rec, bridge.Options{})
	cfg := subprocessConfig(script(t, "trap '' TERM\nsleep 30 &\necho $!\nwait"))
	cfg.EmitEnd = true

	op, err := b.Start(context.Background(), cfg, request("hello"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, rec.WaitFor(ctx, func(evs []forward.Event) bool { return len(evs) >= 1 }))
	pid, err := strconv.Atoi(rec.Events()[0].Payload)
	require.NoError(t, err)
	require.True(t, alive(pid))

	started := time.Now()
	require.True(t, op.Cancel())
	assert.False(t, op.Cancel(), "second cancel is a no-op")
	assert.ErrorIs(t, wait(t, op), context.Canceled)
	assert.Less(t, time.Since(started), 3*time.Second)
	assert.Equal(t, bridge.StateCancelled, op.State())

	require.Eventually(t, func() bool { return !alive(pid) }, 5*time.Second, 20*time.Millisecond, "worker grandchild survived cancellation")

	evs := rec.Operation(op.ID())
	require.Len(t, evs, 2)
	assert.Equal(t, forward.OutcomeCancelled, evs[1].Outcome)
	assert.True(t, evs[1].Terminal)
}

func TestDefaultAddressIsSnapshotAtStart(t *testing.T) {
	t.Parallel()
	rec := sink.NewRecorder()
	b := bridge.New(rec, bridge.Options{DefaultAddress: "127.0.0.1:1111"})
	cfg := subprocessConfig(script(t, `echo "$2"`))

	first, err := b.Start(context.Background(), cfg, request("hello"))
	require.NoError(t, err)
	require.NoError(t, b.SetDefaultAddress("http://127.0.0.1:2222"))
	second, err := b.Start(context.Background(), cfg, request("hello"))
	require.NoError(t, err)
	cfg.Address = "127.0.0.1:3333"
	third, err := b.Start(context.Background(), cfg, request("hello"))
	require.NoError(t, err)

	for _, op := range []*bridge.Operation{first, second, third} {
		require.NoError(t, wait(t, op))
	}
	assert.Equal(t, "127.0.0.1:1111", first.Address())
	assert.Equal(t, []string{"127.0.0.1:1111"}, payloads(rec.Operation(first.ID())))
	assert.Equal(t, []string{"127.0.0.1:2222"}, payloads(rec.Operation(second.ID())))
	assert.Equal(t, []string{"127.0.0.1:3333"}, payloads(rec.Operation(third.ID())))
	assert.Equal(t, "http://127.0.0.1:2222", b.DefaultAddress())

	assert.ErrorIs(t, b.SetDefaultAddress(""), bridge.ErrInvalidConfig)
}

func TestConcurrentOperationsKeepTheirOrder(t *testing.T) {
	t.Parallel()
	rec := sink.NewRecorder()
	b := bridge.New(rec, bridge.Options{})
	cfg := subprocessConfig(script(t, `i=1
while [ $i -le 300 ]; do echo $i; i=$((i+1)); done`))

	var ops []*bridge.Operation
	for i := 0; i < 6; i++ {
		req := request("hello")
		req.ConversationID = fmt.Sprintf("conv-%d", i)
		op, err := b.Start(context.Background(), cfg, req)
		require.NoError(t, err)
		ops = append(ops, op)
	}
	for _, op := range ops {
		require.NoError(t, wait(t, op))
	}
	for _, op := range ops {
		evs := rec.Operation(op.ID())
		require.Len(t, evs, 300)
		for i, ev := range evs {
			require.Equal(t, strconv.Itoa(i+1), ev.Payload)
			require.Equal(t, op.ConversationID(), ev.ConversationID)
		}
	}
}

// slowSink delays every event before recording it, like a UI or a
// JetStream publish that cannot keep up with the worker.
func slowSink(rec *sink.Recorder, delay time.Duration) forward.Sink {
	return forward.SinkFunc(func(ctx context.Context, ev forward.Event) error {
		time.Sleep(delay)
		return rec.Emit(ctx, ev)
	})
}

func TestSlowSinkReceivesEveryWorkerLine(t *testing.T) {
	t.Parallel()
	const lines = 2000
	rec := sink.NewRecorder()
	b := bridge.New(slowSink(rec, time.Millisecond), bridge.Options{})
	cfg := subprocessConfig(script(t, fmt.Sprintf(`i=1
while [ $i -le %d ]; do echo $i; i=$((i+1)); done`, lines)))

	op, err := b.Start(context.Background(), cfg, request("hello"))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, op.Wait(ctx))
	assert.Equal(t, bridge.StateCompleted, op.State())

	evs := rec.Operation(op.ID())
	require.Len(t, evs, lines)
	for i, ev := range evs {
		require.Equal(t, strconv.Itoa(i+1), ev.Payload)
		require.Equal(t, uint64(i+1), ev.Seq)
	}
}

func TestBackgroundChildIsReapedAfterWorkerExits(t *testing.T) {
	t.Parallel()
	if runtime.GOOS != "linux" {
		t.Skip("uses /proc")
	}
	rec := sink.NewRecorder()
	b := bridge.New(rec, bridge.Options{})
	cfg := subprocessConfig(script(t, "echo a\nsleep 30 &\necho $!"))

	started := time.Now()
	op, err := b.Start(context.Background(), cfg, request("hello"))
	require.NoError(t, err)
	require.NoError(t, wait(t, op))
	assert.Less(t, time.Since(started), 5*time.Second)
	assert.Equal(t, bridge.StateCompleted, op.State())

	evs := rec.Operation(op.ID())
	require.Len(t, evs, 2)
	assert.Equal(t, "a", evs[0].Payload)
	pid, err := strconv.Atoi(evs[1].Payload)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !alive(pid) }, 5*time.Second, 20*time.Millisecond, "background child outlived the worker")
}

func TestOutputHeldByEscapedDescendantIsCutOff(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("setsid"); err != nil {
		t.Skip("setsid not installed")
	}
	rec := sink.NewRecorder()
	b := bridge.New(rec, bridge.Options{})
	cfg := subprocessConfig(script(t, "echo a\nsetsid sleep 30 &\necho $!\necho b"))

	started := time.Now()
	op, err := b.Start(context.Background(), cfg, request("hello"))
	require.NoError(t, err)
	require.NoError(t, wait(t, op))
	assert.Less(t, time.Since(started), 5*time.Second)
	assert.Equal(t, bridge.StateCompleted, op.State())

	evs := rec.Operation(op.ID())
	require.Len(t, evs, 3)
	pid, err := strconv.Atoi(evs[1].Payload)
	require.NoError(t, err)
	t.Cleanup(func() { _ = syscall.Kill(pid, syscall.SIGKILL) })
	assert.Equal(t, []string{"a", "b"}, []string{evs[0].Payload, evs[2].Payload})
}

func TestPTYWorkerLines(t *testing.T) {
	t.Parallel()
	ptmx, tty, err := pty.Open()
	if err != nil {
		t.Skipf("no pty available: %v", err)
	}
	_ = ptmx.Close()
	_ = tty.Close()

	rec := sink.NewRecorder()
	b := bridge.New(rec, bridge.Options{})
	cfg := subprocessConfig(script(t, `printf 'a\nb\n'`))
	cfg.PTY = true

	op, err := b.Start(context.Background(), cfg, request("hello"))
	require.NoError(t, err)
	require.NoError(t, wait(t, op))
	assert.Equal(t, []string{"a", "b"}, payloads(rec.Operation(op.ID())))
}

func TestShutdownCancelsRunningOperations(t *testing.T) {
	t.Parallel()
	rec := sink.NewRecorder()
	b := bridge.New(rec, bridge.Options{})
	cfg := subprocessConfig(script(t, "echo up\nexec sleep 30"))

	op, err := b.Start(context.Background(), cfg, request("hello"))
	require.NoError(t, err)
	require.Len(t, b.Operations(), 1)
	assert.Equal(t, "streaming", op.Info().State)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))
	assert.Equal(t, bridge.StateCancelled, op.State())
	assert.Empty(t, b.Operations())
}

// RPC transport.

type failingWorker struct {
	*worker.Server
	frames int
}

func (f *failingWorker) StreamResponses(_ chatpb.SendMessageRequest, stream worker.FrameSender) error {
	for i := 0; i < f.frames; i++ {
		if err := stream.Send(chatpb.Frame{PartialText: fmt.Sprint(i)}); err != nil {
			return err
		}
	}
	return status.Error(codes.Internal, "model backend went away")
}

func serve(t *testing.T, srv worker.ChatServer) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs := grpc.NewServer()
	worker.Register(gs, srv)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)
	return lis.Addr().String()
}

func rpcConfig(addr string) bridge.Config {
	return bridge.Config{Transport: bridge.TransportRPC, Address: addr, DialTimeout: 5 * time.Second}
}

func TestRPCStreamsFramesInOrder(t *testing.T) {
	t.Parallel()
	store := worker.NewStore()
	addr := serve(t, worker.NewServer(store, worker.Options{ChunkSize: 7}))
	rec := sink.NewRecorder()
	b := bridge.New(rec, bridge.Options{})

	cfg := rpcConfig("http://" + addr)
	cfg.Compression = "gzip"
	op, err := b.Start(context.Background(), cfg, request("summarize the attached slides"))
	require.NoError(t, err)
	require.NoError(t, wait(t, op))
	assert.Equal(t, bridge.StateCompleted, op.State())

	evs := rec.Operation(op.ID())
	require.Greater(t, len(evs), 2)
	var text strings.Builder
	for _, ev := range evs[:len(evs)-1] {
		assert.Equal(t, forward.KindFrame, ev.Kind)
		var f chatpb.Frame
		require.NoError(t, json.Unmarshal([]byte(ev.Payload), &f))
		require.False(t, f.Done)
		text.WriteString(f.PartialText)
	}
	var last chatpb.Frame
	require.NoError(t, json.Unmarshal([]byte(evs[len(evs)-1].Payload), &last))
	require.NotNil(t, last.Message)
	assert.True(t, last.Done)
	assert.Equal(t, "agent", last.Message.Sender)
	assert.Equal(t, last.Message.Text, text.String())
	assert.False(t, evs[len(evs)-1].Terminal, "a done frame is data, not an end marker")

	assert.Len(t, store.History("conv-1", 0, 0), 2)
}

func TestRPCMidStreamFailureIsTerminal(t *testing.T) {
	t.Parallel()
	addr := serve(t, &failingWorker{Server: worker.NewServer(nil, worker.Options{}), frames: 2})
	rec := sink.NewRecorder()
	b := bridge.New(rec, bridge.Options{})

	op, err := b.Start(context.Background(), rpcConfig(addr), request("hello"))
	require.NoError(t, err)
	runErr := wait(t, op)
	assert.Equal(t, codes.Internal, status.Code(runErr))

	evs := rec.Operation(op.ID())
	require.Len(t, evs, 3)
	assert.JSONEq(t, `{"partial_text":"0","done":false}`, evs[0].Payload)
	assert.JSONEq(t, `{"partial_text":"1","done":false}`, evs[1].Payload)
	assert.Equal(t, forward.OutcomeFailed, evs[2].Outcome)
	assert.Contains(t, evs[2].Payload, "model backend went away")
}

type doneThenFailWorker struct {
	*worker.Server
}

func (w *doneThenFailWorker) StreamResponses(_ chatpb.SendMessageRequest, stream worker.FrameSender) error {
	if err := stream.Send(chatpb.PartialFrame("partial")); err != nil {
		return err
	}
	if err := stream.Send(chatpb.Frame{Message: &chatpb.Message{Sender: "agent", Text: "partial"}, Done: true}); err != nil {
		return err
	}
	if err := stream.Send(chatpb.PartialFrame("late")); err != nil {
		return err
	}
	return status.Error(codes.DataLoss, "reply was not persisted")
}

func TestRPCReadsPastDoneFrameToFinalStatus(t *testing.T) {
	t.Parallel()
	addr := serve(t, &doneThenFailWorker{Server: worker.NewServer(nil, worker.Options{})})
	rec := sink.NewRecorder()
	b := bridge.New(rec, bridge.Options{})

	op, err := b.Start(context.Background(), rpcConfig(addr), request("hello"))
	require.NoError(t, err)
	runErr := wait(t, op)
	assert.Equal(t, codes.DataLoss, status.Code(runErr))
	assert.Equal(t, bridge.StateFailed, op.State())

	evs := rec.Operation(op.ID())
	require.Len(t, evs, 4)
	assert.JSONEq(t, `{"partial_text":"late","done":false}`, evs[2].Payload)
	assert.Equal(t, forward.OutcomeFailed, evs[3].Outcome)
	assert.Contains(t, evs[3].Payload, "reply was not persisted")
}

func TestRPCSlowSinkReceivesEveryFrame(t *testing.T) {
	t.Parallel()
	addr := serve(t, worker.NewServer(nil, worker.Options{ChunkSize: 1}))
	rec := sink.NewRecorder()
	b := bridge.New(slowSink(rec, time.Millisecond), bridge.Options{})

	text := strings.Repeat("frames must not be dropped ", 5)
	op, err := b.Start(context.Background(), rpcConfig(addr), request(text))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, op.Wait(ctx))
	assert.Equal(t, bridge.StateCompleted, op.State())

	want := "Simulated agent reply summarizing: " + text
	evs := rec.Operation(op.ID())
	require.Len(t, evs, len([]rune(want))+1)
	var streamed strings.Builder
	for i, ev := range evs {
		require.Equal(t, uint64(i+1), ev.Seq)
		var f chatpb.Frame
		require.NoError(t, json.Unmarshal([]byte(ev.Payload), &f))
		if i < len(evs)-1 {
			require.True(t, f.HasPartial)
			streamed.WriteString(f.PartialText)
			continue
		}
		require.True(t, f.Done)
		require.NotNil(t, f.Message)
		assert.Equal(t, want, f.Message.Text)
	}
	assert.Equal(t, want, streamed.String())
}

func TestRPCCancelStopsForwarding(t *testing.T) {
	t.Parallel()
	addr := serve(t, worker.NewServer(nil, worker.Options{ChunkSize: 1, ChunkDelay: 20 * time.Millisecond}))
	rec := sink.NewRecorder()
	b := bridge.New(rec, bridge.Options{})

	op, err := b.Start(context.Background(), rpcConfig(addr), request(strings.Repeat("long input ", 20)))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, rec.WaitFor(ctx, func(evs []forward.Event) bool { return len(evs) >= 2 }))

	require.True(t, op.Cancel())
	assert.ErrorIs(t, wait(t, op), context.Canceled)
	n := len(rec.Operation(op.ID()))
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, rec.Operation(op.ID()), n, "events after cancellation")
	for _, ev := range rec.Operation(op.ID()) {
		assert.NotEqual(t, forward.KindEnd, ev.Kind)
	}
}

func unusedAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	return addr
}

func TestRPCUnreachableAddressFailsStart(t *testing.T) {
	t.Parallel()
	rec := sink.NewRecorder()
	b := bridge.New(rec, bridge.Options{DefaultAddress: unusedAddr(t)})

	cfg := bridge.Config{DialTimeout: 300 * time.Millisecond}
	op, err := b.Start(context.Background(), cfg, request("hello"))
	assert.Nil(t, op)
	var connErr *bridge.ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, b.DefaultAddress(), connErr.Addr)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.Events())
	assert.Empty(t, b.Operations())
}

func TestHistoryOverRPCIsIdempotent(t *testing.T) {
	t.Parallel()
	store := worker.NewStore()
	base := time.Now().UnixMilli()
	for i := 0; i < 5; i++ {
		store.Append(chatpb.Message{ConversationID: "conv-h", Text: fmt.Sprint("m", i), CreatedAt: base + int64(i)})
	}
	store.Append(chatpb.Message{ConversationID: "other", Text: "x"})
	addr := serve(t, worker.NewServer(store, worker.Options{}))
	b := bridge.New(nil, bridge.Options{DefaultAddress: addr})

	q := bridge.HistoryQuery{ConversationID: "conv-h", Limit: 200}
	first, err := b.History(context.Background(), bridge.Config{}, q)
	require.NoError(t, err)
	require.Len(t, first, 5)
	for i, m := range first {
		assert.Equal(t, fmt.Sprint("m", i), m.Text)
	}
	again, err := b.History(context.Background(), bridge.Config{}, q)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	page, err := b.History(context.Background(), bridge.Config{}, bridge.HistoryQuery{ConversationID: "conv-h", Limit: 2, Offset: 3})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m3", page[0].Text)
}

func TestHistoryOverSubprocess(t *testing.T) {
	t.Parallel()
	b := bridge.New(nil, bridge.Options{DefaultAddress: "127.0.0.1:7000"})
	cfg := bridge.Config{
		Transport: bridge.TransportSubprocess,
		HistoryCommand: script(t, `printf '{"messages":[{"id":"1","conversation_id":"%s","text":"%s %s %s"}]}' "$4" "$2" "$6" "$8"`),
	}

	msgs, err := b.History(context.Background(), cfg, bridge.HistoryQuery{ConversationID: "conv-s"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "conv-s", msgs[0].ConversationID)
	assert.Equal(t, "127.0.0.1:7000 200 0", msgs[0].Text)

	cfg.HistoryCommand = script(t, `echo '{"error":"connection refused","code":"UNAVAILABLE"}'
exit 1`)
	_, err = b.History(context.Background(), cfg, bridge.HistoryQuery{ConversationID: "conv-s"})
	var histErr *bridge.HistoryError
	require.ErrorAs(t, err, &histErr)
	assert.Equal(t, "UNAVAILABLE", histErr.Code)

	cfg.HistoryCommand = script(t, `echo boom >&2
exit 2`)
	_, err = b.History(context.Background(), cfg, bridge.HistoryQuery{ConversationID: "conv-s"})
	var exitErr *bridge.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.Code)

	cfg.HistoryCommand = nil
	_, err = b.History(context.Background(), cfg, bridge.HistoryQuery{ConversationID: "conv-s"})
	assert.ErrorIs(t, err, bridge.ErrInvalidConfig)
}

func TestHistoryHonorsDeadline(t *testing.T) {
	t.Parallel()
	b := bridge.New(nil, bridge.Options{})
	cfg := bridge.Config{Transport: bridge.TransportSubprocess, HistoryCommand: script(t, "exec sleep 30"), StopGrace: 100 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	started := time.Now()
	_, err := b.History(ctx, cfg, bridge.HistoryQuery{ConversationID: "c"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Less(t, time.Since(started), 3*time.Second)
}
