package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/antonkrylov/streambridge/internal/forward"
	"github.com/antonkrylov/streambridge/internal/linestream"
	"github.com/antonkrylov/streambridge/internal/procattr"
)

const stderrTail = 4 << 10

type subprocess struct {
	cmd    *exec.Cmd
	out    *readWatch
	stderr *tailBuffer
	grace  time.Duration
	logger *slog.Logger

	exited   chan struct{}
	readDone chan struct{}
	waitErr  error
}

// workerArgs builds the worker command line:
// <command...> --addr A --conversation C --sender S --text T [--<flag> P ...]
func workerArgs(cfg Config, req Request, addr string) []string {
	args := append([]string(nil), cfg.Command[1:]...)
	args = append(args,
		"--addr", addr,
		"--conversation", req.ConversationID,
		"--sender", req.Sender,
		"--text", req.Text,
	)
	for _, path := range req.Attachments {
		args = append(args, "--"+cfg.AttachmentFlag, path)
	}
	return args
}

func workerCommand(name string, args []string, cfg Config) *exec.Cmd {
	cmd := exec.Command(name, args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}
	return cmd
}

func startSubprocess(ctx context.Context, cfg Config, req Request, addr string, logger *slog.Logger) (*subprocess, error) {
	name := cfg.Command[0]
	args := workerArgs(cfg, req, addr)
	s := &subprocess{
		grace:    cfg.StopGrace,
		logger:   logger,
		exited:   make(chan struct{}),
		readDone: make(chan struct{}),
	}
	var err error
	if cfg.PTY {
		err = s.startPTY(name, args, cfg)
	} else {
		err = s.startPipe(name, args, cfg)
	}
	if err != nil {
		return nil, &SpawnError{Command: name, Err: err}
	}
	go func() {
		s.waitErr = s.cmd.Wait()
		close(s.exited)
	}()
	go s.watch(ctx)
	logger.Debug("worker spawned", "pid", s.cmd.Process.Pid, "pty", cfg.PTY)
	return s, nil
}

// startPipe gives the worker the write end of an os.Pipe so that Wait never
// touches stdout and can run while the output is still being read.
func (s *subprocess) startPipe(name string, args []string, cfg Config) error {
	cmd := workerCommand(name, args, cfg)
	procattr.Set(cmd)
	r, w, err := os.Pipe()
	if err != nil {
		return err
	}
	s.stderr = &tailBuffer{max: stderrTail}
	cmd.Stdout = w
	cmd.Stderr = s.stderr
	cmd.WaitDelay = cfg.StopGrace
	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return err
	}
	_ = w.Close()
	s.cmd = cmd
	s.out = &readWatch{r: r}
	return nil
}

func (s *subprocess) startPTY(name string, args []string, cfg Config) error {
	cmd := workerCommand(name, args, cfg)
	f, err := startPTY(cmd, true)
	if err != nil && strings.Contains(err.Error(), "Setctty set but Ctty not valid") {
		// Some platforms reject Setctty; a pty without a controlling terminal
		// still makes the worker line buffer its output.
		cmd = workerCommand(name, args, cfg)
		f, err = startPTY(cmd, false)
	}
	if err != nil {
		return err
	}
	s.cmd = cmd
	s.out = &readWatch{r: ptyReader{f}}
	return nil
}

func (s *subprocess) produce(ctx context.Context, emit func(forward.Item) bool) error {
	var readErr error
	for line, err := range linestream.Lines(s.out) {
		if err == nil {
			if !emit(forward.LineItem(line)) {
				break
			}
			continue
		}
		if linestream.IsLineError(err) {
			s.logger.Debug("skipping worker output line", "err", err)
			if !emit(forward.DiagnosticItem(err)) {
				break
			}
			continue
		}
		if !errors.Is(err, os.ErrClosed) {
			readErr = err
		}
		break
	}
	close(s.readDone)

	if readErr != nil && ctx.Err() == nil {
		s.stop()
	}
	<-s.exited
	if err := ctx.Err(); err != nil {
		return err
	}
	if readErr != nil {
		return fmt.Errorf("read worker output: %w", readErr)
	}
	return s.exitError()
}

// watch tears the worker down on cancellation. Once the worker exited on its
// own, the rest of its process group is killed so the write end of the output
// closes; lines already buffered are still read up to EOF. The output is only
// cut off when a read has waited longer than the grace period, which means a
// descendant outside the group still holds it open.
func (s *subprocess) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		s.stop()
		return
	case <-s.exited:
	}
	_ = procattr.KillGroup(s.cmd.Process)

	tick := time.NewTicker(max(s.grace/4, 10*time.Millisecond))
	defer tick.Stop()
	for {
		select {
		case <-s.readDone:
			return
		case <-ctx.Done():
			s.stop()
			return
		case now := <-tick.C:
			if s.out.blocked(now) > s.grace {
				s.logger.Debug("worker output still open after exit, closing")
				_ = s.out.Close()
				return
			}
		}
	}
}

// stop sends SIGTERM to the worker's process group, escalates to SIGKILL after
// the grace period and closes the output so a blocked read returns.
func (s *subprocess) stop() {
	p := s.cmd.Process
	if err := procattr.SignalGroup(p, syscall.SIGTERM); err != nil {
		s.logger.Debug("signal worker failed", "err", err)
	}
	select {
	case <-s.exited:
	case <-time.After(s.grace):
		s.logger.Warn("worker ignored SIGTERM, killing", "grace", s.grace)
		_ = procattr.KillGroup(p)
	}
	_ = s.out.Close()
}

func (s *subprocess) release() {
	_ = s.out.Close()
}

func (s *subprocess) exitError() error {
	if s.waitErr == nil || errors.Is(s.waitErr, exec.ErrWaitDelay) {
		return nil
	}
	var ee *exec.ExitError
	if errors.As(s.waitErr, &ee) {
		return &ExitError{Code: ee.ExitCode(), Stderr: s.stderr.String(), Err: s.waitErr}
	}
	return fmt.Errorf("wait for worker: %w", s.waitErr)
}

// readWatch records when the pending Read started. Time spent between reads,
// while lines are handed downstream, does not count as blocked.
type readWatch struct {
	r     io.ReadCloser
	since atomic.Int64
}

func (w *readWatch) Read(p []byte) (int, error) {
	w.since.Store(time.Now().UnixNano())
	n, err := w.r.Read(p)
	w.since.Store(0)
	return n, err
}

func (w *readWatch) Close() error { return w.r.Close() }

// blocked returns how long the pending Read has been waiting, zero when no
// Read is in progress.
func (w *readWatch) blocked(now time.Time) time.Duration {
	started := w.since.Load()
	if started == 0 {
		return 0
	}
	return now.Sub(time.Unix(0, started))
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
