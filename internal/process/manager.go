package process

import (
	"bufio"
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

	"github.com/mattjoyce/procpool/internal/protocol"
)

const (
	// maxStderrBytes caps the stderr tail kept for diagnostics.
	maxStderrBytes = 64 * 1024

	// maxLineBytes caps a single result line.
	maxLineBytes = 16 * 1024 * 1024

	// DefaultGracePeriod is how long Stop waits after closing stdin before SIGTERM.
	DefaultGracePeriod = 5 * time.Second

	// termGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	termGracePeriod = 1 * time.Second

	// reapTimeout bounds the wait for pipe EOF after SIGKILL. A descendant that
	// left the process group can hold the pipes open; they are closed after this.
	reapTimeout = 2 * time.Second
)

// Spec describes the worker executable.
type Spec struct {
	Command     string
	Args        []string
	Env         []string // extra KEY=VALUE pairs appended to the parent environment
	Dir         string
	GracePeriod time.Duration
}

// Manager owns one running worker process.
type Manager struct {
	spec   Spec
	cmd    *exec.Cmd
	logger *slog.Logger

	stdin   io.WriteCloser
	writeMu sync.Mutex

	// read ends of stdout and stderr, closed by kill if reaping stalls
	outPipes []io.Closer

	lines  chan string
	quitCh chan struct{} // closed when we stop caring about stdout
	exited chan struct{}

	exitErr  error
	stopping atomic.Bool
	quitOnce sync.Once

	stderrMu sync.Mutex
	stderr   []byte
}

// Spawn starts the worker described by spec. A failure to start is a *LaunchError.
func Spawn(spec Spec, logger *slog.Logger) (*Manager, error) {
	if spec.Command == "" {
		return nil, &LaunchError{Command: spec.Command, Err: errors.New("command is empty")}
	}
	if spec.GracePeriod <= 0 {
		spec.GracePeriod = DefaultGracePeriod
	}

	// Don't use CommandContext - termination is managed by Stop/Kill.
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &LaunchError{Command: spec.Command, Err: fmt.Errorf("create stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &LaunchError{Command: spec.Command, Err: fmt.Errorf("create stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &LaunchError{Command: spec.Command, Err: fmt.Errorf("create stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Command: spec.Command, Err: err}
	}

	m := &Manager{
		spec:     spec,
		cmd:      cmd,
		logger:   logger.With("pid", cmd.Process.Pid),
		stdin:    stdin,
		outPipes: []io.Closer{stdout, stderr},
		lines:    make(chan string, 1),
		quitCh:   make(chan struct{}),
		exited:   make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		m.readStdout(stdout)
	}()
	go func() {
		defer readers.Done()
		m.readStderr(stderr)
	}()

	// Wait must not be called before all reads from the pipes complete.
	go func() {
		readers.Wait()
		m.exitErr = cmd.Wait()
		close(m.exited)
		m.logger.Debug("worker process exited", "error", m.exitErr, "requested", m.stopping.Load())
	}()

	m.logger.Debug("worker process spawned", "command", spec.Command, "args", spec.Args)
	return m, nil
}

func (m *Manager) readStdout(r io.Reader) {
	defer close(m.lines)

	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := readLine(br)
		// Empty lines are results too; the decoder rejects them. Only a
		// trailing empty read at EOF is not a line.
		if err == nil || line != "" {
			select {
			case m.lines <- line:
			case <-m.quitCh:
				_, _ = io.Copy(io.Discard, br)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// readLine reads one newline-terminated line, without the terminator.
// Lines longer than maxLineBytes are truncated; the decoder will reject them.
func readLine(br *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		chunk, isPrefix, err := br.ReadLine()
		if sb.Len() < maxLineBytes {
			sb.Write(chunk)
		}
		if err != nil {
			return sb.String(), err
		}
		if !isPrefix {
			return sb.String(), nil
		}
	}
}

func (m *Manager) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		m.logger.Debug("worker stderr", "stream", "stderr", "line", line)

		m.stderrMu.Lock()
		m.stderr = append(m.stderr, line...)
		m.stderr = append(m.stderr, '\n')
		if len(m.stderr) > maxStderrBytes {
			m.stderr = m.stderr[len(m.stderr)-maxStderrBytes:]
		}
		m.stderrMu.Unlock()
	}
	// Keep draining if the scanner gave up on an oversized line.
	_, _ = io.Copy(io.Discard, r)
}

// DiscardPending drops result lines that arrived while no task was in flight
// and returns them. The unit calls it before dispatching so a line written
// for an earlier task is never taken as the answer to the next one.
func (m *Manager) DiscardPending() []string {
	var stray []string
	for {
		select {
		case line, ok := <-m.lines:
			if !ok {
				return stray
			}
			stray = append(stray, line)
		default:
			return stray
		}
	}
}

// PID returns the worker's process id.
func (m *Manager) PID() int {
	return m.cmd.Process.Pid
}

// SendLine writes one line to the worker's stdin.
// It fails with ErrBrokenPipe if the worker has exited or closed its input.
func (m *Manager) SendLine(line string) error {
	select {
	case <-m.exited:
		return ErrBrokenPipe
	default:
	}

	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if _, err := io.WriteString(m.stdin, line); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokenPipe, err)
	}
	return nil
}

// ReceiveLine blocks until the worker writes a line, the worker's stdout ends
// (ErrExited), or ctx is done.
func (m *Manager) ReceiveLine(ctx context.Context) (string, error) {
	select {
	case line, ok := <-m.lines:
		if !ok {
			return "", ErrExited
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Exited is closed once the process has been reaped.
func (m *Manager) Exited() <-chan struct{} {
	return m.exited
}

// ExitErr returns the result of Wait. Only meaningful after Exited is closed.
func (m *Manager) ExitErr() error {
	select {
	case <-m.exited:
		return m.exitErr
	default:
		return nil
	}
}

// Unexpected reports whether the process exited without Stop or Kill being called.
func (m *Manager) Unexpected() bool {
	select {
	case <-m.exited:
		return !m.stopping.Load()
	default:
		return false
	}
}

// StderrTail returns up to the last 64KB the worker wrote to stderr.
func (m *Manager) StderrTail() string {
	m.stderrMu.Lock()
	defer m.stderrMu.Unlock()
	return string(m.stderr)
}

// Stop asks the worker to exit and escalates to signals if it does not.
// ctx bounds the whole sequence; when it is done the process is killed.
func (m *Manager) Stop(ctx context.Context) error {
	m.stopping.Store(true)
	m.releaseStdout()

	select {
	case <-m.exited:
		return nil
	default:
	}

	m.writeMu.Lock()
	_, _ = io.WriteString(m.stdin, protocol.QuitSentinel+"\n")
	_ = m.stdin.Close()
	m.writeMu.Unlock()

	grace := time.NewTimer(m.spec.GracePeriod)
	defer grace.Stop()

	select {
	case <-m.exited:
		return nil
	case <-ctx.Done():
		m.logger.Warn("worker stop deadline reached, sending SIGKILL")
		return m.kill()
	case <-grace.C:
	}

	m.logger.Warn("worker did not exit after quit, sending SIGTERM")
	if err := signalGroup(m.cmd.Process, syscall.SIGTERM); err != nil {
		m.logger.Error("failed to send SIGTERM", "error", err)
	}

	term := time.NewTimer(termGracePeriod)
	defer term.Stop()

	select {
	case <-m.exited:
		return nil
	case <-ctx.Done():
	case <-term.C:
	}

	m.logger.Warn("worker did not exit after SIGTERM, sending SIGKILL")
	return m.kill()
}

// Kill terminates the worker immediately and waits for it to be reaped.
func (m *Manager) Kill() error {
	m.stopping.Store(true)
	m.releaseStdout()
	return m.kill()
}

func (m *Manager) kill() error {
	m.writeMu.Lock()
	_ = m.stdin.Close()
	m.writeMu.Unlock()

	if err := signalGroup(m.cmd.Process, syscall.SIGKILL); err != nil {
		m.logger.Error("failed to send SIGKILL", "error", err)
	}

	reap := time.NewTimer(reapTimeout)
	defer reap.Stop()
	select {
	case <-m.exited:
		return nil
	case <-reap.C:
	}

	m.logger.Warn("worker pipes still open after SIGKILL, closing them")
	for _, c := range m.outPipes {
		_ = c.Close()
	}
	<-m.exited
	return nil
}

// releaseStdout unblocks the stdout reader so the process can be reaped.
func (m *Manager) releaseStdout() {
	m.quitOnce.Do(func() { close(m.quitCh) })
}
