//go:build linux

package processmgr

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultGrace is how long a process gets between SIGTERM and SIGKILL.
const DefaultGrace = 5 * time.Second

var ErrInvalidArgs = errors.New("processmgr: invalid arguments")

// Process supervises one streaming subprocess whose stdout is consumed by the
// caller (raw audio) and whose stderr is drained into a LogBuffer.
//
// Lifecycle:
//
//	Start → read Stdout() → <-Done()
//
// Close tears down in order: stdout pipe close, SIGTERM to the process
// group, SIGKILL after the grace period. Close is idempotent and may be
// called from any goroutine, before or after exit.
type Process struct {
	log    *zap.Logger
	logBuf *LogBuffer
	grace  time.Duration

	cmd    *exec.Cmd
	pid    int
	stdout *os.File

	// Closed after the process is reaped and stderr drained.
	done      chan struct{}
	closeOnce sync.Once

	// Valid after done is closed.
	exitCode int
	signaled bool
	waitErr  error

	mu       sync.Mutex
	lastLine string
}

// Start launches argv in its own process group. The child receives SIGKILL
// if this process dies.
func Start(log *zap.Logger, logBuf *LogBuffer, argv []string, grace time.Duration) (*Process, error) {
	if log == nil || logBuf == nil || len(argv) == 0 {
		return nil, ErrInvalidArgs
	}
	if grace <= 0 {
		grace = DefaultGrace
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	outR, outW, errR, errW, err := pipes()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		closeAll(outR, outW, errR, errW)
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}
	// The child holds its own copies of the write ends.
	closeAll(outW, errW)

	p := &Process{
		log:    log,
		logBuf: logBuf,
		grace:  grace,
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		stdout: outR,
		done:   make(chan struct{}),
	}
	p.log.Debug("process started", zap.Int("cmd_pid", p.pid))

	go p.supervise(errR)
	return p, nil
}

// Stdout is the read end of the child's stdout.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Done is closed once the process has been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Pid returns the child pid (also its process group id).
func (p *Process) Pid() int { return p.pid }

// ExitCode is the exit status, or -1 when the process was killed by a signal.
// Only meaningful after Done.
func (p *Process) ExitCode() int {
	<-p.done
	if p.signaled {
		return -1
	}
	return p.exitCode
}

// Err describes an unsuccessful exit, including the last stderr line. Nil
// for exit status 0. Blocks until Done.
func (p *Process) Err() error {
	<-p.done
	if p.waitErr == nil {
		return nil
	}
	last := p.LastLine()
	if p.signaled {
		return fmt.Errorf("extractor killed by signal: %s", last)
	}
	if last == "" {
		return fmt.Errorf("extractor exited with code %d", p.exitCode)
	}
	return fmt.Errorf("extractor exited with code %d: %s", p.exitCode, last)
}

// LastLine returns the most recent stderr line.
func (p *Process) LastLine() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastLine
}

// supervise drains stderr, reaps the child and fires Done.
func (p *Process) supervise(stderr *os.File) {
	drained := make(chan struct{})
	go func() {
		p.handleStderr(stderr)
		close(drained)
	}()

	err := p.cmd.Wait()
	p.waitErr = err
	if err != nil {
		var eerr *exec.ExitError
		if errors.As(err, &eerr) {
			status := eerr.ProcessState.Sys().(syscall.WaitStatus)
			p.exitCode = status.ExitStatus()
			p.signaled = status.Signaled()
			p.log.Debug("process exited with error status",
				zap.Int("exit_code", p.exitCode),
				zap.Bool("signaled", p.signaled),
				zap.String("signal", status.Signal().String()))
		} else {
			p.exitCode = -1
			p.log.Error("failed to wait for process", zap.Error(err))
		}
	} else {
		p.log.Debug("process exited cleanly")
	}

	// A grandchild may still hold stderr open; don't wait on it forever.
	select {
	case <-drained:
	case <-time.After(250 * time.Millisecond):
		p.log.Warn("stderr still open after exit; closing")
		_ = stderr.Close()
		<-drained
	}
	_ = stderr.Close()

	close(p.done)
}

func (p *Process) handleStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		p.logBuf.Append(line)
		p.mu.Lock()
		p.lastLine = line
		p.mu.Unlock()
		// Extractors run at -loglevel warning: whatever reaches stderr is a warning or error.
		p.log.Warn("stderr", zap.String("line", line))
	}

	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		p.log.Warn("stderr scanner failure", zap.Error(err))
	}
}

// Close starts teardown and returns immediately. Use Stop to wait.
func (p *Process) Close() {
	p.closeOnce.Do(func() {
		_ = p.stdout.Close()

		go func() {
			select {
			case <-p.done:
				return
			default:
			}

			if err := syscall.Kill(-p.pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
				p.log.Warn("SIGTERM failed", zap.Error(err), zap.Int("cmd_pid", p.pid))
			}

			timer := time.NewTimer(p.grace)
			defer timer.Stop()

			select {
			case <-p.done:
			case <-timer.C:
				p.log.Warn("grace timeout expired; sending SIGKILL", zap.Int("cmd_pid", p.pid))
				if err := syscall.Kill(-p.pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
					p.log.Error("SIGKILL failed", zap.Error(err), zap.Int("cmd_pid", p.pid))
				}
			}
		}()
	})
}

// Stop closes the process and waits up to timeout for it to be reaped.
// Reports whether the process is gone.
func (p *Process) Stop(timeout time.Duration) bool {
	p.Close()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	}
}

// pipes allocates stdout and stderr pipes. On failure nothing leaks.
//
// Plain os.Pipe is used instead of Cmd.StdoutPipe so that Wait can run
// concurrently with the caller still reading stdout.
func pipes() (outR, outW, errR, errW *os.File, err error) {
	outR, outW, err = os.Pipe()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("stdout pipe creation failure: %w", err)
	}
	errR, errW, err = os.Pipe()
	if err != nil {
		closeAll(outR, outW)
		return nil, nil, nil, nil, fmt.Errorf("stderr pipe creation failure: %w", err)
	}
	return outR, outW, errR, errW, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
