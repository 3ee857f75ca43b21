// Package supervisor spawns and stops ACP agent subprocesses. Agents run
// inside the workspace container via docker exec, in their own process
// group so the whole tree can be signalled with a single negative-pgid kill.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codedeck/codedeck/internal/common/errors"
	"github.com/codedeck/codedeck/internal/common/logger"
)

const (
	// DefaultStopGracePeriod is the SIGTERM to SIGKILL gap.
	DefaultStopGracePeriod = 5 * time.Second
	// DefaultStopTimeout bounds the whole Stop sequence.
	DefaultStopTimeout = 10 * time.Second
)

// execCommand builds the docker exec command. Tests substitute a local
// process so the stop sequence can run without a Docker daemon.
var execCommand = exec.Command

// Spec describes the agent subprocess to launch.
type Spec struct {
	// ContainerID is the Docker container to exec into.
	ContainerID string
	// User is the user to run as inside the container (optional).
	User string
	// WorkDir is the working directory inside the container (optional).
	WorkDir string
	// Env holds KEY=value pairs passed via docker exec -e, not the host
	// environment.
	Env []string
	// Command is the agent binary name inside the container.
	Command string
	// Args are additional CLI arguments.
	Args []string

	// StopGracePeriod and StopTimeout override the defaults when positive.
	StopGracePeriod time.Duration
	StopTimeout     time.Duration
}

// Process is a handle to a running agent subprocess and its stdio pipes.
type Process struct {
	spec      Spec
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	stderr    io.ReadCloser
	startTime time.Time

	// waitC closes once the reaper goroutine has collected the exit status.
	waitC   chan struct{}
	waitErr error

	mu       sync.Mutex
	stopped  bool
	stopErr  error
	stdinMu  sync.Mutex
	stdinEOF bool

	logger *logger.Logger
}

// Launch spawns the agent inside the container:
//
//	docker exec -i [-u user] [-w dir] [-e K=V]... <container> <command> [args...]
//
// The child is placed in its own process group so Stop can signal the tree.
func Launch(ctx context.Context, spec Spec, log *logger.Logger) (*Process, error) {
	if spec.ContainerID == "" {
		return nil, fmt.Errorf("supervisor: container id is required")
	}
	if spec.Command == "" {
		return nil, fmt.Errorf("supervisor: command is required")
	}
	if spec.StopGracePeriod <= 0 {
		spec.StopGracePeriod = DefaultStopGracePeriod
	}
	if spec.StopTimeout <= 0 {
		spec.StopTimeout = DefaultStopTimeout
	}

	args := []string{"exec", "-i"}
	if spec.User != "" {
		args = append(args, "-u", spec.User)
	}
	if spec.WorkDir != "" {
		args = append(args, "-w", spec.WorkDir)
	}
	for _, env := range spec.Env {
		args = append(args, "-e", env)
	}
	args = append(args, spec.ContainerID, spec.Command)
	args = append(args, spec.Args...)

	// The process lifecycle is owned by Stop, not the launch context, so a
	// cancelled SelectAgent does not tear down an agent that already started.
	cmd := execCommand("docker", args...)
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("supervisor: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("supervisor: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("supervisor: start agent process: %w", err)
	}

	p := &Process{
		spec:      spec,
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdout,
		stderr:    stderr,
		startTime: time.Now(),
		waitC:     make(chan struct{}),
		logger: log.WithFields(
			zap.String("component", "supervisor"),
			zap.String("command", spec.Command),
			zap.Int("pid", cmd.Process.Pid)),
	}

	// Single reaper: cmd.Wait may only be called once, so both Wait and
	// Stop observe the exit through waitC.
	go func() {
		p.waitErr = cmd.Wait()
		close(p.waitC)
	}()

	p.logger.Info("agent process started",
		zap.String("container_id", spec.ContainerID))

	return p, nil
}

// Stdin returns the writer to the agent's stdin.
func (p *Process) Stdin() io.Writer { return p.stdin }

// Stdout returns the reader from the agent's stdout.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Stderr returns the reader from the agent's stderr.
func (p *Process) Stderr() io.Reader { return p.stderr }

// Pid returns the process id of the docker exec child.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Uptime reports how long the process has been running.
func (p *Process) Uptime() time.Duration {
	return time.Since(p.startTime)
}

// CloseStdin closes the agent's stdin, signalling EOF to a cooperative
// agent. Safe to call more than once.
func (p *Process) CloseStdin() {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if !p.stdinEOF {
		p.stdinEOF = true
		_ = p.stdin.Close()
	}
}

// Wait blocks until the process exits and returns its exit error.
// Safe to call concurrently with Stop.
func (p *Process) Wait() error {
	<-p.waitC
	return p.waitErr
}

// Stop terminates the subprocess with a bounded three-stage sequence:
//
//  1. Close stdin, giving a cooperative agent the chance to exit on EOF.
//  2. SIGTERM the process group; wait up to StopGracePeriod.
//  3. SIGKILL the process group; wait for the remainder of StopTimeout.
//
// Stop is idempotent; concurrent and repeated calls return the first
// result. It fails with a stop-timeout error only if the process is still
// alive after the full escalation.
func (p *Process) Stop() error {
	p.mu.Lock()
	if p.stopped {
		err := p.stopErr
		p.mu.Unlock()
		return err
	}
	p.stopped = true
	p.mu.Unlock()

	err := p.stop()

	p.mu.Lock()
	p.stopErr = err
	p.mu.Unlock()
	return err
}

func (p *Process) stop() error {
	deadline := time.NewTimer(p.spec.StopTimeout)
	defer deadline.Stop()

	p.CloseStdin()

	select {
	case <-p.waitC:
		return nil
	case <-time.After(100 * time.Millisecond):
		// Agent did not exit on EOF immediately; escalate.
	}

	pid := p.Pid()
	if pid == 0 {
		<-p.waitC
		return nil
	}

	p.logger.Info("sending SIGTERM to process group")
	if err := terminateProcessGroup(pid); err != nil {
		p.logger.Debug("SIGTERM failed, process group may be gone", zap.Error(err))
	}

	grace := time.NewTimer(p.spec.StopGracePeriod)
	defer grace.Stop()

	select {
	case <-p.waitC:
		return nil
	case <-grace.C:
	case <-deadline.C:
	}

	p.logger.Warn("process group survived SIGTERM, sending SIGKILL")
	if err := killProcessGroup(pid); err != nil {
		p.logger.Debug("SIGKILL failed, process group may be gone", zap.Error(err))
	}

	select {
	case <-p.waitC:
		return nil
	case <-deadline.C:
		p.logger.Error("process did not exit after SIGKILL",
			zap.Duration("stop_timeout", p.spec.StopTimeout))
		return errors.StopTimeout(fmt.Sprintf(
			"agent process %d did not exit within %s", pid, p.spec.StopTimeout))
	}
}
