package convert

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// waitDelay bounds how long Wait blocks on output pipes after a kill.
const waitDelay = 5 * time.Second

// Handle is the live reference to the external work of one conversion. It
// tracks every process started through it so the whole set can be killed.
// A nil *Handle is valid and tracks nothing.
type Handle struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running map[*exec.Cmd]struct{}
	aborted bool
}

// NewHandle returns a Handle whose context derives from parent.
func NewHandle(parent context.Context) *Handle {
	ctx, cancel := context.WithCancel(parent)
	return &Handle{
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[*exec.Cmd]struct{}),
	}
}

// Context is cancelled when the handle is killed or released.
func (h *Handle) Context() context.Context {
	if h == nil {
		return context.Background()
	}
	return h.ctx
}

// Command builds a command bound to the handle context. Cancelling the
// context kills the process and its children.
func (h *Handle) Command(name string, args ...string) *exec.Cmd {
	if h == nil {
		return exec.Command(name, args...)
	}
	cmd := exec.CommandContext(h.ctx, name, args...)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		_, err := killTree(cmd.Process.Pid)
		return err
	}
	cmd.WaitDelay = waitDelay
	return cmd
}

// Start starts cmd and tracks it until Wait. It refuses to start anything
// once the handle has been killed.
func (h *Handle) Start(cmd *exec.Cmd) error {
	if h == nil {
		return cmd.Start()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.aborted {
		return ErrCancelled
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	h.running[cmd] = struct{}{}
	return nil
}

// Wait waits for cmd and stops tracking it.
func (h *Handle) Wait(cmd *exec.Cmd) error {
	err := cmd.Wait()
	if h != nil {
		h.mu.Lock()
		delete(h.running, cmd)
		h.mu.Unlock()
	}
	return err
}

// Run starts cmd and waits for it.
func (h *Handle) Run(cmd *exec.Cmd) error {
	if err := h.Start(cmd); err != nil {
		return err
	}
	return h.Wait(cmd)
}

// CombinedOutput runs cmd and returns its merged stdout and stderr.
func (h *Handle) CombinedOutput(cmd *exec.Cmd) ([]byte, error) {
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := h.Run(cmd)
	return buf.Bytes(), err
}

// Kill aborts the conversion: it marks the handle, kills every tracked
// process tree and cancels the context. found reports whether at least one
// live process was hit.
func (h *Handle) Kill() (found bool, err error) {
	if h == nil {
		return false, nil
	}
	h.mu.Lock()
	h.aborted = true
	pids := make([]int, 0, len(h.running))
	for cmd := range h.running {
		if cmd.Process != nil {
			pids = append(pids, cmd.Process.Pid)
		}
	}
	h.mu.Unlock()

	var errs []error
	for _, pid := range pids {
		alive, kerr := killTree(pid)
		if alive {
			found = true
		}
		if kerr != nil {
			errs = append(errs, kerr)
		}
	}
	h.cancel()
	return found, errors.Join(errs...)
}

// Aborted reports whether Kill was called.
func (h *Handle) Aborted() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.aborted
}

// Release frees the handle context once the conversion has returned.
func (h *Handle) Release() {
	if h != nil {
		h.cancel()
	}
}

// Running returns the number of tracked processes.
func (h *Handle) Running() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.running)
}

// killTree kills pid and all of its descendants. alive is false when pid no
// longer exists.
func killTree(pid int) (alive bool, err error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false, nil
	}
	return true, killProcess(p)
}

func killProcess(p *process.Process) error {
	var errs []error
	children, _ := p.Children()
	for _, child := range children {
		if err := killProcess(child); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
