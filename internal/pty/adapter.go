package pty

import (
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// process is what a Session needs from the child it owns. *Adapter is the
// only production implementation.
type process interface {
	ReadChunk(timeout time.Duration) (string, error)
	WriteInput(p []byte)
	Resize(cols, rows int)
	SendSignal(name string) bool
	IsAlive() bool
	ExitCode() (int, bool)
	WaitExit(timeout time.Duration) bool
	Terminate(grace time.Duration)
	Release()
	Pid() int
}

// signals maps the symbolic names accepted from clients to OS signals.
var signals = map[string]unix.Signal{
	"INT":  unix.SIGINT,
	"TERM": unix.SIGTERM,
	"KILL": unix.SIGKILL,
	"HUP":  unix.SIGHUP,
	"QUIT": unix.SIGQUIT,
}

// killSettle bounds how long Terminate waits for the reaper after SIGKILL.
const killSettle = time.Second

// AdapterConfig describes the shell to start.
type AdapterConfig struct {
	Shell   string
	Args    []string
	Env     []string
	WorkDir string
	Cols    int
	Rows    int
}

// Adapter owns exactly one shell process and the master side of its
// pseudo-terminal.
type Adapter struct {
	cmd  *exec.Cmd
	ptmx *os.File

	out    chan string
	stop   chan struct{}
	exited chan struct{}

	exitMu   sync.Mutex
	exitCode int

	torndown     atomic.Bool
	teardownOnce sync.Once
}

// StartAdapter allocates a pseudo-terminal and starts the shell on its slave
// side. The initial window size is applied only when both dimensions are
// positive.
func StartAdapter(cfg AdapterConfig) (*Adapter, error) {
	shell := cfg.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.Command(shell, cfg.Args...)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, cfg.Env...)
	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	}

	// pty.Start* runs the child with Setsid, so its pid is also its process
	// group id.
	var (
		ptmx *os.File
		err  error
	)
	if cfg.Cols > 0 && cfg.Rows > 0 {
		ptmx, err = pty.StartWithSize(cmd, &pty.Winsize{
			Rows: uint16(cfg.Rows),
			Cols: uint16(cfg.Cols),
		})
	} else {
		ptmx, err = pty.Start(cmd)
	}
	if err != nil {
		return nil, &SpawnError{Shell: shell, Err: err}
	}

	a := &Adapter{
		cmd:    cmd,
		ptmx:   ptmx,
		out:    make(chan string, 64),
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go a.pump()
	go a.reap()
	return a, nil
}

// pump moves decoded output from the master descriptor onto a.out. The
// UTF-8 decoder holds back an incomplete trailing rune until the rest of it
// arrives, so chunks never split a character.
func (a *Adapter) pump() {
	defer close(a.out)
	r := transform.NewReader(a.ptmx, unicode.UTF8.NewDecoder())
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case a.out <- string(buf[:n]):
			case <-a.stop:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (a *Adapter) reap() {
	err := a.cmd.Wait()
	code := -1
	if a.cmd.ProcessState != nil {
		code = a.cmd.ProcessState.ExitCode()
	} else if err == nil {
		code = 0
	}
	a.exitMu.Lock()
	a.exitCode = code
	a.exitMu.Unlock()
	close(a.exited)
}

// Pid returns the shell's pid, which is also its process group id.
func (a *Adapter) Pid() int {
	return a.cmd.Process.Pid
}

// ReadChunk waits up to timeout for output. It returns ErrWouldBlock when
// nothing arrived and io.EOF once the terminal has no more output.
func (a *Adapter) ReadChunk(timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case chunk, ok := <-a.out:
		if !ok {
			return "", io.EOF
		}
		return chunk, nil
	case <-timer.C:
		return "", ErrWouldBlock
	}
}

// WriteInput writes to the master side. Failures are logged and dropped.
func (a *Adapter) WriteInput(p []byte) {
	if a.torndown.Load() || len(p) == 0 {
		return
	}
	if _, err := a.ptmx.Write(p); err != nil {
		slog.Debug("PTY input write failed", "pid", a.Pid(), "error", err)
	}
}

// Resize applies new window dimensions and tells the process group.
func (a *Adapter) Resize(cols, rows int) {
	if a.torndown.Load() || cols <= 0 || rows <= 0 {
		return
	}
	if err := pty.Setsize(a.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
		slog.Debug("PTY resize failed", "pid", a.Pid(), "error", err)
		return
	}
	a.signalGroup(unix.SIGWINCH)
}

// SendSignal delivers INT, TERM, KILL, HUP or QUIT to the process group. An
// optional "SIG" prefix is accepted. It reports whether the name was known.
func (a *Adapter) SendSignal(name string) bool {
	sig, ok := signals[strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(name)), "SIG")]
	if !ok {
		return false
	}
	if a.torndown.Load() {
		return true
	}
	a.signalGroup(sig)
	return true
}

func (a *Adapter) signalGroup(sig unix.Signal) {
	if err := unix.Kill(-a.Pid(), sig); err != nil {
		slog.Debug("PTY signal delivery failed", "pid", a.Pid(), "signal", sig.String(), "error", err)
	}
}

func (a *Adapter) hasExited() bool {
	select {
	case <-a.exited:
		return true
	default:
		return false
	}
}

// IsAlive reports whether the child is still running and the adapter has not
// been torn down.
func (a *Adapter) IsAlive() bool {
	return !a.torndown.Load() && !a.hasExited()
}

// ExitCode returns the child's exit status once it has been reaped.
func (a *Adapter) ExitCode() (int, bool) {
	if !a.hasExited() {
		return 0, false
	}
	a.exitMu.Lock()
	defer a.exitMu.Unlock()
	return a.exitCode, true
}

// WaitExit blocks until the child is reaped or timeout elapses.
func (a *Adapter) WaitExit(timeout time.Duration) bool {
	if a.hasExited() {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-a.exited:
		return true
	case <-timer.C:
		return false
	}
}

// Terminate sends SIGTERM to the process group, escalates to SIGKILL after
// grace, then releases the master descriptor. Safe to call more than once.
func (a *Adapter) Terminate(grace time.Duration) {
	a.teardown(true, grace)
}

// Release closes the master descriptor without signalling the child. Used
// when the child has already exited.
func (a *Adapter) Release() {
	a.teardown(false, 0)
}

func (a *Adapter) teardown(kill bool, grace time.Duration) {
	a.teardownOnce.Do(func() {
		a.torndown.Store(true)
		if kill && !a.hasExited() {
			a.signalGroup(unix.SIGTERM)
			if !a.WaitExit(grace) {
				slog.Info("Shell ignored SIGTERM, sending SIGKILL", "pid", a.Pid())
				a.signalGroup(unix.SIGKILL)
				a.WaitExit(killSettle)
			}
		}
		close(a.stop)
		if err := a.ptmx.Close(); err != nil {
			slog.Debug("PTY close failed", "pid", a.Pid(), "error", err)
		}
	})
}
