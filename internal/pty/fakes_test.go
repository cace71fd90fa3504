package pty

import (
	"errors"
	"io"
	"sync"
	"time"
)

// fakeProcess is an in-memory stand-in for *Adapter.
type fakeProcess struct {
	pid int
	out chan string

	mu         sync.Mutex
	inputs     []string
	resizes    [][2]int
	signals    []string
	exitCode   int
	exited     bool
	exitedCh   chan struct{}
	terminated bool
	released   bool
	crashed    bool
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{
		pid:      pid,
		out:      make(chan string, 128),
		exitedCh: make(chan struct{}),
	}
}

// emit queues output as if the shell had printed it.
func (p *fakeProcess) emit(chunk string) { p.out <- chunk }

// exit simulates the shell exiting on its own.
func (p *fakeProcess) exit(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.exited = true
	p.exitCode = code
	close(p.exitedCh)
	close(p.out)
}

// crash makes the process report itself dead while its output stream stays
// open, as a wedged child would.
func (p *fakeProcess) crash() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.crashed = true
}

func (p *fakeProcess) ReadChunk(timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case chunk, ok := <-p.out:
		if !ok {
			return "", io.EOF
		}
		return chunk, nil
	case <-timer.C:
		return "", ErrWouldBlock
	}
}

func (p *fakeProcess) WriteInput(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputs = append(p.inputs, string(b))
}

func (p *fakeProcess) Resize(cols, rows int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resizes = append(p.resizes, [2]int{cols, rows})
}

func (p *fakeProcess) SendSignal(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, name)
	return true
}

func (p *fakeProcess) IsAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited && !p.terminated && !p.released && !p.crashed
}

func (p *fakeProcess) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exited
}

func (p *fakeProcess) WaitExit(timeout time.Duration) bool {
	select {
	case <-p.exitedCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (p *fakeProcess) Terminate(time.Duration) {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	p.exit(-1)
}

func (p *fakeProcess) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = true
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) wasTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

func (p *fakeProcess) wasReleased() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

var errSendFailed = errors.New("send failed")

// fakeClient records everything a session sends to it.
type fakeClient struct {
	mu       sync.Mutex
	outputs  []Entry
	exits    []int
	closed   bool
	failSend bool
}

func (c *fakeClient) SendOutput(seq uint64, data string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSend || c.closed {
		return errSendFailed
	}
	c.outputs = append(c.outputs, Entry{Seq: seq, Data: data})
	return nil
}

func (c *fakeClient) SendExit(code int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errSendFailed
	}
	c.exits = append(c.exits, code)
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) received() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry(nil), c.outputs...)
}

func (c *fakeClient) exitCodes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.exits...)
}

func seqs(entries []Entry) []uint64 {
	out := make([]uint64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Seq)
	}
	return out
}

// recordingObserver captures lifecycle notifications.
type recordingObserver struct {
	mu      sync.Mutex
	created []string
	closed  map[string]CloseReason
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{closed: make(map[string]CloseReason)}
}

func (o *recordingObserver) SessionCreated(info SessionInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.created = append(o.created, info.ID)
}

func (o *recordingObserver) SessionClosed(info SessionInfo, reason CloseReason, _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed[info.ID] = reason
}

func (o *recordingObserver) closeReason(id string) (CloseReason, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.closed[id]
	return r, ok
}
