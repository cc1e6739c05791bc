// Package classifier runs a pool of external "redirector" subprocesses that
// classify each proxied request, speaking the Squid redirector line protocol
// to the subprocess and exposing each reply back to the manager as a typed
// Reply over a channel, rather than framing it on a wire the reactor would
// have to decode (see DESIGN.md's REDESIGN FLAGS note: an in-process
// subprocess actor has no wire to frame).
package classifier

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/google/uuid"
)

// Job is one request awaiting classification.
type Job struct {
	ClientID string
	URL      string
	ClientIP string
	Method   string
}

// line renders a Job as the Squid redirector request line:
// "<url> <client-ip> - <method> -\n".
func (j Job) line() string {
	return fmt.Sprintf("%s %s - %s -\n", j.URL, j.ClientIP, j.Method)
}

// Worker owns one redirector subprocess. A single goroutine (per spec.md
// §4.3, one OS thread per worker in the original) drains the subprocess's
// stdout and turns each reply line into a Reply pushed onto Replies.
// Classification requests are written to the subprocess's stdin
// from Send, which may be called from the manager's single reactor
// goroutine without additional locking since the reactor never calls it
// concurrently with itself.
type Worker struct {
	ID string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	Replies chan Reply

	mu     sync.Mutex
	closed bool
	inUse  *Job // the job currently awaiting a subprocess reply, if any
}

// Spawn starts a new redirector subprocess running program with args.
func Spawn(program string, args []string) (*Worker, error) {
	cmd := exec.Command(program, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("classifier: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("classifier: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("classifier: start %s: %w", program, err)
	}

	w := &Worker{
		ID:      uuid.NewString(),
		cmd:     cmd,
		stdin:   stdin,
		stdout:  bufio.NewReader(stdout),
		Replies: make(chan Reply, 1),
	}
	go w.readLoop()
	return w, nil
}

// readLoop reads one classifier reply line per subprocess response and
// converts it into a Reply. It exits (closing Replies) when the subprocess's
// stdout is closed, signalling a crash to the manager.
func (w *Worker) readLoop() {
	defer close(w.Replies)
	for {
		line, err := w.stdout.ReadString('\n')
		if err != nil {
			return
		}
		w.mu.Lock()
		job := w.inUse
		w.inUse = nil
		w.mu.Unlock()
		if job == nil {
			continue // reply with nothing outstanding; drop it
		}
		decision := parseRedirectorReply(line)
		cmd := CommandRequest
		if decision != "" {
			cmd = CommandRewrite
		}
		w.Replies <- Reply{ClientID: job.ClientID, Command: cmd, Decision: decision}
	}
}

// parseRedirectorReply trims the trailing newline; an empty line means
// pass-through, any other content is the replacement URL.
func parseRedirectorReply(line string) string {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}

// Send writes job's redirector line to the subprocess's stdin. Only one job
// may be in flight per worker at a time; the manager enforces this.
func (w *Worker) Send(job Job) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("classifier: worker %s is closed", w.ID)
	}
	w.inUse = &job
	w.mu.Unlock()

	_, err := io.WriteString(w.stdin, job.line())
	return err
}

// Busy reports whether a job is currently awaiting a subprocess reply.
func (w *Worker) Busy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inUse != nil
}

// Close terminates the subprocess and releases its pipes.
func (w *Worker) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	w.stdin.Close()
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	return w.cmd.Wait()
}
