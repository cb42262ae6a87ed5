package producer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"sync"

	"github.com/nicktill/tinystation/pkg/bus"
	"github.com/nicktill/tinystation/pkg/clock"
	"github.com/nicktill/tinystation/pkg/config"
	"github.com/nicktill/tinystation/pkg/source"
)

// maxLineBytes bounds one JSON line from the child.
const maxLineBytes = 1 << 20

// Process runs a long-lived command that prints one JSON object per
// line and keeps the newest. If the command exits it is restarted on a
// later fetch, at most once per backoff window.
type Process struct {
	name string
	args []string
	gate *source.RestartGate

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	latest  bus.Payload
	starts  int
	closed  bool
}

// NewProcess creates a stopped process producer. The command starts on
// the first Fetch.
func NewProcess(command []string, gate *source.RestartGate) (*Process, error) {
	if len(command) == 0 {
		return nil, errors.New("process source needs a command")
	}
	return &Process{name: command[0], args: command[1:], gate: gate}, nil
}

func newProcessFromConfig(cfg config.SourceConfig, clk clock.Clock) (*Process, error) {
	backoff := config.DefaultRestartBackoff
	if secs := cfg.OptFloat("restart_backoff", 0); secs > 0 {
		backoff = secondsToDuration(secs)
	}
	return NewProcess(cfg.OptStrings("command"), source.NewRestartGate(backoff, clk))
}

// Fetch implements source.Producer. It returns the newest unseen line,
// or no payload when nothing new arrived.
func (p *Process) Fetch(ctx context.Context) (bus.Payload, error) {
	if err := p.ensureRunning(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.latest
	p.latest = nil
	return out, nil
}

// Starts reports how many times the command was launched.
func (p *Process) Starts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts
}

func (p *Process) ensureRunning() error {
	p.mu.Lock()
	if p.running || p.closed {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if !p.gate.Allow() {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, p.name, p.args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("%s: stdout pipe: %w", p.name, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("%s: start: %w", p.name, err)
	}

	done := make(chan struct{})
	p.mu.Lock()
	p.running = true
	p.cancel = cancel
	p.done = done
	p.starts++
	p.mu.Unlock()

	log.Printf("[source] started %s (pid %d)", p.name, cmd.Process.Pid)

	go func() {
		defer close(done)
		defer cancel()

		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for sc.Scan() {
			var payload bus.Payload
			if err := json.Unmarshal(sc.Bytes(), &payload); err != nil || payload == nil {
				continue
			}
			p.mu.Lock()
			p.latest = payload
			p.mu.Unlock()
		}

		err := cmd.Wait()
		p.mu.Lock()
		p.running = false
		closed := p.closed
		p.mu.Unlock()
		if !closed {
			log.Printf("[source] %s exited: %v", p.name, err)
		}
	}()
	return nil
}

// Close stops the command and waits for it to exit.
func (p *Process) Close() error {
	p.mu.Lock()
	p.closed = true
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}
