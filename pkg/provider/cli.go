package provider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ai-village/village/pkg/models"
	"github.com/ai-village/village/pkg/pty"
)

const maxPendingLine = 1 << 20

// cliAdapter is the shared machinery for providers that run as a CLI under
// a PTY and report structured events as JSON lines mixed into terminal
// output. Concrete adapters supply the binary, argument construction, and
// the line decoder.
type cliAdapter struct {
	id        models.ProviderID
	sessionID string
	ptys      *pty.Manager
	binary    string
	buildArgs func(spec StartSpec) []string
	decode    func(line []byte) (Event, bool)

	mu       sync.Mutex
	callback func(Event)
	pending  []byte
}

func (a *cliAdapter) ID() models.ProviderID { return a.id }

// Detect probes the provider binary on PATH.
func (a *cliAdapter) Detect(ctx context.Context) Detection {
	path, err := exec.LookPath(a.binary)
	if err != nil {
		return Detection{Installed: false}
	}
	vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(vctx, path, "--version").Output()
	if err != nil {
		return Detection{Installed: true}
	}
	return Detection{Installed: true, Version: strings.TrimSpace(string(out))}
}

func (a *cliAdapter) StartSession(ctx context.Context, spec StartSpec) (int, error) {
	env := make(map[string]string, len(spec.Env))
	for k, v := range spec.Env {
		env[k] = v
	}
	pid, err := a.ptys.Spawn(a.sessionID, pty.SpawnSpec{
		Command: a.binary,
		Args:    a.buildArgs(spec),
		Cwd:     spec.RepoPath,
		Env:     env,
	})
	if err != nil {
		return 0, fmt.Errorf("start %s: %w", a.id, err)
	}
	return pid, nil
}

func (a *cliAdapter) SendInput(data []byte) error {
	return a.ptys.Write(a.sessionID, data)
}

// Stop asks the provider to wind down; exit surfaces through the PTY.
func (a *cliAdapter) Stop(ctx context.Context) error {
	a.ptys.Kill(a.sessionID, "SIGTERM")
	return nil
}

func (a *cliAdapter) OnEvent(fn func(Event)) {
	a.mu.Lock()
	a.callback = fn
	a.mu.Unlock()
}

// HandleOutput scans PTY output for complete JSON lines and decodes each.
// Partial lines are buffered until their newline arrives; anything that is
// not a JSON object is terminal noise and ignored.
func (a *cliAdapter) HandleOutput(data []byte) {
	a.mu.Lock()
	a.pending = append(a.pending, data...)
	var lines [][]byte
	for {
		i := bytes.IndexByte(a.pending, '\n')
		if i < 0 {
			break
		}
		line := append([]byte(nil), a.pending[:i]...)
		a.pending = a.pending[i+1:]
		lines = append(lines, line)
	}
	if len(a.pending) > maxPendingLine {
		a.pending = nil
	}
	cb := a.callback
	a.mu.Unlock()

	if cb == nil {
		return
	}
	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		if event, ok := a.decode(line); ok {
			a.emit(cb, event)
		}
	}
}

// emit normalizes the event before delivery: approval requests get ids and
// timestamps so the session layer can track them.
func (a *cliAdapter) emit(cb func(Event), event Event) {
	if event.Kind == KindRequestApproval && event.Approval != nil {
		if event.Approval.ApprovalID == "" {
			event.Approval.ApprovalID = uuid.NewString()
		}
		event.Approval.SessionID = a.sessionID
		if event.Approval.RequestedAt.IsZero() {
			event.Approval.RequestedAt = time.Now()
		}
	}
	cb(event)
}
