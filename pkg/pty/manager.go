// Package pty spawns provider processes under pseudo-terminals, streams
// their merged output, and tracks exit.
package pty

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

var (
	ErrNotInitialized = errors.New("pty manager not initialized")
	ErrAlreadyRunning = errors.New("session already has a pty")
	ErrNotFound       = errors.New("no pty for session")
)

const (
	defaultCols = 120
	defaultRows = 40
)

// SpawnSpec describes the process to run under a PTY. When Shell is set the
// process is `shell -c command` and Args are ignored.
type SpawnSpec struct {
	Command string
	Args    []string
	Cwd     string
	Env     map[string]string
	Cols    uint16
	Rows    uint16
	Shell   string
}

// DataEvent is one chunk of PTY output.
type DataEvent struct {
	SessionID string
	Data      []byte
	Stream    string
	Timestamp time.Time
}

// ExitEvent reports a provider process exiting.
type ExitEvent struct {
	SessionID string
	ExitCode  int
	Signal    string
	Timestamp time.Time
}

// proc is one running PTY process. The production implementation wraps
// creack/pty; tests substitute an in-memory fake via Manager.start.
type proc interface {
	Pid() int
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Resize(cols, rows uint16) error
	Signal(sig os.Signal) error
	// Wait blocks until exit and returns the exit code and, when the process
	// died from a signal, the signal name.
	Wait() (exitCode int, signal string)
	Close() error
}

type session struct {
	proc   proc
	buffer *ringBuffer
	done   chan struct{}
}

// Config configures a Manager. Callbacks fire from per-session reader
// goroutines; within a session they fire in byte-arrival order.
type Config struct {
	MaxChunks int
	OnData    func(DataEvent)
	OnExit    func(ExitEvent)
}

// Manager owns all PTYs on the runner, keyed by session id.
type Manager struct {
	cfg   Config
	start func(spec SpawnSpec) (proc, error)

	mu          sync.Mutex
	initialized bool
	sessions    map[string]*session
}

// NewManager creates a manager; call Initialize before spawning.
func NewManager(cfg Config) *Manager {
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = DefaultMaxChunks
	}
	m := &Manager{
		cfg:      cfg,
		sessions: make(map[string]*session),
	}
	m.start = startProc
	return m
}

// Initialize must be called once before any spawn.
func (m *Manager) Initialize() {
	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
}

// Spawn starts the process under a fresh PTY and begins streaming its
// output. Duplicate session ids are rejected.
func (m *Manager) Spawn(sessionID string, spec SpawnSpec) (int, error) {
	if spec.Cols == 0 {
		spec.Cols = defaultCols
	}
	if spec.Rows == 0 {
		spec.Rows = defaultRows
	}

	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return 0, ErrNotInitialized
	}
	if _, exists := m.sessions[sessionID]; exists {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrAlreadyRunning, sessionID)
	}
	// Reserve the slot before releasing the lock so concurrent spawns for
	// the same session cannot both start a process.
	s := &session{buffer: newRingBuffer(m.cfg.MaxChunks), done: make(chan struct{})}
	m.sessions[sessionID] = s
	m.mu.Unlock()

	p, err := m.start(spec)
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, sessionID)
		m.mu.Unlock()
		return 0, fmt.Errorf("spawn pty for session %s: %w", sessionID, err)
	}
	s.proc = p

	go m.stream(sessionID, s)
	return p.Pid(), nil
}

// stream pumps output chunks until EOF, then reports exit and removes the
// session.
func (m *Manager) stream(sessionID string, s *session) {
	defer close(s.done)
	buf := make([]byte, 32*1024)
	for {
		n, err := s.proc.Read(buf)
		if n > 0 {
			chunk := Chunk{
				Data:      append([]byte(nil), buf[:n]...),
				Stream:    "stdout",
				Timestamp: time.Now(),
			}
			m.mu.Lock()
			s.buffer.append(chunk)
			m.mu.Unlock()
			if m.cfg.OnData != nil {
				m.cfg.OnData(DataEvent{
					SessionID: sessionID,
					Data:      chunk.Data,
					Stream:    chunk.Stream,
					Timestamp: chunk.Timestamp,
				})
			}
		}
		if err != nil {
			// PTY reads end with EIO when the child exits; either way the
			// process is done.
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) {
				slog.Debug("PTY read ended", "session_id", sessionID, "error", err)
			}
			break
		}
	}

	exitCode, signal := s.proc.Wait()
	_ = s.proc.Close()

	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if m.cfg.OnExit != nil {
		m.cfg.OnExit(ExitEvent{
			SessionID: sessionID,
			ExitCode:  exitCode,
			Signal:    signal,
			Timestamp: time.Now(),
		})
	}
}

// Write appends data to the PTY stdin. Fails on unknown session.
func (m *Manager) Write(sessionID string, data []byte) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	if _, err := s.proc.Write(data); err != nil {
		return fmt.Errorf("write to session %s: %w", sessionID, err)
	}
	return nil
}

// Resize propagates a terminal resize to the PTY.
func (m *Manager) Resize(sessionID string, cols, rows uint16) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	return s.proc.Resize(cols, rows)
}

// Kill signals the process. Unknown sessions and unknown signal names are
// no-ops; an empty signal means SIGTERM.
func (m *Manager) Kill(sessionID, signal string) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return
	}
	sig := parseSignal(signal)
	if sig == nil {
		slog.Warn("Unknown signal name, ignoring", "session_id", sessionID, "signal", signal)
		return
	}
	if err := s.proc.Signal(sig); err != nil {
		slog.Debug("Failed to signal pty process", "session_id", sessionID, "error", err)
	}
}

// GetBuffer returns the session's buffered output, oldest first. Empty for
// unknown sessions.
func (m *Manager) GetBuffer(sessionID string) []Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	return s.buffer.snapshot()
}

// Running reports whether the session has a live PTY.
func (m *Manager) Running(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[sessionID]
	return ok
}

// Cleanup force-kills every PTY and waits for each to exit.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	remaining := make(map[string]*session, len(m.sessions))
	for id, s := range m.sessions {
		remaining[id] = s
	}
	m.mu.Unlock()

	for id, s := range remaining {
		if err := s.proc.Signal(syscall.SIGKILL); err != nil {
			slog.Debug("Failed to kill pty process during cleanup", "session_id", id, "error", err)
		}
	}
	for _, s := range remaining {
		<-s.done
	}
}

func (m *Manager) lookup(sessionID string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.proc == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return s, nil
}

func parseSignal(name string) os.Signal {
	switch name {
	case "", "SIGTERM":
		return syscall.SIGTERM
	case "SIGKILL":
		return syscall.SIGKILL
	case "SIGINT":
		return syscall.SIGINT
	case "SIGHUP":
		return syscall.SIGHUP
	case "SIGQUIT":
		return syscall.SIGQUIT
	default:
		return nil
	}
}

// realProc wraps a creack/pty process.
type realProc struct {
	cmd *exec.Cmd
	f   *os.File
}

func startProc(spec SpawnSpec) (proc, error) {
	var cmd *exec.Cmd
	if spec.Shell != "" {
		cmd = exec.Command(spec.Shell, "-c", spec.Command)
	} else {
		cmd = exec.Command(spec.Command, spec.Args...)
	}
	cmd.Dir = spec.Cwd

	env := os.Environ()
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, "TERM=xterm-256color", "COLORTERM=truecolor")
	cmd.Env = env

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: spec.Rows, Cols: spec.Cols})
	if err != nil {
		return nil, err
	}
	return &realProc{cmd: cmd, f: f}, nil
}

func (p *realProc) Pid() int                    { return p.cmd.Process.Pid }
func (p *realProc) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p *realProc) Write(b []byte) (int, error) { return p.f.Write(b) }

func (p *realProc) Resize(cols, rows uint16) error {
	return pty.Setsize(p.f, &pty.Winsize{Rows: rows, Cols: cols})
}

func (p *realProc) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *realProc) Wait() (int, string) {
	err := p.cmd.Wait()
	state := p.cmd.ProcessState
	if state == nil {
		if err != nil {
			return -1, ""
		}
		return 0, ""
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), ws.Signal().String()
	}
	return state.ExitCode(), ""
}

func (p *realProc) Close() error { return p.f.Close() }
