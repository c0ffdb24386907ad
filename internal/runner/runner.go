// Package runner drives one document's run and test lifecycle against a
// sandbox: write files, compile, execute with side-channels, reload files and
// map diagnostics. One pipeline may be active per Runner at a time.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/antonkrylov/runbox/internal/diagnostic"
	"github.com/antonkrylov/runbox/internal/dispatch"
	"github.com/antonkrylov/runbox/internal/lang"
	"github.com/antonkrylov/runbox/internal/project"
	"github.com/antonkrylov/runbox/internal/sandbox"
	"github.com/antonkrylov/runbox/internal/streams"
	"github.com/antonkrylov/runbox/internal/turtle"
)

var (
	// ErrAlreadyRunning is returned by Run and Test while a pipeline is active.
	ErrAlreadyRunning = errors.New("runner: already running")
	// ErrUnsupportedRuntime is returned by NewSession for runtimes this module cannot host.
	ErrUnsupportedRuntime = errors.New("runner: unsupported runtime")
	// ErrNoTestCommand is returned by Test for languages without a test command.
	ErrNoTestCommand = errors.New("runner: language has no test command")
)

// Phase is the pipeline state of a Runner.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseWritingFiles
	PhaseCompiling
	PhaseExecuting
	PhaseTesting
	PhaseReloadingFiles
	PhaseDone
	PhaseCancelled
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseWritingFiles:
		return "writingFiles"
	case PhaseCompiling:
		return "compiling"
	case PhaseExecuting:
		return "executing"
	case PhaseTesting:
		return "testing"
	case PhaseReloadingFiles:
		return "reloadingFiles"
	case PhaseDone:
		return "done"
	case PhaseCancelled:
		return "cancelled"
	case PhaseFailed:
		return "failed"
	default:
		return "idle"
	}
}

// StageError reports a stage that ran to completion with a failing exit.
type StageError struct {
	Stage string
	Exit  sandbox.ExitStatus
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Stage, e.Exit)
}

// Outcome summarizes one pipeline run.
type Outcome struct {
	// Phase is PhaseDone, PhaseCancelled or PhaseFailed.
	Phase       Phase
	Exit        sandbox.ExitStatus
	Err         error
	Diagnostics []diagnostic.Diagnostic
	TestResult  *TestResult
	Images      int
}

// EventKind classifies runner notifications.
type EventKind int

const (
	EventPhaseChanged EventKind = iota
	EventImageOpened
	EventTestResultOpened
	EventDone
)

// Event is delivered to subscribers in pipeline order.
type Event struct {
	Kind       EventKind
	Phase      Phase
	ArtifactID string
	Outcome    *Outcome
}

// Dispatcher is the part of dispatch.Dispatcher the runner reports through.
type Dispatcher interface {
	SendAction(a *dispatch.Action, useQueue bool)
	SendEvent(e *dispatch.EventLog)
}

// Config wires a Runner. Project, Language and Sandbox are required.
type Config struct {
	Project  *project.Project
	Language *lang.Config
	Sandbox  sandbox.Sandbox

	Dispatcher Dispatcher
	Artifacts  ArtifactSink
	// Canvas receives turtle drawings; nil records them off-screen.
	Canvas turtle.Canvas

	// Stdout and Stderr receive the visible, terminal-normalized output.
	Stdout io.Writer
	Stderr io.Writer

	Logger *slog.Logger
	// Locale selects the status line language. Default English.
	Locale language.Tag

	Cols, Rows int
	// WorkDir is the sandbox directory the project files live in. Default ".".
	WorkDir string
}

// ExecutionSession is what a UI drives, independent of where code runs.
type ExecutionSession interface {
	Stdin() io.Writer
	Stdout() io.Writer
	Stderr() io.Writer
	Run(ctx context.Context) (*Outcome, error)
	Test(ctx context.Context) (*Outcome, error)
	Stop()
	Resize(cols, rows int) error
	IsRunning() bool
}

// NewSession picks the session implementation for the language runtime.
func NewSession(cfg Config) (ExecutionSession, error) {
	if cfg.Language == nil {
		return nil, errors.New("runner: language is required")
	}
	switch rt := cfg.Language.RuntimeOrDefault(); rt {
	case lang.RuntimeSandbox:
		return New(cfg)
	default:
		return nil, fmt.Errorf("%w: %s (%s)", ErrUnsupportedRuntime, rt, cfg.Language.Name)
	}
}

// Runner is the sandbox-backed ExecutionSession.
type Runner struct {
	cfg     Config
	logger  *slog.Logger
	printer *message.Printer

	mu        sync.Mutex
	running   bool
	stopped   bool
	phase     Phase
	cancel    context.CancelFunc
	proc      sandbox.Process
	stdin     *streams.Queue
	outGate   *streams.Gate
	errGate   *streams.Gate
	turtle    *turtle.Handler
	cols      int
	rows      int
	resultArt string

	emitMu  sync.Mutex
	subsMu  sync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

var _ ExecutionSession = (*Runner)(nil)

// New validates cfg and returns an idle Runner.
func New(cfg Config) (*Runner, error) {
	switch {
	case cfg.Project == nil:
		return nil, errors.New("runner: project is required")
	case cfg.Language == nil:
		return nil, errors.New("runner: language is required")
	case cfg.Sandbox == nil:
		return nil, errors.New("runner: sandbox is required")
	}
	if cfg.Language.RuntimeOrDefault() != lang.RuntimeSandbox {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedRuntime, cfg.Language.Runtime)
	}
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}
	if cfg.Stderr == nil {
		cfg.Stderr = cfg.Stdout
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "."
	}
	if cfg.Canvas == nil {
		cfg.Canvas = turtle.NewRecorder(640, 480)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{
		cfg:     cfg,
		logger:  logger.With("project", cfg.Project.Name, "language", cfg.Language.Name),
		printer: newPrinter(cfg.Locale),
		cols:    cfg.Cols,
		rows:    cfg.Rows,
		subs:    make(map[int]func(Event)),
	}, nil
}

// Subscribe registers fn for runner events and returns its cancel func.
// Events are delivered one at a time; fn must not call Run or Test.
func (r *Runner) Subscribe(fn func(Event)) func() {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	return func() {
		r.subsMu.Lock()
		delete(r.subs, id)
		r.subsMu.Unlock()
	}
}

func (r *Runner) emit(ev Event) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.subsMu.Lock()
	fns := make([]func(Event), 0, len(r.subs))
	for i := 0; i < r.nextSub; i++ {
		if fn, ok := r.subs[i]; ok {
			fns = append(fns, fn)
		}
	}
	r.subsMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (r *Runner) setPhase(p Phase) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
	r.logger.Debug("phase", "phase", p)
	r.emit(Event{Kind: EventPhaseChanged, Phase: p})
}

// Phase returns the current pipeline phase.
func (r *Runner) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// IsRunning reports an active pipeline.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Stdin feeds the running program. Input written while idle is dropped.
func (r *Runner) Stdin() io.Writer { return stdinWriter{r} }

func (r *Runner) Stdout() io.Writer { return r.cfg.Stdout }
func (r *Runner) Stderr() io.Writer { return r.cfg.Stderr }

type stdinWriter struct{ r *Runner }

func (w stdinWriter) Write(p []byte) (int, error) {
	w.r.mu.Lock()
	q := w.r.stdin
	w.r.mu.Unlock()
	if q == nil {
		return len(p), nil
	}
	return q.Write(p)
}

// Turtle returns the turtle handler of the running program, or nil.
func (r *Runner) Turtle() *turtle.Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.turtle
}

// Resize records the terminal size and forwards it to a running terminal process.
func (r *Runner) Resize(cols, rows int) error {
	r.mu.Lock()
	r.cols, r.rows = cols, rows
	proc := r.proc
	r.mu.Unlock()
	if proc == nil {
		return nil
	}
	if err := proc.Resize(cols, rows); err != nil && !errors.Is(err, sandbox.ErrNoTerminal) {
		return err
	}
	return nil
}

// Stop cancels the active pipeline and kills its process. It is a no-op
// when idle or already stopped.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running || r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	out, errw := r.outGate, r.errGate
	cancel, proc := r.cancel, r.proc
	r.mu.Unlock()

	out.Shut()
	errw.Shut()
	r.writeStatus(r.cfg.Stdout, msgCancelled)
	r.logger.Info("run cancelled")
	cancel()
	if proc != nil {
		if err := proc.Kill("SIGKILL"); err != nil {
			r.logger.Warn("kill failed", "err", err)
		}
	}
}

func (r *Runner) wasStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func (r *Runner) setProcess(p sandbox.Process) {
	r.mu.Lock()
	r.proc = p
	stopped := r.stopped
	r.mu.Unlock()
	if p != nil && stopped {
		_ = p.Kill("SIGKILL")
	}
}

func (r *Runner) size() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cols, r.rows
}
