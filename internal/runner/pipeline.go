package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/antonkrylov/runbox/internal/diagnostic"
	"github.com/antonkrylov/runbox/internal/dispatch"
	"github.com/antonkrylov/runbox/internal/lang"
	"github.com/antonkrylov/runbox/internal/project"
	"github.com/antonkrylov/runbox/internal/sandbox"
	"github.com/antonkrylov/runbox/internal/streams"
	"github.com/antonkrylov/runbox/internal/turtle"
)

// session is the state of one pipeline run. Its input queue and output
// gates are never shared with another run.
type session struct {
	test    bool
	stdin   *streams.Queue
	outGate *streams.Gate
	errGate *streams.Gate
	out     io.Writer
	errw    io.Writer
	diags   []diagnostic.Diagnostic

	mu     sync.Mutex
	images int
	result json.RawMessage
	fatal  error
}

func (s *session) addImage() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images++
	return s.images
}

func (s *session) setResult(doc json.RawMessage) {
	s.mu.Lock()
	s.result = doc
	s.mu.Unlock()
}

func (s *session) setFatal(err error) {
	s.mu.Lock()
	if s.fatal == nil {
		s.fatal = err
	}
	s.mu.Unlock()
}

func (s *session) snapshot() (images int, result json.RawMessage, fatal error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.images, s.result, s.fatal
}

// Run writes, compiles and executes the project. It blocks until the
// pipeline ends; stage failures are reported on the Outcome.
func (r *Runner) Run(ctx context.Context) (*Outcome, error) {
	return r.start(ctx, false)
}

// Test is Run with the language's test command and the results channel.
func (r *Runner) Test(ctx context.Context) (*Outcome, error) {
	if r.cfg.Language.Test.IsZero() {
		return nil, ErrNoTestCommand
	}
	return r.start(ctx, true)
}

func (r *Runner) start(parent context.Context, test bool) (*Outcome, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(parent)
	if r.stdin != nil {
		r.stdin.Discard()
	}
	s := &session{
		test:    test,
		stdin:   streams.NewQueue(),
		outGate: streams.NewGate(r.cfg.Stdout),
		errGate: streams.NewGate(r.cfg.Stderr),
	}
	s.out = streams.NewTerminalWriter(s.outGate)
	s.errw = streams.NewTerminalWriter(s.errGate)
	r.running, r.stopped, r.cancel = true, false, cancel
	r.stdin, r.outGate, r.errGate = s.stdin, s.outGate, s.errGate
	r.mu.Unlock()

	r.logger.Info("run started", "test", test)
	out := r.pipeline(ctx, s)
	cancel()
	s.stdin.Discard()

	r.mu.Lock()
	r.running = false
	r.proc = nil
	r.turtle = nil
	r.mu.Unlock()
	r.logger.Info("run finished", "phase", out.Phase, "code", out.Exit.Code, "err", out.Err)
	r.setPhase(out.Phase)
	r.emit(Event{Kind: EventDone, Phase: out.Phase, Outcome: out})
	return out, nil
}

func (r *Runner) pipeline(ctx context.Context, s *session) *Outcome {
	out := &Outcome{Phase: PhaseDone}
	lc := r.cfg.Language
	files := r.cfg.Project.Files()

	r.setPhase(PhaseWritingFiles)
	r.applyDiagnostics(files, nil)
	if err := r.writeFiles(ctx, files); err != nil {
		return r.abort(ctx, s, out, "write", err)
	}

	if !lc.Compile.IsZero() {
		if err := ctx.Err(); err != nil {
			return r.abort(ctx, s, out, "compile", err)
		}
		r.setPhase(PhaseCompiling)
		r.writeStatus(s.outGate, msgCompiling)
		exit, err := r.compile(ctx, s)
		if err == nil {
			err = ctx.Err()
		}
		if err != nil {
			return r.abort(ctx, s, out, "compile", err)
		}
		if !exit.Success() {
			out.Phase, out.Exit = PhaseFailed, exit
			out.Err = &StageError{Stage: "compile", Exit: exit}
			out.Diagnostics = s.diags
			r.applyDiagnostics(files, s.diags)
			r.writeStatus(s.outGate, msgCompileFailed, exit.Code)
			r.sendEvent(dispatch.EventError, map[string]any{
				"stage":       "compile",
				"code":        exit.Code,
				"diagnostics": len(s.diags),
			})
			return out
		}
	}

	stage, phase := "run", PhaseExecuting
	if s.test {
		stage, phase = "test", PhaseTesting
	}
	if err := ctx.Err(); err != nil {
		return r.abort(ctx, s, out, stage, err)
	}
	r.setPhase(phase)
	if !s.test {
		r.sendEvent(dispatch.EventRun, map[string]any{"mainFile": r.cfg.Project.MainFile})
	}
	exit, err := r.execute(ctx, s)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return r.abort(ctx, s, out, stage, err)
	}
	out.Exit = exit
	out.Images, _, _ = s.snapshot()
	if s.test {
		out.TestResult = r.finishTest(s)
	}

	r.setPhase(PhaseReloadingFiles)
	err = r.reloadFiles(ctx, files)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return r.abort(ctx, s, out, "reload", err)
	}
	out.Diagnostics = s.diags
	r.applyDiagnostics(files, s.diags)

	if exit.Signal != "" {
		r.writeStatus(s.outGate, msgSignaled, exit.Signal)
	} else {
		r.writeStatus(s.outGate, msgExited, exit.Code)
	}
	if !exit.Success() {
		out.Phase = PhaseFailed
		out.Err = &StageError{Stage: stage, Exit: exit}
	}
	return out
}

// abort is the single boundary every stage error passes through.
func (r *Runner) abort(ctx context.Context, s *session, out *Outcome, stage string, err error) *Outcome {
	if ctx.Err() != nil {
		out.Phase, out.Err = PhaseCancelled, context.Canceled
		if !r.wasStopped() {
			r.writeStatus(s.outGate, msgCancelled)
		}
		return out
	}
	out.Phase = PhaseFailed
	out.Err = fmt.Errorf("%s: %w", stage, err)
	r.logger.Warn("stage failed", "stage", stage, "err", err)
	r.writeStatus(s.outGate, msgError, out.Err)
	r.sendEvent(dispatch.EventFailure, map[string]any{"stage": stage, "error": err.Error()})
	return out
}

func (r *Runner) sendEvent(name string, fields map[string]any) {
	if r.cfg.Dispatcher == nil {
		return
	}
	payload := map[string]any{
		"project":  r.cfg.Project.Name,
		"language": r.cfg.Language.Name,
	}
	for k, v := range fields {
		payload[k] = v
	}
	r.cfg.Dispatcher.SendEvent(&dispatch.EventLog{Name: name, Payload: payload})
}

func (r *Runner) remotePath(name string) string {
	return path.Join(r.cfg.WorkDir, name)
}

func (r *Runner) writeFiles(ctx context.Context, files []*project.File) error {
	seen := map[string]bool{".": true}
	var dirs []string
	for _, f := range files {
		dir := path.Dir(r.remotePath(f.Name()))
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	if len(dirs) > 0 {
		if err := r.cfg.Sandbox.Mkdir(ctx, dirs, true); err != nil {
			return fmt.Errorf("mkdir: %w", err)
		}
	}
	for _, f := range files {
		if err := r.cfg.Sandbox.WriteFile(ctx, r.remotePath(f.Name()), f.Content()); err != nil {
			return fmt.Errorf("write %s: %w", f.Name(), err)
		}
	}
	return nil
}

func (r *Runner) command(cmd lang.Command) ([]string, error) {
	names := r.cfg.Project.Names()
	return cmd.Resolve(r.cfg.Language.SourceFiles(names), r.cfg.Project.MainFile, r.cfg.Project.Name)
}

func (r *Runner) compile(ctx context.Context, s *session) (sandbox.ExitStatus, error) {
	lc := r.cfg.Language
	argv, err := r.command(lc.Compile)
	if err != nil {
		return sandbox.ExitStatus{}, err
	}
	parser, err := diagnostic.NewParser(lc.Matchers, diagnostic.Options{GroupWidth: lc.GroupWidth})
	if err != nil {
		return sandbox.ExitStatus{}, err
	}
	proc, err := r.cfg.Sandbox.Exec(ctx, argv[0], argv[1:], sandbox.ExecOptions{Cwd: r.cfg.WorkDir, Env: lc.Env})
	if err != nil {
		return sandbox.ExitStatus{}, err
	}
	r.setProcess(proc)
	defer r.setProcess(nil)
	_ = proc.Stdin().Close()

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(s.out, proc.Stdout())
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(io.MultiWriter(parser, s.errw), proc.Stderr())
		_ = parser.Close()
		return err
	})
	copyErr := g.Wait()
	exit, err := proc.Wait()

	diags := parser.Diagnostics()
	s.diags = make([]diagnostic.Diagnostic, len(diags))
	for i, d := range diags {
		s.diags[i] = d.Rebased()
	}
	switch {
	case ctx.Err() != nil:
		return exit, ctx.Err()
	case err != nil:
		return exit, err
	case copyErr != nil:
		r.logger.Warn("compiler output truncated", "err", copyErr)
	}
	return exit, nil
}

// channelEnv names the variable telling the program which fd carries ch.
func channelEnv(kind lang.ChannelKind) string {
	return "RUNBOX_" + strings.ToUpper(string(kind)) + "_FD"
}

func (r *Runner) execute(ctx context.Context, s *session) (sandbox.ExitStatus, error) {
	lc := r.cfg.Language
	cmd := lc.Exec
	if s.test {
		cmd = lc.Test
	}
	argv, err := r.command(cmd)
	if err != nil {
		return sandbox.ExitStatus{}, err
	}
	channels := lc.ChannelsFor(s.test)
	env := make(map[string]string, len(lc.Env)+len(channels))
	for k, v := range lc.Env {
		env[k] = v
	}
	for i, ch := range channels {
		env[channelEnv(ch.Kind)] = strconv.Itoa(3 + i)
	}
	cols, rows := r.size()
	proc, err := r.cfg.Sandbox.Exec(ctx, argv[0], argv[1:], sandbox.ExecOptions{
		Cwd:     r.cfg.WorkDir,
		Env:     env,
		Term:    lc.Term,
		Cols:    cols,
		Rows:    rows,
		Streams: len(channels),
	})
	if err != nil {
		return sandbox.ExitStatus{}, err
	}
	r.setProcess(proc)
	defer r.setProcess(nil)

	go func() {
		_, _ = io.Copy(proc.Stdin(), s.stdin)
		_ = proc.Stdin().Close()
	}()

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(s.out, proc.Stdout())
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(s.errw, proc.Stderr())
		return err
	})
	for i, ch := range channels {
		ch := ch
		stream := proc.Stream(i)
		if stream == nil {
			continue
		}
		switch ch.Kind {
		case lang.ChannelMatplotlib:
			g.Go(func() error { return r.pumpImages(s, ch, stream) })
		case lang.ChannelTurtle:
			g.Go(func() error { return r.serveTurtle(s, proc, stream) })
		case lang.ChannelResults:
			g.Go(func() error { return r.pumpResults(s, ch, stream) })
		}
	}
	copyErr := g.Wait()
	exit, err := proc.Wait()
	_, _, fatal := s.snapshot()
	switch {
	case ctx.Err() != nil:
		return exit, ctx.Err()
	case err != nil:
		return exit, err
	case fatal != nil:
		return exit, fatal
	case copyErr != nil:
		r.logger.Warn("program output truncated", "err", copyErr)
	}
	return exit, nil
}

func (r *Runner) pumpImages(s *session, ch lang.Channel, src io.Reader) error {
	x := streams.NewImageExtractor(func(img []byte) {
		n := s.addImage()
		var id string
		if r.cfg.Artifacts != nil {
			id = r.cfg.Artifacts.Open(imageArtifact(n, img))
		}
		r.logger.Debug("image received", "bytes", len(img))
		r.emit(Event{Kind: EventImageOpened, ArtifactID: id})
	})
	if ch.ObjectMode {
		return streams.CopyMessages(x, src)
	}
	_, err := io.Copy(x, src)
	return err
}

func (r *Runner) serveTurtle(s *session, proc sandbox.Process, stream io.ReadWriter) error {
	h := turtle.NewHandler(stream, r.cfg.Canvas, r.logger)
	r.mu.Lock()
	r.turtle = h
	r.mu.Unlock()
	if err := h.Serve(stream); err != nil {
		if r.wasStopped() {
			return nil
		}
		s.setFatal(fmt.Errorf("turtle: %w", err))
		if kerr := proc.Kill("SIGKILL"); kerr != nil {
			r.logger.Warn("kill failed", "err", kerr)
		}
		_, _ = io.Copy(io.Discard, stream)
		return nil
	}
	h.Update()
	return nil
}

func (r *Runner) pumpResults(s *session, ch lang.Channel, src io.Reader) error {
	x := streams.NewJSONExtractor(nil, s.setResult, r.logger)
	if ch.ObjectMode {
		return streams.CopyMessages(x, src)
	}
	_, err := io.Copy(x, src)
	return err
}

// finishTest parses the last results message and reports it.
func (r *Runner) finishTest(s *session) *TestResult {
	_, raw, _ := s.snapshot()
	if raw == nil {
		r.logger.Warn("test run produced no result")
		return nil
	}
	res, err := parseTestResult(raw)
	if err != nil {
		r.logger.Warn("discarding malformed test result", "err", err)
		return nil
	}
	if d := r.cfg.Dispatcher; d != nil {
		d.SendAction(&dispatch.Action{
			Name: dispatch.ActionTestResultReport,
			Payload: map[string]any{
				"project":  r.cfg.Project.Name,
				"language": r.cfg.Language.Name,
				"result":   res,
			},
			Done: func(rep dispatch.Reply) {
				if rep.Err != nil {
					r.logger.Warn("test result not reported", "err", rep.Err)
				}
			},
		}, true)
		r.sendEvent(dispatch.EventTest, map[string]any{"score": res.Score, "maxScore": res.MaxScore})
	}
	if a := r.cfg.Artifacts; a != nil {
		r.mu.Lock()
		prev := r.resultArt
		r.mu.Unlock()
		if prev != "" {
			a.Close(prev)
		}
		data, _ := json.MarshalIndent(res, "", "  ")
		id := a.Open(Artifact{Kind: ArtifactTestResult, Name: "test-result.json", MIME: "application/json", Data: data})
		r.mu.Lock()
		r.resultArt = id
		r.mu.Unlock()
		r.emit(Event{Kind: EventTestResultOpened, ArtifactID: id})
	}
	return res
}

// reloadFiles pulls every file back; only differing content is applied.
func (r *Runner) reloadFiles(ctx context.Context, files []*project.File) error {
	for _, f := range files {
		data, err := r.cfg.Sandbox.ReadFile(ctx, r.remotePath(f.Name()))
		if errors.Is(err, sandbox.ErrNotExist) {
			r.logger.Debug("file removed by program", "file", f.Name())
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", f.Name(), err)
		}
		if f.SetContent(data) {
			r.logger.Debug("file changed by program", "file", f.Name())
		}
	}
	return nil
}

// applyDiagnostics replaces the annotations of every file; files without
// diagnostics are cleared.
func (r *Runner) applyDiagnostics(files []*project.File, diags []diagnostic.Diagnostic) {
	byFile := make(map[string][]diagnostic.Diagnostic)
	for reported, ds := range diagnostic.ByFile(diags) {
		if f := r.matchFile(files, reported); f != nil {
			byFile[f.Name()] = append(byFile[f.Name()], ds...)
		}
	}
	for _, f := range files {
		f.SetAnnotations(byFile[f.Name()])
	}
}

// matchFile maps a compiler-reported path onto a project file.
func (r *Runner) matchFile(files []*project.File, reported string) *project.File {
	p := path.Clean(filepath.ToSlash(reported))
	if wd := path.Clean(r.cfg.WorkDir); wd != "." {
		p = strings.TrimPrefix(p, wd+"/")
	}
	for _, f := range files {
		if f.Name() == p {
			return f
		}
	}
	for _, f := range files {
		if strings.HasSuffix(p, "/"+f.Name()) {
			return f
		}
	}
	return nil
}
