package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"golang.org/x/text/language"

	"github.com/antonkrylov/runbox/internal/client"
	"github.com/antonkrylov/runbox/internal/diagnostic"
	"github.com/antonkrylov/runbox/internal/dispatch"
	"github.com/antonkrylov/runbox/internal/lang"
	"github.com/antonkrylov/runbox/internal/project"
	"github.com/antonkrylov/runbox/internal/runner"
	"github.com/antonkrylov/runbox/internal/turtle"
)

type runFlags struct {
	language  string
	mainFile  string
	artifacts string
	turtleSVG string
	locale    string
	report    bool
	noSave    bool
}

func newRunCmd(root *rootOptions, test bool) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [dir]",
		Short: "Compile and run the project in dir (default .)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			return runProject(cmd.Context(), root, f, dir, test)
		},
	}
	if test {
		cmd.Use = "test [dir]"
		cmd.Short = "Run the language's test command against the project in dir"
	}
	cmd.Flags().StringVarP(&f.language, "lang", "l", "", "language (default: detected from the main file)")
	cmd.Flags().StringVarP(&f.mainFile, "main", "m", "", "main file relative to dir")
	cmd.Flags().StringVar(&f.artifacts, "artifacts", "", "directory receiving images and test results")
	cmd.Flags().StringVar(&f.turtleSVG, "turtle-svg", "", "write the final turtle canvas to this SVG file")
	cmd.Flags().StringVar(&f.locale, "locale", os.Getenv("LANG"), "status line language, e.g. en or de")
	cmd.Flags().BoolVar(&f.report, "report", true, "send run events and test results to the hub")
	cmd.Flags().BoolVar(&f.noSave, "no-save", false, "do not write files changed by the program back to dir")
	return cmd
}

func runProject(ctx context.Context, root *rootOptions, f *runFlags, dir string, test bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	table, err := root.languages()
	if err != nil {
		return err
	}
	proj, err := project.LoadDir(abs, filepath.Base(abs), f.language, f.mainFile)
	if err != nil {
		return err
	}
	lc, err := pickLanguage(table, f.language, proj.MainFile)
	if err != nil {
		return err
	}
	proj.Language = lc.Name

	dialCtx, cancel := context.WithTimeout(ctx, root.timeout)
	sb, conn, err := client.DialSandbox(dialCtx, root.sandboxAddr, client.DialInsecure)
	cancel()
	if err != nil {
		return fmt.Errorf("dial sandbox %s: %w", root.sandboxAddr, err)
	}
	defer conn.Close()

	cfg := runner.Config{
		Project:  proj,
		Language: lc,
		Sandbox:  sb,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
		Logger:   root.logger,
		Locale:   parseLocale(f.locale),
	}
	cfg.Cols, cfg.Rows = termSize()
	var disp *dispatch.Dispatcher
	if f.report {
		disp = root.dispatcher()
		cfg.Dispatcher = disp
	}
	var sink *runner.DirSink
	if f.artifacts != "" {
		if sink, err = runner.NewDirSink(f.artifacts, root.logger); err != nil {
			return err
		}
		cfg.Artifacts = sink
	}
	var svg *turtle.SVG
	if f.turtleSVG != "" {
		svg = turtle.NewSVG(640, 480)
		cfg.Canvas = svg
	}
	session, err := runner.New(cfg)
	if err != nil {
		return err
	}

	raw := lc.Term && term.IsTerminal(int(os.Stdin.Fd()))
	restore := func() {}
	if raw {
		if restore, err = makeStdinRaw(); err != nil {
			return err
		}
	}
	stopSignals := watchSignals(session)
	go pumpStdin(session, raw)

	var out *runner.Outcome
	if test {
		out, err = session.Test(ctx)
	} else {
		out, err = session.Run(ctx)
	}
	stopSignals()
	restore()
	if err != nil {
		return err
	}

	printDiagnostics(os.Stderr, proj)
	if out.TestResult != nil {
		printTestResult(os.Stdout, out.TestResult)
	}
	if !f.noSave {
		saved, err := proj.SaveDirty(abs)
		if err != nil {
			return fmt.Errorf("save files: %w", err)
		}
		for _, name := range saved {
			fmt.Fprintf(os.Stderr, "updated %s\n", name)
		}
	}
	if svg != nil {
		if err := writeSVG(f.turtleSVG, svg); err != nil {
			return err
		}
	}
	if sink != nil {
		for _, p := range sink.Paths() {
			fmt.Fprintf(os.Stderr, "artifact %s\n", p)
		}
	}
	if disp != nil {
		drain(disp, 2*time.Second)
		_ = disp.Close()
	}
	return outcomeError(out)
}

// pickLanguage resolves an explicit name or detects one from the main file.
func pickLanguage(table lang.Table, name, mainFile string) (*lang.Config, error) {
	if strings.TrimSpace(name) != "" {
		return table.Lookup(name)
	}
	ext := filepath.Ext(mainFile)
	for _, n := range table.Names() {
		cfg := table[n]
		if cfg.RuntimeOrDefault() != lang.RuntimeSandbox {
			continue
		}
		for _, s := range cfg.Sources {
			if strings.EqualFold(s, ext) {
				return table.Lookup(n)
			}
		}
	}
	return nil, fmt.Errorf("cannot detect language of %s; pass --lang", mainFile)
}

func parseLocale(s string) language.Tag {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, ".@"); i >= 0 {
		s = s[:i]
	}
	tag, err := language.Parse(strings.ReplaceAll(s, "_", "-"))
	if err != nil {
		return language.English
	}
	return tag
}

func outcomeError(out *runner.Outcome) error {
	switch {
	case out.Phase == runner.PhaseCancelled:
		return &exitError{code: 130}
	case out.Err == nil:
		return nil
	}
	var stage *runner.StageError
	if errors.As(out.Err, &stage) && stage.Exit.Code > 0 {
		return &exitError{code: stage.Exit.Code}
	}
	return &exitError{code: 1}
}

// watchSignals stops the session on SIGINT/SIGTERM and forwards window size changes.
func watchSignals(s *runner.Runner) func() {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGWINCH)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case sig := <-sigCh:
				if sig == syscall.SIGWINCH {
					cols, rows := termSize()
					_ = s.Resize(cols, rows)
					continue
				}
				s.Stop()
			}
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// pumpStdin copies the terminal into the session. In raw mode Ctrl-C stops the run.
func pumpStdin(s *runner.Runner, raw bool) {
	buf := make([]byte, 32*1024)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if i := bytes.IndexByte(chunk, 0x03); raw && i >= 0 {
				_, _ = s.Stdin().Write(chunk[:i])
				s.Stop()
				continue
			}
			_, _ = s.Stdin().Write(chunk)
		}
		if err != nil {
			return
		}
	}
}

func makeStdinRaw() (func(), error) {
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return func() { _ = term.Restore(fd, oldState) }, nil
}

func termSize() (cols, rows int) {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 120, 30
	}
	c, r, err := term.GetSize(fd)
	if err != nil || c <= 0 || r <= 0 {
		return 120, 30
	}
	return c, r
}

// drain gives queued reports a moment to reach a connected hub.
func drain(d *dispatch.Dispatcher, wait time.Duration) {
	deadline := time.Now().Add(wait)
	for d.Queued() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
}

var (
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow, color.Bold)
	infoColor    = color.New(color.FgCyan)
	passColor    = color.New(color.FgGreen, color.Bold)
)

func printDiagnostics(w io.Writer, p *project.Project) {
	for _, f := range p.Files() {
		for _, d := range f.Annotations() {
			c := infoColor
			switch d.Severity {
			case diagnostic.SevError:
				c = errorColor
			case diagnostic.SevWarning:
				c = warningColor
			}
			fmt.Fprintf(w, "%s:%d:%d: %s %s\n", f.Name(), d.Row+1, d.Column+1, c.Sprint(d.Severity.String()+":"), d.Message)
		}
	}
}

func printTestResult(w io.Writer, res *runner.TestResult) {
	for _, tc := range res.Tests {
		mark := passColor.Sprint("PASS")
		if !tc.Success {
			mark = errorColor.Sprint("FAIL")
		}
		fmt.Fprintf(w, "%s %s (%g/%g)\n", mark, tc.Name, tc.Score, tc.MaxScore)
		if !tc.Success && tc.Hint != "" {
			fmt.Fprintf(w, "     %s\n", infoColor.Sprint(tc.Hint))
		}
	}
	fmt.Fprintf(w, "score %g/%g, %d of %d passed\n", res.Score, res.MaxScore, res.Passed(), len(res.Tests))
}

func writeSVG(path string, svg *turtle.SVG) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := svg.WriteTo(file); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}
