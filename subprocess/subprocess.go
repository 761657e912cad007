// Package subprocess is the descriptor-safe child-process orchestrator
// (spec §4.7): Compile invokes a compiler and captures its stderr; Execute
// runs the produced binary and captures stdout/stderr to files. The
// original backend (compile-thread.cpp, tackle-client.cpp) does this with
// raw fork/pipe/dup2/execvp/waitpid; the Go idiom for the same contract is
// os/exec.Cmd, whose StderrPipe/StdoutPipe and Wait already provide the
// descriptor-safety and outcome-classification guarantees the original
// hand-rolls — so this package wraps os/exec rather than re-deriving
// fork/exec from syscalls, while preserving the exact outcome taxonomy
// (Exited/Signaled/Aborted) and capture semantics spec.md requires.
package subprocess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
)

// OutcomeKind tags how a child process terminated.
type OutcomeKind int

const (
	Exited OutcomeKind = iota
	Signaled
	Aborted
)

// Outcome is the classified result of waiting on a child process.
type Outcome struct {
	Kind   OutcomeKind
	Code   int // valid when Kind == Exited
	Signal int // valid when Kind == Signaled
}

func (o Outcome) String() string {
	switch o.Kind {
	case Exited:
		return fmt.Sprintf("exited(%d)", o.Code)
	case Signaled:
		return fmt.Sprintf("signaled(%d)", o.Signal)
	default:
		return "aborted"
	}
}

// classify turns the error from cmd.Wait into an Outcome. A nil error
// means the process exited with code 0.
func classify(err error) Outcome {
	if err == nil {
		return Outcome{Kind: Exited, Code: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return Outcome{Kind: Signaled, Signal: int(ws.Signal())}
		}
		return Outcome{Kind: Exited, Code: exitErr.ExitCode()}
	}
	return Outcome{Kind: Aborted}
}

// ErrForkFailed is returned when the child process could not even be
// started (the original's "failed to fork" path).
var ErrForkFailed = errors.New("subprocess: failed to start child process")

// CompileResult is the outcome of a Compile invocation.
type CompileResult struct {
	Outcome Outcome
	Stderr  string // captured compiler diagnostics (may be non-empty even on success: warnings)
}

// Compile runs argv[0] with argv[1:], capturing stderr only (the original
// only ever inspects the compiler's diagnostics stream). On normal exit
// with code 0, Outcome.Kind == Exited with Code 0 and Stderr may still
// carry warnings; on nonzero exit, Stderr carries the compiler's error
// text; on a signal, Stderr is whatever was captured before the signal
// followed by a "terminated by signal N" notice, and the outcome records
// the signal number.
func Compile(ctx context.Context, log *zap.Logger, argv []string) (CompileResult, error) {
	if len(argv) == 0 {
		return CompileResult{}, fmt.Errorf("subprocess: empty argv")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return CompileResult{}, fmt.Errorf("subprocess: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		log.Error("compile: failed to start", zap.Strings("argv", argv), zap.Error(err))
		return CompileResult{}, fmt.Errorf("%w: %v", ErrForkFailed, err)
	}

	var stderrBuf bytes.Buffer
	_, _ = io.Copy(&stderrBuf, stderrPipe)

	waitErr := cmd.Wait()
	outcome := classify(waitErr)

	result := CompileResult{Outcome: outcome, Stderr: stderrBuf.String()}
	if outcome.Kind == Signaled {
		fmt.Fprintf(&stderrBuf, "\nterminated by signal %d\n", outcome.Signal)
		result.Stderr = stderrBuf.String()
	}
	return result, nil
}

// ExecuteResult is the outcome of running a compiled executable, per spec
// §4.7's "(had_error, file1, file2)" contract generalized to named fields:
// on success StdoutPath/StderrPath are the stdout/stderr capture paths; on error
// ErrorInfo carries a human-readable message and the file paths are empty.
type ExecuteResult struct {
	Outcome   Outcome
	HadError  bool
	ErrorInfo string
	StdoutPath string
	StderrPath string
}

// Execute runs argv, redirecting stdin from inputPath (if non-empty) and
// draining stdout/stderr into outDir/<baseName>.output and
// outDir/<baseName>.err respectively.
func Execute(ctx context.Context, log *zap.Logger, argv []string, inputPath, outDir, baseName string) (ExecuteResult, error) {
	if len(argv) == 0 {
		return ExecuteResult{}, fmt.Errorf("subprocess: empty argv")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	if inputPath != "" {
		in, err := os.Open(inputPath)
		if err != nil {
			return ExecuteResult{HadError: true, ErrorInfo: err.Error()}, nil
		}
		defer in.Close()
		cmd.Stdin = in
	}

	stdoutPath := filepath.Join(outDir, baseName+".output")
	stderrPath := filepath.Join(outDir, baseName+".err")

	stdoutFile, err := os.Create(stdoutPath)
	if err != nil {
		return ExecuteResult{HadError: true, ErrorInfo: err.Error()}, nil
	}
	defer stdoutFile.Close()
	stderrFile, err := os.Create(stderrPath)
	if err != nil {
		return ExecuteResult{HadError: true, ErrorInfo: err.Error()}, nil
	}
	defer stderrFile.Close()

	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile

	if err := cmd.Start(); err != nil {
		log.Error("execute: failed to start", zap.Strings("argv", argv), zap.Error(err))
		return ExecuteResult{HadError: true, ErrorInfo: fmt.Sprintf("%v: %v", ErrForkFailed, err)}, nil
	}

	waitErr := cmd.Wait()
	outcome := classify(waitErr)

	if outcome.Kind != Exited || outcome.Code != 0 {
		return ExecuteResult{
			Outcome:   outcome,
			HadError:  true,
			ErrorInfo: fmt.Sprintf("process terminated abnormally: %s", outcome),
		}, nil
	}

	return ExecuteResult{
		Outcome:    outcome,
		StdoutPath: stdoutPath,
		StderrPath: stderrPath,
	}, nil
}
