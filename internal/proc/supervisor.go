// Package proc supervises external commands on behalf of the store client
// and the remote-agent adapter. It exposes two completion abstractions —
// a boolean future and a string-array future — in front of a process-wide
// concurrency gate, following the shape of the future library the original
// coordinator was built on (a tiny typed-future wrapper around fork/exec),
// re-expressed with goroutines and channels instead of POSIX primitives.
package proc

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/xerrors"
)

// Supervisor bounds the number of external commands running concurrently
// and hands out futures for their completion.
type Supervisor struct {
	gate *gate
}

// NewSupervisor returns a Supervisor that admits at most maxConcurrent live
// children at once. A maxConcurrent of 1 serialises every external
// invocation made through it.
func NewSupervisor(maxConcurrent int) *Supervisor {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Supervisor{gate: newGate(maxConcurrent)}
}

// BoolFuture starts argv[0] with argv[1:] and returns a handle whose Wait
// yields true iff the process exits with status zero. stdin, stdout and
// stderr may be nil; a nil stderr inherits the supervisor process's stderr.
// BoolFuture blocks until the concurrency gate admits the new child.
func (s *Supervisor) BoolFuture(ctx context.Context, argv []string, stdin io.Reader, stdout, stderr io.Writer) (*BoolFuture, error) {
	if err := s.gate.acquire(ctx); err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	if stderr != nil {
		cmd.Stderr = stderr
	} else {
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Start(); err != nil {
		s.gate.release()
		return nil, xerrors.Errorf("%v: %w", argv, err)
	}
	f := &BoolFuture{cmd: cmd, gate: s.gate, done: make(chan struct{})}
	go f.wait()
	return f, nil
}

// StrvFuture starts argv[0] with argv[1:], capturing stdout through an
// inherited pipe. Wait yields the lines of stdout split on delim, with a
// single trailing empty token discarded, or an error if the process could
// not be started or exited abnormally — in which case any partially
// collected stdout is discarded. StrvFuture blocks until the concurrency
// gate admits the new child.
func (s *Supervisor) StrvFuture(ctx context.Context, argv []string, stderr io.Writer, delim byte) (*StrvFuture, error) {
	if err := s.gate.acquire(ctx); err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.gate.release()
		return nil, xerrors.Errorf("%v: %w", argv, err)
	}
	if stderr != nil {
		cmd.Stderr = stderr
	} else {
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Start(); err != nil {
		s.gate.release()
		return nil, xerrors.Errorf("%v: %w", argv, err)
	}
	f := &StrvFuture{cmd: cmd, gate: s.gate, stdout: stdout, delim: delim, done: make(chan struct{})}
	go f.wait()
	return f, nil
}

// BoolFuture is the handle returned by Supervisor.BoolFuture.
type BoolFuture struct {
	cmd  *exec.Cmd
	gate *gate
	done chan struct{}

	ok  bool
	err error
}

func (f *BoolFuture) wait() {
	err := f.cmd.Wait()
	f.gate.release()
	f.ok = err == nil
	if err != nil {
		f.err = xerrors.Errorf("%v: %w", f.cmd.Args, err)
	}
	close(f.done)
}

// Wait blocks until the child exits (or ctx is done) and reports whether it
// exited with status zero. err is non-nil only if ctx was cancelled before
// the child finished; a non-zero exit is reported as ok=false, err=nil.
func (f *BoolFuture) Wait(ctx context.Context) (bool, error) {
	select {
	case <-f.done:
		return f.ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// StrvFuture is the handle returned by Supervisor.StrvFuture.
type StrvFuture struct {
	cmd    *exec.Cmd
	gate   *gate
	stdout io.ReadCloser
	delim  byte
	done   chan struct{}

	lines []string
	err   error
}

func (f *StrvFuture) wait() {
	var buf bytes.Buffer
	_, readErr := io.Copy(&buf, f.stdout)
	waitErr := f.cmd.Wait()
	f.gate.release()

	if readErr != nil {
		f.err = xerrors.Errorf("%v: %w", f.cmd.Args, readErr)
		close(f.done)
		return
	}
	if waitErr != nil {
		f.err = xerrors.Errorf("%v: %w", f.cmd.Args, waitErr)
		close(f.done)
		return
	}

	s := buf.String()
	if s == "" {
		close(f.done)
		return
	}
	parts := strings.Split(s, string(f.delim))
	if len(parts) > 0 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	f.lines = parts
	close(f.done)
}

// Wait blocks until the child exits (or ctx is done) and returns the parsed
// stdout lines, or an error discarding any partial output.
func (f *StrvFuture) Wait(ctx context.Context) ([]string, error) {
	select {
	case <-f.done:
		return f.lines, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
