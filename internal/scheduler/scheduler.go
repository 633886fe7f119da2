// Package scheduler is the transfer scheduler: the work-pool that drives,
// for each mapping entry, the sequence
//
//	queued -> realising -> exporting -> transferring -> importing -> done-*
//
// One goroutine runs each job from start to terminal state, one eg.Go call
// per job rather than internal/batch's fixed worker pool. Unlike internal/batch,
// jobs are independent (no dependency graph to topologically sort), so the
// concurrency control that matters is not "how many workers" but "how many
// jobs may simultaneously occupy the transfer steps" - that is what
// transferSem enforces, acquired at realising->exporting and released at
// importing->done-*, per the global-cap-as-semaphore design.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/paparodeo/disnix"
	"github.com/paparodeo/disnix/internal/agent"
	"github.com/paparodeo/disnix/internal/model"
	"github.com/paparodeo/disnix/internal/store"
	"github.com/paparodeo/disnix/internal/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// JobState is one of the seven states a Job may occupy.
type JobState int

const (
	StateQueued JobState = iota
	StateRealising
	StateExporting
	StateTransferring
	StateImporting
	StateDoneOK
	StateDoneFailed
)

func (s JobState) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRealising:
		return "realising"
	case StateExporting:
		return "exporting"
	case StateTransferring:
		return "transferring"
	case StateImporting:
		return "importing"
	case StateDoneOK:
		return "done-ok"
	case StateDoneFailed:
		return "done-failed"
	default:
		return "unknown"
	}
}

// Job is one mapping entry's progress through the state machine. A job in
// realising holds no closure bundle; a job in transferring holds exactly
// one, released on every exit path from exporting onward.
type Job struct {
	Entry model.MappingEntry

	mu       sync.Mutex
	state    JobState
	failStep string
	err      error
	outputs  []disnix.StorePath
	bundle   string
}

func (j *Job) setState(s JobState) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = s
}

func (j *Job) snapshot() (JobState, string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state, j.failStep, j.err
}

// releaseBundleLocked removes the job's closure bundle, if any, and clears
// the field so a second call is a no-op. Must be called with j.mu held.
func (j *Job) releaseBundleLocked() {
	if j.bundle != "" {
		os.Remove(j.bundle)
		j.bundle = ""
	}
}

func (j *Job) fail(step string, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.releaseBundleLocked()
	j.state = StateDoneFailed
	j.failStep = step
	j.err = err
}

func (j *Job) succeed() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.releaseBundleLocked()
	j.state = StateDoneOK
}

// Result is the scheduler's aggregated outcome, in input-document order
// regardless of completion order.
type Result struct {
	Jobs    []JobResult
	Success bool
}

// JobResult is the terminal snapshot of one job.
type JobResult struct {
	Entry    model.MappingEntry
	State    JobState
	FailStep string
	Err      error
}

// Scheduler drives a set of jobs to completion under a global transfer cap.
type Scheduler struct {
	Store *store.Client
	Agent *agent.Adapter
	Log   *log.Logger

	// TmpDir is where closure bundles are allocated.
	TmpDir string

	// MaxConcurrentTransfers bounds how many jobs may simultaneously be in
	// {exporting, transferring, importing}.
	MaxConcurrentTransfers int

	// SkipExisting, when true, checks print-invalid against the local store
	// after realising and skips export/transfer entirely if nothing is
	// invalid - an idempotence shortcut, off by default so behaviour
	// matches the unconditional-export happy path when unused.
	SkipExisting bool

	transferSem chan struct{}

	statusMu   sync.Mutex
	status     []string
	lastStatus time.Time
}

// New returns a Scheduler ready to Run. maxConcurrentTransfers must be >= 1.
func New(s *store.Client, a *agent.Adapter, logger *log.Logger, tmpDir string, maxConcurrentTransfers int) *Scheduler {
	return &Scheduler{
		Store:                  s,
		Agent:                  a,
		Log:                    logger,
		TmpDir:                 tmpDir,
		MaxConcurrentTransfers: maxConcurrentTransfers,
		transferSem:            make(chan struct{}, maxConcurrentTransfers),
	}
}

var isTerminal = func() bool {
	_, err := unix.IoctlGetTermios(int(os.Stdout.Fd()), unix.TCGETS)
	return err == nil
}()

func (s *Scheduler) acquireTransferSlot(ctx context.Context) error {
	select {
	case s.transferSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) releaseTransferSlot() {
	<-s.transferSem
}

// Run realises, exports, transfers and imports every mapping entry in dd,
// running to quiescence before returning. A failing job never aborts the
// others; Result.Success is false iff any job did not reach done-ok.
func (s *Scheduler) Run(ctx context.Context, dd *model.DistributedDerivation) (*Result, error) {
	numJobs := len(dd.Mapping)
	jobs := make([]*Job, numJobs)
	for i, entry := range dd.Mapping {
		jobs[i] = &Job{Entry: entry, state: StateQueued}
	}

	s.statusMu.Lock()
	s.status = make([]string, numJobs+1)
	s.statusMu.Unlock()

	eg, ctx := errgroup.WithContext(ctx)
	const freq = 1 * time.Second
	go func() {
		if err := trace.CPUEvents(ctx, freq); err != nil && s.Log != nil {
			s.Log.Println(err)
		}
	}()
	go func() {
		if err := trace.MemEvents(ctx, freq); err != nil && s.Log != nil {
			s.Log.Println(err)
		}
	}()

	for i, job := range jobs {
		i, job := i, job
		eg.Go(func() error {
			s.runJob(ctx, i, job)
			// Per-job failures are local: the driver's failure policy is
			// "continue other jobs, report aggregate", so this goroutine
			// never returns an error to the errgroup.
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	result := &Result{Jobs: make([]JobResult, numJobs), Success: true}
	succeeded, failed := 0, 0
	for i, job := range jobs {
		st, step, jerr := job.snapshot()
		result.Jobs[i] = JobResult{Entry: job.Entry, State: st, FailStep: step, Err: jerr}
		if st == StateDoneOK {
			succeeded++
		} else {
			failed++
			result.Success = false
		}
	}
	if s.Log != nil {
		s.Log.Printf("%d jobs succeeded, %d failed, %d total", succeeded, failed, numJobs)
	}
	return result, nil
}

func (s *Scheduler) runJob(ctx context.Context, idx int, job *Job) {
	failStep := func(step string, err error) string {
		if ctx.Err() != nil {
			return "cancelled"
		}
		return step
	}

	job.setState(StateRealising)
	s.updateStatus(idx, job)
	outputs, err := s.Store.Realise(ctx, []disnix.DerivationPath{job.Entry.Derivation})
	if err != nil {
		job.fail(failStep("realising", err), err)
		s.updateStatus(idx, job)
		return
	}
	job.mu.Lock()
	job.outputs = outputs
	job.mu.Unlock()

	if s.SkipExisting {
		invalid, err := s.Store.PrintInvalid(ctx, outputs)
		if err == nil && len(invalid) == 0 {
			job.succeed()
			s.updateStatus(idx, job)
			return
		}
	}

	if err := s.acquireTransferSlot(ctx); err != nil {
		job.fail(failStep("exporting", err), err)
		s.updateStatus(idx, job)
		return
	}
	defer s.releaseTransferSlot()

	job.setState(StateExporting)
	s.updateStatus(idx, job)
	bundle, err := s.Store.ExportClosure(ctx, outputs, s.TmpDir)
	if err != nil {
		job.fail(failStep("exporting", err), err)
		s.updateStatus(idx, job)
		return
	}
	job.mu.Lock()
	job.bundle = bundle
	job.mu.Unlock()

	job.setState(StateTransferring)
	s.updateStatus(idx, job)
	if err := s.Agent.CopyTo(ctx, job.Entry.Target, bundle); err != nil {
		job.fail(failStep("transferring", err), err)
		s.updateStatus(idx, job)
		return
	}

	job.setState(StateImporting)
	s.updateStatus(idx, job)
	if err := s.Agent.RemoteImport(ctx, job.Entry.Target); err != nil {
		job.fail(failStep("importing", err), err)
		s.updateStatus(idx, job)
		return
	}

	job.succeed()
	s.updateStatus(idx, job)
}

func (s *Scheduler) updateStatus(idx int, job *Job) {
	st, step, _ := job.snapshot()
	line := fmt.Sprintf("%s -> %s: %s", job.Entry.Derivation, job.Entry.Target.Name, st)
	if step != "" {
		line += " (" + step + ")"
	}
	s.setStatusLine(idx+1, line)
}

func (s *Scheduler) setStatusLine(idx int, line string) {
	if !isTerminal {
		return
	}
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if idx >= len(s.status) {
		return
	}
	if diff := len(s.status[idx]) - len(line); diff > 0 {
		line += strings.Repeat(" ", diff)
	}
	s.status[idx] = line
	if time.Since(s.lastStatus) < 100*time.Millisecond {
		return
	}
	s.lastStatus = time.Now()
	for _, l := range s.status {
		fmt.Println(l)
	}
	fmt.Printf("\033[%dA", len(s.status))
}
