// Command disnix-coordinator drives a distributed deployment: it realises
// the derivations named in a distributed-derivation document and replicates
// their closures to the targets named alongside them.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/paparodeo/disnix"
	"github.com/paparodeo/disnix/internal/agent"
	"github.com/paparodeo/disnix/internal/env"
	"github.com/paparodeo/disnix/internal/model"
	"github.com/paparodeo/disnix/internal/profile"
	"github.com/paparodeo/disnix/internal/proc"
	"github.com/paparodeo/disnix/internal/scheduler"
	"github.com/paparodeo/disnix/internal/store"
	"github.com/paparodeo/disnix/internal/trace"
	"github.com/google/renameio"
)

func usage(fset *flag.FlagSet, helpText string) func() {
	return func() {
		fmt.Fprintln(os.Stderr, helpText)
		fmt.Fprintf(os.Stderr, "Flags for disnix-coordinator %s:\n", fset.Name())
		fset.PrintDefaults()
	}
}

const deployHelp = `disnix-coordinator [-flags] <distributed-derivation-file>

Realise and distribute the derivations named in distributed-derivation-file
to their targets.

Example:
  % disnix-coordinator -m 4 deployment.xml
`

const gcHelp = `disnix-coordinator gc [-flags]

Run the store's garbage collector once, synchronously. Retention policy is
not this command's concern; it only invokes the primitive.
`

func runDeploy(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("", flag.ContinueOnError)
	var (
		maxConcurrent  int
		profileName    = fset.String("profile", "default", "name of the coordinator profile symlink to write")
		profilePath    = fset.String("coordinator-profile-path", "", "override directory for the coordinator profile symlink (default: per-user state dir)")
		skipExisting   = fset.Bool("skip-existing", false, "after realising, skip export and transfer for a job when print-invalid against the local store reports none of its outputs invalid (the target's store is not checked)")
		tmpDir         = fset.String("tmpdir", "", "directory to allocate closure bundles in (default: $TMPDIR)")
		deploymentOut  = fset.String("deployment-report", "", "path to write an atomic end-of-run deployment report to")
		ctrace         = fset.Bool("ctrace", false, "write a chrome://tracing event file to $TMPDIR/disnix.traces")
	)
	fset.IntVar(&maxConcurrent, "m", 2, "maximum number of concurrent transfers")
	fset.IntVar(&maxConcurrent, "max-concurrent-transfers", 2, "maximum number of concurrent transfers")
	fset.Usage = usage(fset, deployHelp)
	if err := fset.Parse(args); err != nil {
		return err
	}

	if maxConcurrent <= 0 {
		fset.Usage()
		return fmt.Errorf("usage error: -m/--max-concurrent-transfers must be > 0, got %d", maxConcurrent)
	}
	if fset.NArg() != 1 {
		fset.Usage()
		return fmt.Errorf("usage error: exactly one distributed-derivation-file argument required")
	}
	ddPath := fset.Arg(0)

	if *ctrace {
		if err := trace.Enable("disnix-coordinator"); err != nil {
			return fmt.Errorf("enabling trace: %w", err)
		}
		disnix.RegisterAtExit(func() error {
			trace.Sink(io.Discard)
			return nil
		})
	}

	dd, err := model.ReadDistributedDerivationFile(ddPath)
	if err != nil {
		return fmt.Errorf("usage error: %w", err)
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	sup := proc.NewSupervisor(maxConcurrent * 2)
	storeClient := store.New(sup)
	storeClient.Stderr = os.Stderr
	agentAdapter := agent.New(sup)
	agentAdapter.Stderr = os.Stderr

	dir := *tmpDir
	if dir == "" {
		dir = os.TempDir()
	}

	s := scheduler.New(storeClient, agentAdapter, logger, dir, maxConcurrent)
	s.SkipExisting = *skipExisting

	result, runErr := s.Run(ctx, dd)
	if runErr != nil {
		return runErr
	}

	if *deploymentOut != "" {
		if err := writeDeploymentReport(*deploymentOut, result); err != nil {
			logger.Printf("warning: could not write deployment report: %v", err)
		}
	}

	if !result.Success {
		for _, jr := range result.Jobs {
			if jr.State != scheduler.StateDoneOK {
				logger.Printf("target %s: %s failed at %s: %v", jr.Entry.Target.Name, jr.Entry.Derivation, jr.FailStep, jr.Err)
			}
		}
		return fmt.Errorf("deployment failed: %d of %d jobs did not complete", failedCount(result), len(result.Jobs))
	}

	base := *profilePath
	if base == "" {
		username, err := env.CurrentUsername()
		if err != nil {
			logger.Printf("warning: could not determine username for coordinator profile: %v", err)
			return nil
		}
		base = profile.DefaultBaseDir(env.StateDir, username)
	}
	writer := &profile.Writer{Store: storeClient, BaseDir: base, Profile: *profileName}
	if err := writer.Set(ctx, ddPath); err != nil {
		// Post-scheduler profile write failure is non-fatal: the deployment's
		// on-the-wire effects are already committed.
		logger.Printf("warning: coordinator-profile update failed: %v", err)
	}
	return nil
}

func failedCount(r *scheduler.Result) int {
	n := 0
	for _, jr := range r.Jobs {
		if jr.State != scheduler.StateDoneOK {
			n++
		}
	}
	return n
}

func writeDeploymentReport(path string, result *scheduler.Result) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := renameio.TempFile("", path)
	if err != nil {
		return err
	}
	defer f.Cleanup()
	for _, jr := range result.Jobs {
		line := fmt.Sprintf("%s -> %s: %s", jr.Entry.Derivation, jr.Entry.Target.Name, jr.State)
		if jr.FailStep != "" {
			line += " (failed at " + jr.FailStep + ")"
		}
		if _, err := fmt.Fprintln(f, line); err != nil {
			return err
		}
	}
	return f.CloseAtomicallyReplace()
}

func runGC(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("gc", flag.ContinueOnError)
	deleteOld := fset.Bool("delete-old", false, "also delete old profile generations")
	fset.Usage = usage(fset, gcHelp)
	if err := fset.Parse(args); err != nil {
		return err
	}
	sup := proc.NewSupervisor(1)
	storeClient := store.New(sup)
	storeClient.Stderr = os.Stderr
	return storeClient.CollectGarbage(ctx, *deleteOld)
}

func run() error {
	ctx, canc := disnix.InterruptibleContext()
	defer canc()
	defer func() {
		if err := disnix.RunAtExit(); err != nil {
			log.Printf("at-exit cleanup: %v", err)
		}
	}()

	args := os.Args[1:]
	if len(args) > 0 && args[0] == "gc" {
		return runGC(ctx, args[1:])
	}
	return runDeploy(ctx, args)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
