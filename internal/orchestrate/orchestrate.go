// Package orchestrate drives a full binstow invocation (spec §4.I): resolve
// every requested crate concurrently, gate on user confirmation, install
// every resolved binary atomically, and persist the updated install
// records exactly once.
package orchestrate

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/binstow/binstow/internal/atomicinstall"
	"github.com/binstow/binstow/internal/binstallerr"
	"github.com/binstow/binstow/internal/log"
	"github.com/binstow/binstow/internal/records"
	"github.com/binstow/binstow/internal/resolve"
)

// Options controls orchestrator-wide behavior that doesn't belong to any
// single crate's Request.
type Options struct {
	NoConfirm bool
	DryRun    bool
	NoCleanup bool
}

// Orchestrator wires a Resolver and an install-record Manifest into one
// multi-crate run.
type Orchestrator struct {
	Resolver *resolve.Resolver
	Records  *records.Manifest
	Source   string // recorded into each InstallRecord, e.g. "crates.io"
	Logger   log.Logger

	// Confirm prompts the user with msg and reports their answer; tests
	// inject a fake here. The default, set by New, reads a line from
	// stdin when stdin is a TTY and otherwise declines automatically
	// (spec §4.I: "non-interactive invocations never block on a prompt").
	Confirm func(msg string) bool
}

// New builds an Orchestrator with production defaults for Confirm and
// Logger.
func New(resolver *resolve.Resolver, manifest *records.Manifest, source string) *Orchestrator {
	return &Orchestrator{
		Resolver: resolver,
		Records:  manifest,
		Source:   source,
		Logger:   log.Default(),
		Confirm:  confirmWithUser,
	}
}

// Outcome is one crate's final status after a Run.
type Outcome struct {
	Request resolve.Request
	Result  *resolve.Result
	Err     error
}

// Run resolves every request concurrently, confirms with the user once for
// the whole batch, installs every crate that needs fetching, and persists
// the manifest a single time covering every successful install.
//
// Resolution failures for individual crates do not abort the batch: each
// failing crate's error is reported in its Outcome, and every other crate
// still installs (spec §7: "a single crate's failure does not block the
// rest of a multi-crate invocation").
func (o *Orchestrator) Run(ctx context.Context, requests []resolve.Request, opts Options) []Outcome {
	outcomes := make([]Outcome, len(requests))
	var wg sync.WaitGroup
	for i := range requests {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i].Request = requests[i]
			outcomes[i].Result, outcomes[i].Err = o.Resolver.Resolve(ctx, requests[i])
		}(i)
	}
	wg.Wait()

	pending := pendingInstalls(outcomes)
	if len(pending) == 0 {
		return outcomes
	}

	if opts.DryRun {
		o.printPlan(pending)
		return outcomes
	}

	if !opts.NoConfirm {
		if !o.Confirm(planSummary(pending)) {
			abort := binstallerr.New(binstallerr.KindUserAbort, "installation cancelled")
			for _, idx := range pending {
				outcomes[idx].Err = abort
				outcomes[idx].Result = nil
			}
			return outcomes
		}
	}

	var anyInstalled bool
	for _, idx := range pending {
		if err := o.install(outcomes[idx].Result); err != nil {
			outcomes[idx].Err = err
			outcomes[idx].Result = nil
			continue
		}
		o.Records.Put(records.InstallRecord{
			Name:           outcomes[idx].Result.Name,
			VersionReq:     outcomes[idx].Request.VersionReqRaw,
			CurrentVersion: outcomes[idx].Result.Version,
			Source:         o.Source,
			TargetTriple:   outcomes[idx].Result.Target,
			BinNames:       binNames(outcomes[idx].Result),
			InstalledAt:    time.Now().UTC(),
		})
		anyInstalled = true
	}

	if anyInstalled {
		if err := o.Records.Save(); err != nil {
			o.Logger.Error("failed to persist install records", "error", err)
		}
	}

	return outcomes
}

func pendingInstalls(outcomes []Outcome) []int {
	var pending []int
	for i, o := range outcomes {
		if o.Err == nil && o.Result != nil && o.Result.Kind == resolve.ResolutionFetch {
			pending = append(pending, i)
		}
	}
	return pending
}

// install places every planned binary for one resolved crate: it sets the
// source executable before the atomic rename (matching a freshly
// downloaded archive member, which carries no guarantee of the execute
// bit), installs the versioned file, then the unversioned symlink if
// planned.
func (o *Orchestrator) install(res *resolve.Result) error {
	for _, bf := range res.BinFiles {
		if runtime.GOOS != "windows" {
			if err := os.Chmod(bf.Source, 0o755); err != nil {
				return binstallerr.Wrap(binstallerr.KindIO, fmt.Sprintf("chmod %s", bf.Source), err).WithCrate(res.Name)
			}
		}
		if err := atomicinstall.InstallFile(bf.Source, bf.Dest, true); err != nil {
			return binstallerr.Wrap(binstallerr.KindIO, fmt.Sprintf("installing %s", bf.BaseName), err).WithCrate(res.Name)
		}
		if bf.Link != "" {
			if err := atomicinstall.InstallSymlink(bf.LinkDest(), bf.Link, true); err != nil {
				return binstallerr.Wrap(binstallerr.KindIO, fmt.Sprintf("linking %s", bf.BaseName), err).WithCrate(res.Name)
			}
		}
	}
	return nil
}

func binNames(res *resolve.Result) []string {
	names := make([]string, len(res.BinFiles))
	for i, bf := range res.BinFiles {
		names[i] = bf.BaseName
	}
	return names
}

func planSummary(pending []int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The following %d crate(s) will be installed:\n", len(pending))
	return b.String() + "Proceed?"
}

func (o *Orchestrator) printPlan(pending []int) {
	fmt.Fprintf(os.Stderr, "Dry run: %d crate(s) would be installed (no changes made).\n", len(pending))
}

// confirmWithUser prompts on stderr and reads a yes/no answer from stdin,
// declining automatically whenever stdin isn't a terminal (spec §4.I).
func confirmWithUser(prompt string) bool {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false
	}
	fmt.Fprintf(os.Stderr, "%s (y/N) ", prompt)
	reader := bufio.NewReader(os.Stdin)
	response, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return false
	}
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}
