// Copyright 2026 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/data/text"
	"go.chromium.org/luci/common/errors"
	luciflag "go.chromium.org/luci/common/flag"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/system/signals"

	"go.openmdao.org/remotetest/artifact"
	"go.openmdao.org/remotetest/hostset"
	"go.openmdao.org/remotetest/orchestrator"
)

// DefaultTransportLog is where transport diagnostics are written by default.
const DefaultTransportLog = "remotetest-transport.log"

// Exit codes of runs that didn't get to report per-host results.
const (
	exitFailure  = 1
	exitBadInput = 2
	exitNoHosts  = 3
)

func cmdTestBranch(p Params) *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "test-branch [flags] [-- test args...]",
		ShortDesc: "builds and tests a development branch on remote hosts",
		LongDesc: text.Doc(`
			Builds and tests a development branch on remote hosts.

			The branch is given with -f as a tarball (.tar or .tar.gz), a source
			directory or a git repository URL ending in .git. Without -f, a
			tarball of HEAD of the git checkout in the current directory is
			built and sent.

			Arguments after "--" are passed to the test run on every host.
		`),
		CommandRun: func() subcommands.CommandRun {
			r := &testRun{params: p, mode: artifact.Branch}
			r.registerFlags()
			return r
		},
	}
}

func cmdTestRelease(p Params) *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "test-release [flags] -f <release> [-- test args...]",
		ShortDesc: "installs and tests a release on remote hosts",
		LongDesc: text.Doc(`
			Installs and tests a release on remote hosts.

			The release is given with -f as a release directory (containing
			"dists" and "downloads"), or the local path or URL of a
			go-openmdao.py installer script.

			Arguments after "--" are passed to the test run on every host.
		`),
		CommandRun: func() subcommands.CommandRun {
			r := &testRun{params: p, mode: artifact.Release}
			r.registerFlags()
			return r
		},
	}
}

// testRun implements both test-branch and test-release.
type testRun struct {
	subcommands.CommandRunBase

	params Params
	mode   artifact.Mode

	keep             bool
	file             string
	branch           string
	keepArchive      bool
	configPath       string
	hosts            []string
	all              bool
	timeout          time.Duration
	provisionTimeout time.Duration
	parallel         int
	transportLog     string
	verbose          bool
	quiet            bool
}

func (r *testRun) registerFlags() {
	const keepDoc = "Keep the remote directories of hosts that failed."
	r.Flags.BoolVar(&r.keep, "keep", false, keepDoc)
	r.Flags.BoolVar(&r.keep, "k", false, "Shorthand for -keep.")

	fileDoc := "Release directory, or path or URL of a go-openmdao.py file to test."
	if r.mode == artifact.Branch {
		fileDoc = "Tarball, source directory or git URL of the branch to test. Defaults to the current checkout."
	}
	r.Flags.StringVar(&r.file, "file", "", fileDoc)
	r.Flags.StringVar(&r.file, "f", "", "Shorthand for -file.")

	if r.mode == artifact.Branch {
		r.Flags.StringVar(&r.branch, "branch", "", "Name of the branch to test.")
		r.Flags.StringVar(&r.branch, "b", "", "Shorthand for -branch.")
		r.Flags.BoolVar(&r.keepArchive, "keep-archive", false, text.Doc(`
			Keep the tarball built from the current checkout, as
			testbranch.tar.gz in the current directory.
		`))
	}

	r.Flags.StringVar(&r.configPath, "config", hostset.DefaultConfigPath, "Path to the test hosts config.")
	r.Flags.Var(luciflag.StringSlice(&r.hosts), "host", text.Doc(`
		Host or group to run on. Wildcards are allowed. Can be specified
		multiple times.
	`))
	r.Flags.BoolVar(&r.all, "all", false, "Run on all configured hosts.")
	r.Flags.DurationVar(&r.timeout, "timeout", 0, "Limit on the duration of the test run on each host. 0 means no limit.")
	r.Flags.DurationVar(&r.provisionTimeout, "provision-timeout", 0, text.Doc(`
		Limit on the time a cloud host takes to become reachable. Overrides
		cloud.provision_timeout of the config.
	`))
	r.Flags.IntVar(&r.parallel, "parallel", 0, "How many hosts to work on at once. 0 means all of them.")
	r.Flags.StringVar(&r.transportLog, "transport-log", DefaultTransportLog, text.Doc(`
		File to write SSH transport diagnostics to. It is removed if all hosts
		succeed. Empty disables it.
	`))
	r.Flags.BoolVar(&r.verbose, "verbose", false, "Log debug messages.")
	r.Flags.BoolVar(&r.quiet, "quiet", false, "Log only warnings and errors, and don't print test output.")
}

func (r *testRun) validate() error {
	switch {
	case r.verbose && r.quiet:
		return errors.Reason("-verbose and -quiet are mutually exclusive").Err()
	case r.timeout < 0:
		return errors.Reason("-timeout must not be negative").Err()
	case r.provisionTimeout < 0:
		return errors.Reason("-provision-timeout must not be negative").Err()
	case r.parallel < 0:
		return errors.Reason("-parallel must not be negative").Err()
	}
	return nil
}

func (r *testRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	switch {
	case r.verbose:
		ctx = logging.SetLevel(ctx, logging.Debug)
	case r.quiet:
		ctx = logging.SetLevel(ctx, logging.Warning)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer signals.HandleInterrupt(func() {
		logging.Warningf(ctx, "Interrupted, cleaning up")
		cancel()
	})()

	rc, err := r.run(ctx, args)
	if err != nil {
		fmt.Fprintf(r.params.Stderr, "%s: %s\n", a.GetName(), err)
	}
	return rc
}

func (r *testRun) run(ctx context.Context, testArgs []string) (rc int, err error) {
	if err := r.validate(); err != nil {
		return exitBadInput, err
	}
	cfg, err := hostset.LoadConfig(r.configPath)
	if err != nil {
		return exitBadInput, err
	}
	if r.provisionTimeout > 0 {
		cfg.Cloud.ProvisionTimeout = r.provisionTimeout
	}

	tlog, err := r.openTransportLog()
	if err != nil {
		return exitFailure, err
	}
	if tlog != nil {
		defer func() {
			if cerr := tlog.Close(); cerr != nil {
				logging.Warningf(ctx, "Closing transport log: %s", cerr)
			}
			if rc == 0 {
				if rerr := os.Remove(tlog.Name()); rerr != nil {
					logging.Warningf(ctx, "Removing transport log: %s", rerr)
				}
			} else {
				logging.Infof(ctx, "Transport diagnostics are in %s", tlog.Name())
			}
		}()
	}

	dialer := r.params.NewDialer(cfg, transportWriter(tlog))
	sel := hostset.Selection{Patterns: r.hosts, All: r.all}
	o := &orchestrator.Orchestrator{
		Resolver: &artifact.Resolver{
			Mode:        r.mode,
			WorkDir:     r.params.WorkDir,
			KeepDerived: r.keepArchive,
		},
		Dialer: dialer,
	}
	if needsCloud(cfg, sel) {
		if o.Provisioner, err = r.params.NewProvisioner(ctx, cfg, proberFor(dialer)); err != nil {
			return exitFailure, errors.Annotate(err, "setting up cloud hosts").Err()
		}
	}

	out, err := o.Run(ctx, cfg, orchestrator.Options{
		ArtifactRef: r.file,
		Branch:      r.branch,
		Selection:   sel,
		Keep:        r.keep,
		TestArgs:    testArgs,
		Timeout:     r.timeout,
		Parallelism: r.parallel,
	})
	switch {
	case errors.Is(err, hostset.ErrNoHostsSpecified):
		return exitNoHosts, err
	case err != nil:
		return exitBadInput, err
	}

	if err := out.Report(r.params.Stdout, !r.quiet); err != nil {
		logging.Warningf(ctx, "Failed to write the report: %s", err)
	}
	return exitCode(out.ReturnCode), nil
}

// openTransportLog creates the transport log file, if enabled.
func (r *testRun) openTransportLog() (*os.File, error) {
	if r.transportLog == "" {
		return nil, nil
	}
	f, err := os.Create(r.transportLog)
	if err != nil {
		return nil, errors.Annotate(err, "creating transport log").Err()
	}
	return f, nil
}

func transportWriter(f *os.File) io.Writer {
	if f == nil {
		return nil
	}
	return f
}

// needsCloud is true if any cloud host is selected.
//
// Selection errors are reported by the orchestrator.
func needsCloud(cfg *hostset.Config, sel hostset.Selection) bool {
	_, images, err := hostset.Resolve(cfg, sel)
	return err == nil && len(images) > 0
}

// exitCode maps the return code of a run to a process exit code.
//
// Codes which don't fit an exit code, like the one of infrastructure
// failures, become 1.
func exitCode(rc int) int {
	if rc < 0 || rc > 255 {
		return exitFailure
	}
	return rc
}
