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

// Package orchestrator runs a build-and-test job on a set of hosts.
//
// It resolves the artifact once, resolves the hosts, provisions cloud hosts,
// runs one remote session per host concurrently and aggregates the results.
// Every acquired resource is registered in a cleanup registry which is
// released when the run ends, however it ends.
package orchestrator

import (
	"context"
	"os"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/sync/parallel"

	"go.openmdao.org/remotetest/artifact"
	"go.openmdao.org/remotetest/hostset"
	"go.openmdao.org/remotetest/internal/cleanup"
	"go.openmdao.org/remotetest/provision"
	"go.openmdao.org/remotetest/session"
)

// DefaultCleanupTimeout bounds the final cleanup of a run.
const DefaultCleanupTimeout = 5 * time.Minute

// Options are per-invocation parameters.
type Options struct {
	// ArtifactRef is what to test. Empty means the current git checkout.
	ArtifactRef string
	// Branch is the branch to test, if any.
	Branch string
	// Selection picks the hosts from the config.
	Selection hostset.Selection
	// Keep keeps remote directories of failed hosts.
	Keep bool
	// TestArgs are passed through to the driver.
	TestArgs []string
	// Timeout bounds the driver run on each host. Zero means no limit.
	Timeout time.Duration
	// Parallelism is how many hosts are worked on at once. Zero means all.
	Parallelism int
}

// Orchestrator runs jobs on hosts.
type Orchestrator struct {
	// Resolver resolves artifact references.
	Resolver *artifact.Resolver
	// Dialer connects to hosts.
	Dialer session.Dialer
	// Provisioner manages cloud hosts. Required only if any are selected.
	Provisioner provision.Provisioner
	// Driver is the local driver script. Defaults to the one in the config.
	Driver string
	// RemoteRoot is the parent of remote directories. Defaults to
	// session.DefaultRemoteRoot.
	RemoteRoot string
	// CleanupTimeout bounds the final cleanup. Defaults to
	// DefaultCleanupTimeout.
	CleanupTimeout time.Duration
}

// Run runs the job on the selected hosts.
//
// Returns an error only if the run couldn't start: the artifact reference is
// invalid (artifact.ErrInvalidArtifactReference), no hosts are selected
// (hostset.ErrNoHostsSpecified) or the setup is incomplete. Per-host failures
// are reported in the Outcome.
//
// By the time Run returns, every instance it launched is torn down, and
// every temporary file and remote directory it created is removed, except
// those kept on purpose.
func (o *Orchestrator) Run(ctx context.Context, cfg *hostset.Config, opts Options) (*Outcome, error) {
	reg := &cleanup.Registry{}
	defer o.cleanup(ctx, reg)

	spec, err := o.Resolver.Resolve(ctx, opts.ArtifactRef, opts.Branch, reg)
	if err != nil {
		return nil, err
	}
	logging.Infof(ctx, "Testing %s", spec)

	static, images, err := hostset.Resolve(cfg, opts.Selection)
	if err != nil {
		return nil, err
	}
	if len(images) > 0 && o.Provisioner == nil {
		return nil, errors.Reason("%d selected hosts need a cloud provisioner, but there's none", len(images)).Err()
	}

	driver := o.Driver
	if driver == "" {
		driver = cfg.Driver
	}
	if driver == "" {
		return nil, errors.Reason("no driver script configured").Err()
	}
	if _, err := os.Stat(driver); err != nil {
		return nil, errors.Annotate(err, "driver script").Err()
	}

	job := &session.Job{
		Artifact:      spec,
		Driver:        driver,
		TestArgs:      opts.TestArgs,
		KeepOnFailure: opts.Keep,
		Timeout:       opts.Timeout,
		RunID:         session.NewRunID(ctx),
		RemoteRoot:    o.RemoteRoot,
	}

	hosts := append(append([]*hostset.Host{}, static...), images...)
	workers := opts.Parallelism
	if workers <= 0 || workers > len(hosts) {
		workers = len(hosts)
	}
	logging.Infof(ctx, "Running on %d hosts (%d static, %d cloud), %d at a time",
		len(hosts), len(static), len(images), workers)

	results := make([]*session.Result, len(hosts))
	err = parallel.WorkPool(workers, func(work chan<- func() error) {
		for i, h := range hosts {
			work <- func() error {
				// Host failures are part of the outcome.
				results[i] = o.runHost(ctx, h, job, reg)
				return nil
			}
		}
	})
	if err != nil {
		return nil, errors.Annotate(err, "running hosts").Err()
	}
	return NewOutcome(results), nil
}

// runHost runs the job on one host, provisioning it first if needed.
//
// Never fails: errors are reported in the Result.
func (o *Orchestrator) runHost(ctx context.Context, host *hostset.Host, job *session.Job, reg *cleanup.Registry) *session.Result {
	started := clock.Now(ctx)
	finish := func(res *session.Result) *session.Result {
		res.Duration = clock.Since(ctx, started)
		if res.Succeeded {
			logging.Infof(ctx, "%s: succeeded in %s", res.Host, res.Duration.Round(time.Second))
		} else {
			logging.Errorf(ctx, "%s: failed with code %d", res.Host, res.ReturnCode)
		}
		return res
	}

	if host.Lifecycle == hostset.Provisioned {
		var teardown *cleanup.Handle
		reachable, err := provision.Provision(ctx, o.Provisioner, host, func(inst *provision.Instance) {
			teardown = reg.Register("instance "+inst.String(), func(ctx context.Context) error {
				return o.Provisioner.Teardown(ctx, inst)
			})
		})
		if teardown != nil {
			// Instances are never kept, whatever the outcome.
			defer o.release(ctx, teardown)
		}
		if err != nil {
			logging.Errorf(ctx, "%s", err)
			return finish(session.Failed(host, err))
		}
		host = reachable
	}

	return finish(session.Run(ctx, o.Dialer, host, job, reg))
}

// detached returns a context for cleanups which must run even if `ctx` was
// canceled.
func (o *Orchestrator) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := o.CleanupTimeout
	if timeout <= 0 {
		timeout = DefaultCleanupTimeout
	}
	return clock.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// release releases one resource, logging failures.
func (o *Orchestrator) release(ctx context.Context, h *cleanup.Handle) {
	ctx, cancel := o.detached(ctx)
	defer cancel()
	if err := h.Release(ctx); err != nil {
		logging.Warningf(ctx, "Cleanup failed: %s", err)
	}
}

// cleanup releases everything still registered, logging failures.
func (o *Orchestrator) cleanup(ctx context.Context, reg *cleanup.Registry) {
	if pending := reg.Pending(); len(pending) > 0 {
		logging.Debugf(ctx, "Cleaning up %d resources", len(pending))
	}
	ctx, cancel := o.detached(ctx)
	defer cancel()
	if err := reg.ReleaseAll(ctx); err != nil {
		for _, e := range err.(errors.MultiError) {
			logging.Warningf(ctx, "Cleanup failed: %s", e)
		}
	}
}
