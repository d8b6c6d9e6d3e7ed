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

// Package session implements the build-and-test protocol against one
// reachable host: create a private remote directory, upload the driver and
// the artifact, run the driver, collect its output and exit code, clean up.
package session

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"regexp"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.openmdao.org/remotetest/artifact"
	"go.openmdao.org/remotetest/hostset"
	"go.openmdao.org/remotetest/internal/cleanup"
)

// InfraFailureCode is the return code of hosts that never got to run the
// driver to completion.
const InfraFailureCode = -1

// DefaultRemoteRoot is where remote directories are created.
const DefaultRemoteRoot = "/tmp"

// CleanupTimeout bounds removal of a remote directory.
const CleanupTimeout = 2 * time.Minute

// Job is what to run on every host.
//
// A Job is shared by all sessions of an invocation and must not be modified
// once sessions started.
type Job struct {
	// Artifact is the resolved artifact to test.
	Artifact *artifact.Spec
	// Driver is a local path to the build-and-test driver script.
	Driver string
	// TestArgs are passed through to the driver after "--".
	TestArgs []string
	// KeepOnFailure keeps the remote directory if the driver fails.
	KeepOnFailure bool
	// Timeout bounds the driver run. Zero means no limit.
	Timeout time.Duration
	// RunID makes remote directory names unique. See NewRunID.
	RunID string
	// RemoteRoot is the parent of remote directories. Defaults to
	// DefaultRemoteRoot.
	RemoteRoot string
}

// NewRunID returns an identifier unique to this invocation on this machine.
func NewRunID(ctx context.Context) string {
	name := "unknown"
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	return fmt.Sprintf("%s-%d-%d", sanitize(name), os.Getpid(), clock.Now(ctx).UnixNano())
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func sanitize(s string) string {
	return unsafeNameChars.ReplaceAllString(s, "_")
}

// RemoteDir is the private remote directory of the job on the host.
func (j *Job) RemoteDir(host *hostset.Host) string {
	root := j.RemoteRoot
	if root == "" {
		root = DefaultRemoteRoot
	}
	return path.Join(root, fmt.Sprintf("remotetest-%s-%s", j.RunID, sanitize(host.Name)))
}

// DriverArgs is the argument vector of the driver, after the interpreter.
func (j *Job) DriverArgs(host *hostset.Host) []string {
	args := []string{
		filepath.Base(j.Driver),
		"-f", j.Artifact.RemoteFileArg(),
		"--pyversion=" + host.Python,
	}
	if j.Artifact.Branch != "" {
		args = append(args, "--branch="+j.Artifact.Branch)
	}
	if len(j.TestArgs) > 0 {
		args = append(args, "--")
		args = append(args, j.TestArgs...)
	}
	return args
}

// Result is the outcome of a job on one host.
type Result struct {
	// Host is the host the job ran on.
	Host *hostset.Host
	// ReturnCode is the driver's exit code, or InfraFailureCode.
	ReturnCode int
	// Output is the combined stdout and stderr of the driver.
	Output string
	// Succeeded is true iff ReturnCode is 0 and Err is nil.
	Succeeded bool
	// Err is the infrastructure failure, if any.
	Err error
	// Duration is how long the host took, including provisioning.
	Duration time.Duration
}

// Failed makes a Result of a host that failed before or outside a session.
func Failed(host *hostset.Host, err error) *Result {
	return &Result{Host: host, ReturnCode: InfraFailureCode, Err: err}
}

// Run runs the job on the host.
//
// Every acquired resource (connection, remote directory) is registered in
// `reg` before it is used, so an interrupted run can still be cleaned up by
// the registry's owner.
//
// Never returns nil. Failures are reported through Result.Err as
// *RemoteSessionError.
func Run(ctx context.Context, d Dialer, host *hostset.Host, job *Job, reg *cleanup.Registry) *Result {
	started := clock.Now(ctx)
	res := runSession(ctx, d, host, job, reg)
	res.Succeeded = res.ReturnCode == 0 && res.Err == nil
	res.Duration = clock.Since(ctx, started)
	return res
}

func runSession(ctx context.Context, d Dialer, host *hostset.Host, job *Job, reg *cleanup.Registry) (res *Result) {
	res = &Result{Host: host, ReturnCode: InfraFailureCode}
	fail := func(step Step, err error) *Result {
		res.Err = &RemoteSessionError{Host: host.String(), Step: step, Err: err}
		return res
	}

	logging.Infof(ctx, "Connecting to %s at %s", host, host.HostPort())
	c, err := d.Dial(ctx, host)
	if err != nil {
		return fail(StepConnect, err)
	}
	conn := reg.Register(fmt.Sprintf("connection to %s", host), func(context.Context) error {
		return c.Close()
	})
	defer func() {
		if err := conn.Release(ctx); err != nil {
			logging.Debugf(ctx, "%s", err)
		}
	}()

	dir := job.RemoteDir(host)
	remoteDir := reg.Register(fmt.Sprintf("remote directory %s:%s", host, dir), func(ctx context.Context) error {
		ctx, cancel := clock.WithTimeout(context.WithoutCancel(ctx), CleanupTimeout)
		defer cancel()
		return runChecked(ctx, c, "rm -rf "+shellQuote(dir), nil)
	})
	owned := false
	defer func() {
		switch {
		case !owned:
			// mkdir failed, the directory, if any, belongs to someone else.
			remoteDir.Dismiss()
			return
		case res.ReturnCode != 0 && job.KeepOnFailure && ctx.Err() == nil:
			remoteDir.Dismiss()
			logging.Warningf(ctx, "%s: remote directory kept for inspection: %s", host, dir)
			return
		}
		logging.Debugf(ctx, "%s: removing %s", host, dir)
		if err := remoteDir.Release(ctx); err != nil {
			// Cleanup failures never mask the result.
			logging.Warningf(ctx, "%s: %s", host, &RemoteSessionError{Host: host.String(), Step: StepCleanup, Err: err})
		}
	}()

	if err := runChecked(ctx, c, "mkdir -m 700 "+shellQuote(dir), nil); err != nil {
		// An aborted mkdir may have created the directory nonetheless.
		owned = ctx.Err() != nil
		return fail(StepMkdir, err)
	}
	owned = true

	logging.Infof(ctx, "%s: uploading %s", host, job.Artifact)
	if err := uploadFile(ctx, c, job.Driver, path.Join(dir, filepath.Base(job.Driver))); err != nil {
		return fail(StepUpload, err)
	}
	for _, p := range job.Artifact.Payload() {
		if job.Artifact.IsDir() {
			err = uploadDir(ctx, c, p, dir)
		} else {
			err = uploadFile(ctx, c, p, path.Join(dir, filepath.Base(p)))
		}
		if err != nil {
			return fail(StepUpload, err)
		}
	}

	cmd := fmt.Sprintf("cd %s && %s", shellQuote(dir), shellJoin(append([]string{host.Python}, job.DriverArgs(host)...)...))
	logging.Infof(ctx, "%s: running %s", host, cmd)

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if job.Timeout > 0 {
		runCtx, cancel = clock.WithTimeout(ctx, job.Timeout)
	}
	defer cancel()

	var out bytes.Buffer
	code, err := c.Run(runCtx, cmd, nil, &out)
	res.Output = out.String()
	switch {
	case err != nil && ctx.Err() == nil && runCtx.Err() != nil:
		return fail(StepRun, errors.Annotate(ErrRemoteTimeout, "no exit after %s", job.Timeout).Err())
	case err != nil:
		return fail(StepRun, err)
	}
	res.ReturnCode = code
	logging.Infof(ctx, "%s: return code %d", host, code)
	return res
}
