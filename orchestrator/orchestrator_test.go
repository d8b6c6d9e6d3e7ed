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

package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging/gologger"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"go.openmdao.org/remotetest/artifact"
	"go.openmdao.org/remotetest/hostset"
	"go.openmdao.org/remotetest/provision"
	"go.openmdao.org/remotetest/session"
)

// fleet emulates remote hosts: it tracks remote directories and makes the
// driver exit with a per-host code.
type fleet struct {
	m       sync.Mutex
	rc      map[string]int
	dialErr map[string]error
	dirs    map[string]bool // "host:dir"
	runs    map[string][]string
	dialed  []string
	// hang makes drivers block until their context is done.
	hang bool
	// running is signaled when a driver starts.
	running chan string
}

func newFleet() *fleet {
	return &fleet{
		rc:      map[string]int{},
		dialErr: map[string]error{},
		dirs:    map[string]bool{},
		runs:    map[string][]string{},
		running: make(chan string, 100),
	}
}

func (f *fleet) Dial(ctx context.Context, host *hostset.Host) (session.Client, error) {
	f.m.Lock()
	defer f.m.Unlock()
	f.dialed = append(f.dialed, host.Name)
	if err := f.dialErr[host.Name]; err != nil {
		return nil, err
	}
	if host.Address == "" {
		return nil, errors.Reason("%s has no address", host.Name).Err()
	}
	return &fakeClient{f: f, host: host.Name}, nil
}

func (f *fleet) remoteDirs() []string {
	f.m.Lock()
	defer f.m.Unlock()
	var out []string
	for d := range f.dirs {
		out = append(out, d)
	}
	return out
}

func (f *fleet) driverRuns(host string) []string {
	f.m.Lock()
	defer f.m.Unlock()
	return f.runs[host]
}

type fakeClient struct {
	f    *fleet
	host string
}

func (c *fakeClient) Run(ctx context.Context, cmd string, stdin io.Reader, out io.Writer) (int, error) {
	if stdin != nil {
		if _, err := io.Copy(io.Discard, stdin); err != nil {
			return session.InfraFailureCode, err
		}
	}
	f := c.f
	f.m.Lock()
	switch {
	case strings.HasPrefix(cmd, "mkdir -m 700 "):
		f.dirs[c.host+":"+strings.TrimPrefix(cmd, "mkdir -m 700 ")] = true
	case strings.HasPrefix(cmd, "rm -rf "):
		delete(f.dirs, c.host+":"+strings.TrimPrefix(cmd, "rm -rf "))
	case strings.HasPrefix(cmd, "cd "):
		f.runs[c.host] = append(f.runs[c.host], cmd)
		rc, hang := f.rc[c.host], f.hang
		f.m.Unlock()
		f.running <- c.host
		if hang {
			<-ctx.Done()
			return session.InfraFailureCode, ctx.Err()
		}
		fmt.Fprintf(out, "tested on %s\n", c.host)
		return rc, nil
	}
	f.m.Unlock()
	return 0, nil
}

func (c *fakeClient) Close() error { return nil }

// cloud is a fake provisioner.
type cloud struct {
	m         sync.Mutex
	alive     map[string]bool
	deletes   map[string]int
	launched  int
	slow      map[string]bool
	launchErr map[string]bool
}

func newCloud() *cloud {
	return &cloud{
		alive:     map[string]bool{},
		deletes:   map[string]int{},
		slow:      map[string]bool{},
		launchErr: map[string]bool{},
	}
}

func (c *cloud) Launch(ctx context.Context, host *hostset.Host) (*provision.Instance, error) {
	c.m.Lock()
	defer c.m.Unlock()
	c.launched++
	name := "inst-" + host.Name
	h := host.Clone()
	h.InstanceID = name
	c.alive[name] = true
	inst := &provision.Instance{Name: name, Host: h}
	if c.launchErr[host.Name] {
		return inst, errors.New("quota exceeded")
	}
	return inst, nil
}

func (c *cloud) WaitReachable(ctx context.Context, inst *provision.Instance) (*hostset.Host, error) {
	c.m.Lock()
	slow := c.slow[inst.Host.Name]
	c.m.Unlock()
	if slow {
		return nil, &provision.ProvisionError{Host: inst.Host.Name, Timeout: true, Err: context.DeadlineExceeded}
	}
	h := inst.Host.Clone()
	h.Address = "10.0.0.1"
	return h, nil
}

func (c *cloud) Teardown(ctx context.Context, inst *provision.Instance) error {
	c.m.Lock()
	defer c.m.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	c.deletes[inst.Name]++
	delete(c.alive, inst.Name)
	return nil
}

func (c *cloud) aliveCount() int {
	c.m.Lock()
	defer c.m.Unlock()
	return len(c.alive)
}

const testConfig = `
hosts:
  - name: linux1
    address: linux1.example.com
  - name: linux2
    address: linux2.example.com
  - name: mac1
    address: mac1.example.com
  - name: win-image
    image: projects/p/global/images/win
  - name: linux-image
    image: projects/p/global/images/linux
cloud:
  project: proj
  zone: us-central1-a
`

type env struct {
	dir   string
	tarGz string
	cfg   *hostset.Config
	fleet *fleet
	cloud *cloud
	o     *Orchestrator
}

func newEnv(t testing.TB) *env {
	t.Helper()
	dir := t.TempDir()
	cfg, err := hostset.ParseConfig([]byte(testConfig))
	assert.Loosely(t, err, should.BeNil)
	cfg.Driver = filepath.Join(dir, "loc_bld_tst.py")
	assert.Loosely(t, os.WriteFile(cfg.Driver, []byte("driver"), 0644), should.BeNil)

	e := &env{
		dir:   dir,
		tarGz: filepath.Join(dir, "proj.tar.gz"),
		cfg:   cfg,
		fleet: newFleet(),
		cloud: newCloud(),
	}
	assert.Loosely(t, os.WriteFile(e.tarGz, []byte("tgz"), 0644), should.BeNil)
	e.o = &Orchestrator{
		Resolver:    &artifact.Resolver{Mode: artifact.Branch, WorkDir: dir},
		Dialer:      e.fleet,
		Provisioner: e.cloud,
	}
	return e
}

func (e *env) opts(hosts ...string) Options {
	return Options{
		ArtifactRef: e.tarGz,
		Selection:   hostset.Selection{Patterns: hosts},
	}
}

func hostNames(results []*session.Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Host.Name
	}
	return out
}

func TestRun(t *testing.T) {
	t.Parallel()

	ftt.Run("Run", t, func(t *ftt.Test) {
		ctx := gologger.StdConfig.Use(context.Background())

		t.Run("one host succeeds", func(t *ftt.Test) {
			e := newEnv(t)
			out, err := e.o.Run(ctx, e.cfg, e.opts("linux1"))
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, out.ReturnCode, should.BeZero)
			assert.Loosely(t, out.Results, should.HaveLength(1))
			assert.Loosely(t, out.Results[0].Succeeded, should.BeTrue)
			assert.Loosely(t, out.Results[0].Output, should.Equal("tested on linux1\n"))
			assert.Loosely(t, e.fleet.remoteDirs(), should.BeEmpty)
			assert.Loosely(t, e.cloud.launched, should.BeZero)
		})

		t.Run("one host fails", func(t *ftt.Test) {
			e := newEnv(t)
			e.fleet.rc["linux1"] = 1
			out, err := e.o.Run(ctx, e.cfg, e.opts("linux1"))
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, out.ReturnCode, should.Equal(1))
			assert.Loosely(t, e.fleet.remoteDirs(), should.BeEmpty)
		})

		t.Run("one host fails, keep", func(t *ftt.Test) {
			e := newEnv(t)
			e.fleet.rc["linux1"] = 1
			opts := e.opts("linux1")
			opts.Keep = true
			out, err := e.o.Run(ctx, e.cfg, opts)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, out.ReturnCode, should.Equal(1))
			dirs := e.fleet.remoteDirs()
			assert.Loosely(t, dirs, should.HaveLength(1))
			assert.Loosely(t, dirs[0], should.HavePrefix("linux1:/tmp/remotetest-"))
		})

		t.Run("git branch", func(t *ftt.Test) {
			e := newEnv(t)
			opts := e.opts("linux1")
			opts.ArtifactRef = "myrepo.git"
			opts.Branch = "feature-x"
			opts.TestArgs = []string{"-x"}
			out, err := e.o.Run(ctx, e.cfg, opts)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, out.ReturnCode, should.BeZero)
			runs := e.fleet.driverRuns("linux1")
			assert.Loosely(t, runs, should.HaveLength(1))
			assert.Loosely(t, runs[0], should.ContainSubstring(
				"python loc_bld_tst.py -f myrepo.git --pyversion=python --branch=feature-x -- -x"))
		})

		t.Run("no hosts", func(t *ftt.Test) {
			e := newEnv(t)
			_, err := e.o.Run(ctx, &hostset.Config{Driver: e.cfg.Driver}, Options{
				ArtifactRef: e.tarGz,
				Selection:   hostset.Selection{All: true},
			})
			assert.Loosely(t, errors.Is(err, hostset.ErrNoHostsSpecified), should.BeTrue)
			assert.Loosely(t, e.cloud.launched, should.BeZero)
			assert.Loosely(t, e.fleet.dialed, should.BeEmpty)
		})

		t.Run("invalid artifact", func(t *ftt.Test) {
			e := newEnv(t)
			opts := e.opts("linux1")
			opts.ArtifactRef = filepath.Join(e.dir, "notes.txt")
			_, err := e.o.Run(ctx, e.cfg, opts)
			assert.Loosely(t, errors.Is(err, artifact.ErrInvalidArtifactReference), should.BeTrue)
			assert.Loosely(t, e.fleet.dialed, should.BeEmpty)
		})

		t.Run("cloud hosts, one times out", func(t *ftt.Test) {
			e := newEnv(t)
			e.cloud.slow["linux-image"] = true
			out, err := e.o.Run(ctx, e.cfg, e.opts("*-image"))
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, hostNames(out.Results), should.Match([]string{"win-image", "linux-image"}))

			assert.Loosely(t, out.Results[0].Succeeded, should.BeTrue)
			assert.Loosely(t, out.Results[0].Host.Address, should.Equal("10.0.0.1"))
			assert.Loosely(t, out.Results[0].Host.InstanceID, should.Equal("inst-win-image"))

			assert.Loosely(t, out.Results[1].Succeeded, should.BeFalse)
			var perr *provision.ProvisionError
			assert.Loosely(t, errors.As(out.Results[1].Err, &perr), should.BeTrue)
			assert.Loosely(t, perr.Timeout, should.BeTrue)

			assert.Loosely(t, out.ReturnCode, should.NotEqual(0))
			assert.Loosely(t, out.Failed(), should.HaveLength(1))

			// Both instances are gone, the successful one included.
			assert.Loosely(t, e.cloud.aliveCount(), should.BeZero)
			assert.Loosely(t, e.cloud.deletes, should.Match(map[string]int{
				"inst-win-image":   1,
				"inst-linux-image": 1,
			}))
		})

		t.Run("cloud host fails to launch", func(t *ftt.Test) {
			e := newEnv(t)
			e.cloud.launchErr["win-image"] = true
			out, err := e.o.Run(ctx, e.cfg, e.opts("win-image", "linux1"))
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, hostNames(out.Results), should.Match([]string{"linux1", "win-image"}))
			assert.Loosely(t, out.Results[0].Succeeded, should.BeTrue)
			assert.Loosely(t, out.Results[1].Err, should.ErrLike("quota exceeded"))
			assert.Loosely(t, out.ReturnCode, should.Equal(session.InfraFailureCode))
			// The half launched instance is still torn down.
			assert.Loosely(t, e.cloud.aliveCount(), should.BeZero)
		})

		t.Run("cloud hosts need a provisioner", func(t *ftt.Test) {
			e := newEnv(t)
			e.o.Provisioner = nil
			_, err := e.o.Run(ctx, e.cfg, e.opts("win-image"))
			assert.Loosely(t, err, should.ErrLike("need a cloud provisioner"))
		})

		t.Run("first failure wins", func(t *ftt.Test) {
			e := newEnv(t)
			e.fleet.rc["linux2"] = 2
			e.fleet.rc["mac1"] = 3
			e.fleet.dialErr["linux1"] = errors.New("no route to host")
			opts := e.opts("mac1", "linux2")
			out, err := e.o.Run(ctx, e.cfg, opts)
			assert.Loosely(t, err, should.BeNil)
			// Config order.
			assert.Loosely(t, hostNames(out.Results), should.Match([]string{"linux2", "mac1"}))
			assert.Loosely(t, out.ReturnCode, should.Equal(2))
			assert.Loosely(t, out.Failed(), should.HaveLength(2))
		})

		t.Run("unreachable host doesn't affect others", func(t *ftt.Test) {
			e := newEnv(t)
			e.fleet.dialErr["linux1"] = errors.New("no route to host")
			opts := e.opts("linux1", "linux2")
			opts.Parallelism = 1
			out, err := e.o.Run(ctx, e.cfg, opts)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, out.Results[0].Err, should.ErrLike("no route to host"))
			assert.Loosely(t, out.Results[1].Succeeded, should.BeTrue)
			assert.Loosely(t, out.ReturnCode, should.Equal(session.InfraFailureCode))
		})

		t.Run("interrupted", func(t *ftt.Test) {
			e := newEnv(t)
			e.fleet.hang = true
			cctx, cancel := context.WithCancel(ctx)
			go func() {
				// Wait for both drivers to start, then interrupt.
				<-e.fleet.running
				<-e.fleet.running
				cancel()
			}()
			out, err := e.o.Run(cctx, e.cfg, e.opts("linux1", "win-image"))
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, out.ReturnCode, should.Equal(session.InfraFailureCode))
			assert.Loosely(t, out.Failed(), should.HaveLength(2))
			assert.Loosely(t, e.fleet.remoteDirs(), should.BeEmpty)
			assert.Loosely(t, e.cloud.aliveCount(), should.BeZero)
		})

		t.Run("interrupted, keep", func(t *ftt.Test) {
			e := newEnv(t)
			e.fleet.hang = true
			cctx, cancel := context.WithCancel(ctx)
			go func() {
				<-e.fleet.running
				<-e.fleet.running
				cancel()
			}()
			opts := e.opts("linux1", "win-image")
			opts.Keep = true
			out, err := e.o.Run(cctx, e.cfg, opts)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, out.Failed(), should.HaveLength(2))
			// Only failed tests keep their directories, aborted ones don't.
			assert.Loosely(t, e.fleet.remoteDirs(), should.BeEmpty)
			assert.Loosely(t, e.cloud.aliveCount(), should.BeZero)
		})
	})
}

func TestDerivedArchive(t *testing.T) {
	// Not parallel: temporary directories are created in TMPDIR.
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	leftovers := func(t testing.TB) []string {
		t.Helper()
		matches, err := filepath.Glob(filepath.Join(tmp, "remotetest-*"))
		assert.Loosely(t, err, should.BeNil)
		return matches
	}

	ftt.Run("Derived archive", t, func(t *ftt.Test) {
		ctx := gologger.StdConfig.Use(context.Background())
		e := newEnv(t)
		repo := filepath.Join(e.dir, "checkout")
		initRepo(t, repo)
		e.o.Resolver.WorkDir = repo

		t.Run("removed after the run", func(t *ftt.Test) {
			var during []string
			e.o.Dialer = dialerFunc(func(ctx context.Context, host *hostset.Host) (session.Client, error) {
				during, _ = filepath.Glob(filepath.Join(tmp, "remotetest-*"))
				return e.fleet.Dial(ctx, host)
			})

			opts := e.opts("linux1")
			opts.ArtifactRef = ""
			e.fleet.rc["linux1"] = 1
			out, err := e.o.Run(ctx, e.cfg, opts)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, out.ReturnCode, should.Equal(1))
			runs := e.fleet.driverRuns("linux1")
			assert.Loosely(t, runs[0], should.ContainSubstring("-f "+artifact.ArchiveName))

			assert.Loosely(t, during, should.HaveLength(1))
			assert.Loosely(t, leftovers(t), should.BeEmpty)
		})

		t.Run("removed when nothing runs", func(t *ftt.Test) {
			_, err := e.o.Run(ctx, e.cfg, Options{Selection: hostset.Selection{Patterns: []string{"solaris"}}})
			assert.Loosely(t, err, should.ErrLike("doesn't match any host"))
			assert.Loosely(t, leftovers(t), should.BeEmpty)
		})

		t.Run("kept on request", func(t *ftt.Test) {
			e.o.Resolver.KeepDerived = true
			e.fleet.rc["linux1"] = 0
			out, err := e.o.Run(ctx, e.cfg, Options{Selection: hostset.Selection{Patterns: []string{"linux1"}}})
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, out.ReturnCode, should.BeZero)
			_, err = os.Stat(filepath.Join(repo, artifact.ArchiveName))
			assert.Loosely(t, err, should.BeNil)
		})
	})
}

type dialerFunc func(ctx context.Context, host *hostset.Host) (session.Client, error)

func (f dialerFunc) Dial(ctx context.Context, host *hostset.Host) (session.Client, error) {
	return f(ctx, host)
}

func initRepo(t testing.TB, dir string) {
	t.Helper()
	repo, err := git.PlainInit(dir, false)
	assert.Loosely(t, err, should.BeNil)
	wt, err := repo.Worktree()
	assert.Loosely(t, err, should.BeNil)
	assert.Loosely(t, os.WriteFile(filepath.Join(dir, "setup.py"), []byte("setup()"), 0644), should.BeNil)
	_, err = wt.Add("setup.py")
	assert.Loosely(t, err, should.BeNil)
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()},
	})
	assert.Loosely(t, err, should.BeNil)
}

func TestOutcome(t *testing.T) {
	t.Parallel()

	ftt.Run("Outcome", t, func(t *ftt.Test) {
		res := func(name string, rc int, err error) *session.Result {
			return &session.Result{
				Host:       &hostset.Host{Name: name},
				ReturnCode: rc,
				Err:        err,
				Succeeded:  rc == 0 && err == nil,
				Duration:   90 * time.Second,
			}
		}

		t.Run("zero iff all succeeded", func(t *ftt.Test) {
			cases := [][]*session.Result{
				{},
				{res("a", 0, nil)},
				{res("a", 0, nil), res("b", 0, nil)},
				{res("a", 0, nil), res("b", 1, nil)},
				{res("a", 5, nil), res("b", 1, nil)},
				{res("a", -1, errors.New("boom")), res("b", 0, nil)},
				{res("a", 0, nil), res("b", 0, errors.New("odd"))},
			}
			for _, results := range cases {
				out := NewOutcome(results)
				allOK := true
				for _, r := range results {
					allOK = allOK && r.Succeeded
				}
				assert.Loosely(t, out.ReturnCode == 0, should.Equal(allOK))
				assert.Loosely(t, len(out.Failed()) == 0, should.Equal(allOK))
			}
		})

		t.Run("first failure in host order", func(t *ftt.Test) {
			out := NewOutcome([]*session.Result{res("a", 0, nil), res("b", 7, nil), res("c", 1, nil)})
			assert.Loosely(t, out.ReturnCode, should.Equal(7))
		})

		t.Run("report", func(t *ftt.Test) {
			ok := res("linux1", 0, nil)
			ok.Output = "ran 10 tests"
			out := NewOutcome([]*session.Result{
				ok,
				res("mac1", 1, nil),
				res("win-image", -1, errors.New("provisioning win-image timed out")),
			})
			var sb strings.Builder
			assert.Loosely(t, out.Report(&sb, true), should.BeNil)
			assert.Loosely(t, sb.String(), should.Equal(`==== linux1 ====
ran 10 tests
linux1: ok (1m30s)
mac1: exit 1 (1m30s)
win-image: provisioning win-image timed out (1m30s)
2 of 3 hosts failed
`))

			sb.Reset()
			assert.Loosely(t, NewOutcome([]*session.Result{ok}).Report(&sb, false), should.BeNil)
			assert.Loosely(t, sb.String(), should.Equal("linux1: ok (1m30s)\nall 1 hosts succeeded\n"))
		})
	})
}
