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

// Package cli implements the remotetest command line tool.
package cli

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/maruel/subcommands"
	"golang.org/x/crypto/ssh"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging/gologger"

	"go.openmdao.org/remotetest/hostset"
	"go.openmdao.org/remotetest/provision"
	"go.openmdao.org/remotetest/session"
)

// Params are the parameters of the remotetest application.
//
// Zero fields are replaced with the production defaults.
type Params struct {
	// NewDialer makes the dialer used to reach hosts. Diagnostics of the
	// transport go to `transportLog`.
	NewDialer func(cfg *hostset.Config, transportLog io.Writer) session.Dialer
	// NewProvisioner makes the provisioner of cloud hosts. Called only if
	// cloud hosts are selected.
	NewProvisioner func(ctx context.Context, cfg *hostset.Config, prober provision.Prober) (provision.Provisioner, error)
	// WorkDir is where the current checkout is looked for. Defaults to the
	// current directory.
	WorkDir string

	Stdout io.Writer
	Stderr io.Writer
}

func (p Params) withDefaults() Params {
	if p.NewDialer == nil {
		p.NewDialer = func(cfg *hostset.Config, transportLog io.Writer) session.Dialer {
			return session.NewSSHDialer(cfg.SSH, transportLog)
		}
	}
	if p.NewProvisioner == nil {
		p.NewProvisioner = newGCE
	}
	if p.Stdout == nil {
		p.Stdout = os.Stdout
	}
	if p.Stderr == nil {
		p.Stderr = os.Stderr
	}
	return p
}

// application creates the application and configures its subcommands.
func application(p Params) *cli.Application {
	p = p.withDefaults()
	logCfg := gologger.LoggerConfig{Out: p.Stderr}
	return &cli.Application{
		Name:  "remotetest",
		Title: "Builds and tests a branch or a release on a set of remote hosts.",
		Context: func(ctx context.Context) context.Context {
			return logCfg.Use(ctx)
		},
		Commands: []*subcommands.Command{
			cmdTestBranch(p),
			cmdTestRelease(p),

			{}, // a separator
			subcommands.CmdHelp,
		},
	}
}

// Main is the main function of the remotetest application.
func Main(p Params, args []string) int {
	return subcommands.Run(application(p), args)
}

// newGCE makes the Compute Engine provisioner described by the config.
func newGCE(ctx context.Context, cfg *hostset.Config, prober provision.Prober) (provision.Provisioner, error) {
	srv, err := provision.NewComputeService(ctx, cfg.Cloud.Credentials)
	if err != nil {
		return nil, err
	}
	keys, err := sshKeys(cfg.SSH)
	if err != nil {
		return nil, err
	}
	return provision.NewGCE(srv, provision.GCEOptions{
		Project:     cfg.Cloud.Project,
		Zone:        cfg.Cloud.Zone,
		MachineType: cfg.Cloud.MachineType,
		Network:     cfg.Cloud.Network,
		Labels:      cfg.Cloud.Labels,
		SSHKeys:     keys,
		Timeout:     cfg.Cloud.ProvisionTimeout,
	}, prober), nil
}

// sshKeys returns the "ssh-keys" instance metadata letting the configured
// user log in with the public half of the configured identity.
//
// Returns "" if there's no user or no public key next to the identity.
func sshKeys(cfg hostset.SSHConfig) (string, error) {
	if cfg.User == "" || cfg.Identity == "" {
		return "", nil
	}
	path := cfg.Identity + ".pub"
	blob, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return "", nil
	case err != nil:
		return "", errors.Annotate(err, "reading public key").Err()
	}
	pub, comment, _, _, err := ssh.ParseAuthorizedKey(blob)
	if err != nil {
		return "", errors.Annotate(err, "parsing %s", path).Err()
	}
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub)))
	if comment != "" {
		line += " " + comment
	}
	return cfg.User + ":" + line, nil
}

// dialProber considers a host reachable once it can be dialed. Only the
// dialer's transient errors are retried.
type dialProber struct {
	d session.Dialer
}

func (p dialProber) Probe(ctx context.Context, host *hostset.Host) error {
	c, err := p.d.Dial(ctx, host)
	if err != nil {
		return err
	}
	return c.Close()
}

// proberFor returns the prober to use with the dialer.
func proberFor(d session.Dialer) provision.Prober {
	if p, ok := d.(provision.Prober); ok {
		return p
	}
	return dialProber{d}
}
