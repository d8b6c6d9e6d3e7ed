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

package provision

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
	"google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/retry/transient"

	"go.openmdao.org/remotetest/hostset"
)

const (
	// DefaultMachineType is used when GCEOptions.MachineType is empty.
	DefaultMachineType = "n1-standard-2"
	// DefaultNetwork is used when GCEOptions.Network is empty.
	DefaultNetwork = "global/networks/default"
	// DefaultTimeout is used when GCEOptions.Timeout is zero.
	DefaultTimeout = 10 * time.Minute
	// DefaultPollInterval is used when GCEOptions.PollInterval is zero.
	DefaultPollInterval = 2 * time.Second
)

// GCEOptions configures the GCE provisioner.
type GCEOptions struct {
	Project     string
	Zone        string
	MachineType string
	Network     string
	// Labels are attached to every instance.
	Labels map[string]string
	// SSHKeys is the value of the "ssh-keys" instance metadata, if any.
	SSHKeys string
	// Timeout bounds WaitReachable.
	Timeout time.Duration
	// PollInterval is the initial delay between polls.
	PollInterval time.Duration
}

// GCE launches instances in Google Compute Engine.
type GCE struct {
	srv    *compute.Service
	opts   GCEOptions
	prober Prober
}

var _ Provisioner = (*GCE)(nil)

// NewComputeService makes a Compute Engine client.
//
// Uses the service account key file if given, the application default
// credentials otherwise.
func NewComputeService(ctx context.Context, credentials string) (*compute.Service, error) {
	opts := []option.ClientOption{option.WithScopes(compute.ComputeScope)}
	if credentials != "" {
		path, err := homedir.Expand(credentials)
		if err != nil {
			return nil, errors.Annotate(err, "expanding %q", credentials).Err()
		}
		opts = append(opts, option.WithCredentialsFile(path))
	}
	srv, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Annotate(err, "failed to create compute client").Err()
	}
	return srv, nil
}

// NewGCE makes a GCE provisioner.
//
// `prober` decides when a running instance is reachable.
func NewGCE(srv *compute.Service, opts GCEOptions, prober Prober) *GCE {
	if opts.MachineType == "" {
		opts.MachineType = DefaultMachineType
	}
	if opts.Network == "" {
		opts.Network = DefaultNetwork
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &GCE{srv: srv, opts: opts, prober: prober}
}

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// instanceName makes a unique valid instance name for the host.
func instanceName(host string) string {
	base := strings.Trim(invalidNameChars.ReplaceAllString(strings.ToLower(host), "-"), "-")
	if len(base) > 40 {
		base = strings.TrimRight(base[:40], "-")
	}
	if base == "" {
		base = "host"
	}
	return fmt.Sprintf("remotetest-%s-%s", base, uuid.New().String()[:8])
}

func (g *GCE) instance(name string, host *hostset.Host) *compute.Instance {
	labels := map[string]string{"remotetest": "1"}
	for k, v := range g.opts.Labels {
		labels[k] = v
	}
	inst := &compute.Instance{
		Name:        name,
		Description: fmt.Sprintf("remotetest host %s", host.Name),
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", g.opts.Zone, g.opts.MachineType),
		Disks: []*compute.AttachedDisk{
			{
				AutoDelete: true,
				Boot:       true,
				InitializeParams: &compute.AttachedDiskInitializeParams{
					SourceImage: host.ImageID,
				},
			},
		},
		NetworkInterfaces: []*compute.NetworkInterface{
			{
				Network: g.opts.Network,
				AccessConfigs: []*compute.AccessConfig{
					{Name: "External NAT", Type: "ONE_TO_ONE_NAT"},
				},
			},
		},
		Labels: labels,
	}
	if g.opts.SSHKeys != "" {
		keys := g.opts.SSHKeys
		inst.Metadata = &compute.Metadata{
			Items: []*compute.MetadataItems{{Key: "ssh-keys", Value: &keys}},
		}
	}
	return inst
}

func logErrors(ctx context.Context, err *googleapi.Error) {
	for _, err := range err.Errors {
		logging.Errorf(ctx, "%s", err.Message)
	}
}

// operationError returns the error of a finished operation, if any.
func operationError(op *compute.Operation) error {
	if op.Error == nil || len(op.Error.Errors) == 0 {
		return nil
	}
	msgs := make([]string, len(op.Error.Errors))
	for i, e := range op.Error.Errors {
		msgs[i] = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return errors.Reason("operation %s failed: %s", op.Name, strings.Join(msgs, "; ")).Err()
}

// apiError tags retriable API errors as transient.
func apiError(ctx context.Context, err error, msg string) error {
	err = errors.Annotate(err, "%s", msg).Err()
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		logErrors(ctx, gerr)
		if gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500 {
			return transient.Tag.Apply(err)
		}
		return err
	}
	// Network level failures.
	return transient.Tag.Apply(err)
}

// Launch implements Provisioner.
func (g *GCE) Launch(ctx context.Context, host *hostset.Host) (*Instance, error) {
	if host.ImageID == "" {
		return nil, errors.Reason("%s has no image", host.Name).Err()
	}
	name := instanceName(host.Name)
	h := host.Clone()
	h.InstanceID = name
	inst := &Instance{Name: name, Host: h}

	logging.Debugf(ctx, "creating instance %q from %s", name, host.ImageID)
	lctx, cancel := clock.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()
	// Generate a request ID based on the name.
	// Ensures duplicate operations aren't created in GCE.
	rID := uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("create-%s", name)))
	call := g.srv.Instances.Insert(g.opts.Project, g.opts.Zone, g.instance(name, host))
	op, err := call.RequestId(rID.String()).Context(lctx).Do()
	if err != nil {
		// The instance may exist regardless, the caller tears it down.
		err = apiError(ctx, err, "failed to create instance")
		if ctx.Err() == nil && lctx.Err() != nil {
			err = &ProvisionError{
				Host:    host.Name,
				Timeout: true,
				Err:     errors.Annotate(err, "no response after %s", g.opts.Timeout).Err(),
			}
		}
		return inst, err
	}
	if err := operationError(op); err != nil {
		return inst, err
	}
	if op.Status != "DONE" {
		inst.operation = op.Name
	}
	return inst, nil
}

// errPending is returned by polling attempts of things not ready yet.
var errPending = errors.New("not ready yet")

func (g *GCE) poll(ctx context.Context, what string, attempt func() error) error {
	policy := func() retry.Iterator {
		return &retry.ExponentialBackoff{
			Limited: retry.Limited{
				Delay:   g.opts.PollInterval,
				Retries: -1,
			},
			MaxDelay:   8 * g.opts.PollInterval,
			Multiplier: 1.5,
		}
	}
	return retry.Retry(ctx, transient.Only(policy), attempt, func(err error, wait time.Duration) {
		logging.Debugf(ctx, "%s: %s, retrying in %s", what, err, wait)
	})
}

// WaitReachable implements Provisioner.
func (g *GCE) WaitReachable(ctx context.Context, inst *Instance) (*hostset.Host, error) {
	wctx, cancel := clock.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()
	host, err := g.waitReachable(wctx, inst)
	if err != nil {
		timedOut := ctx.Err() == nil && wctx.Err() != nil
		if timedOut {
			err = errors.Annotate(err, "not reachable after %s", g.opts.Timeout).Err()
		}
		return nil, &ProvisionError{Host: inst.Host.Name, Timeout: timedOut, Err: err}
	}
	return host, nil
}

func (g *GCE) waitReachable(ctx context.Context, inst *Instance) (*hostset.Host, error) {
	if inst.operation != "" {
		err := g.poll(ctx, "creating "+inst.Name, func() error {
			op, err := g.srv.ZoneOperations.Get(g.opts.Project, g.opts.Zone, inst.operation).Context(ctx).Do()
			switch {
			case err != nil:
				return apiError(ctx, err, "failed to fetch operation")
			case op.Status != "DONE":
				return transient.Tag.Apply(errors.Annotate(errPending, "operation %s is %s", op.Name, op.Status).Err())
			}
			return operationError(op)
		})
		if err != nil {
			return nil, err
		}
		logging.Debugf(ctx, "created instance %q", inst.Name)
	}

	var address string
	err := g.poll(ctx, "starting "+inst.Name, func() error {
		in, err := g.srv.Instances.Get(g.opts.Project, g.opts.Zone, inst.Name).Context(ctx).Do()
		if err != nil {
			return apiError(ctx, err, "failed to fetch instance")
		}
		switch in.Status {
		case "PROVISIONING", "STAGING":
			return transient.Tag.Apply(errors.Annotate(errPending, "instance is %s", in.Status).Err())
		case "RUNNING":
		default:
			return errors.Reason("instance is %s", in.Status).Err()
		}
		if address = natIP(in); address == "" {
			return transient.Tag.Apply(errors.Annotate(errPending, "instance has no external IP").Err())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	host := inst.Host.Clone()
	host.Address = address
	logging.Debugf(ctx, "instance %q is running at %s", inst.Name, address)
	if g.prober == nil {
		return host, nil
	}
	// Only transient probe errors are retried.
	err = g.poll(ctx, "connecting to "+inst.Name, func() error {
		return g.prober.Probe(ctx, host)
	})
	if err != nil {
		return nil, err
	}
	return host, nil
}

func natIP(in *compute.Instance) string {
	for _, ni := range in.NetworkInterfaces {
		for _, ac := range ni.AccessConfigs {
			if ac.NatIP != "" {
				return ac.NatIP
			}
		}
	}
	return ""
}

// Teardown implements Provisioner.
func (g *GCE) Teardown(ctx context.Context, inst *Instance) error {
	inst.m.Lock()
	defer inst.m.Unlock()
	if inst.deleted {
		return nil
	}

	logging.Infof(ctx, "Deleting instance %q", inst.Name)
	// Generate a request ID based on the name.
	// Ensures duplicate operations aren't created in GCE.
	rID := uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("destroy-%s", inst.Name)))
	call := g.srv.Instances.Delete(g.opts.Project, g.opts.Zone, inst.Name)
	op, err := call.RequestId(rID.String()).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			// Instance is already destroyed.
			logging.Debugf(ctx, "instance does not exist: %s", inst.Name)
			inst.deleted = true
			return nil
		}
		return apiError(ctx, err, "failed to destroy instance")
	}
	if err := operationError(op); err != nil {
		return err
	}
	inst.deleted = true
	return nil
}
