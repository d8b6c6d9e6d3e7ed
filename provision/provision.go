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

// Package provision launches cloud instances from machine images, waits for
// them to accept SSH connections and tears them down.
package provision

import (
	"context"
	"fmt"
	"sync"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.openmdao.org/remotetest/hostset"
)

// Instance is a handle to a launched cloud instance.
//
// It exists from the moment an instance was requested, even if the request
// failed half way, so that teardown can always be attempted.
type Instance struct {
	// Name is the cloud instance name.
	Name string
	// Host is the host the instance is launched for.
	Host *hostset.Host

	// operation is the pending create operation, if any.
	operation string

	m       sync.Mutex
	deleted bool
}

func (i *Instance) String() string {
	return fmt.Sprintf("%s (%s)", i.Host.Name, i.Name)
}

// Prober checks a host accepts remote sessions.
//
// Errors tagged with transient.Tag are retried until the host is reachable
// or the provisioning times out. Other errors fail the provisioning.
type Prober interface {
	Probe(ctx context.Context, host *hostset.Host) error
}

// Provisioner manages instances of Provisioned hosts.
type Provisioner interface {
	// Launch requests an instance from host.ImageID.
	//
	// May return a non-nil Instance together with an error. The instance must
	// be torn down in that case too.
	Launch(ctx context.Context, host *hostset.Host) (*Instance, error)

	// WaitReachable blocks until the instance runs and accepts remote sessions.
	//
	// Returns a copy of the host with Address and InstanceID filled in.
	// Failures are *ProvisionError.
	WaitReachable(ctx context.Context, inst *Instance) (*hostset.Host, error)

	// Teardown deletes the instance.
	//
	// Safe to call many times and concurrently: the instance is deleted once.
	// An instance which is already gone is not an error.
	Teardown(ctx context.Context, inst *Instance) error
}

// ProvisionError is a failure to make an instance reachable.
type ProvisionError struct {
	// Host is the name of the host being provisioned.
	Host string
	// Timeout is true if the instance didn't become reachable in time.
	Timeout bool
	// Err is the underlying error.
	Err error
}

func (e *ProvisionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("provisioning %s timed out: %s", e.Host, e.Err)
	}
	return fmt.Sprintf("provisioning %s failed: %s", e.Host, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// Provision launches an instance for the host and waits until it is
// reachable.
//
// onLaunch is called as soon as an instance handle exists, before waiting,
// so the caller can arrange the teardown. All errors are *ProvisionError.
func Provision(ctx context.Context, p Provisioner, host *hostset.Host, onLaunch func(*Instance)) (*hostset.Host, error) {
	logging.Infof(ctx, "Launching %s from %s", host.Name, host.ImageID)
	inst, err := p.Launch(ctx, host)
	if inst != nil && onLaunch != nil {
		onLaunch(inst)
	}
	if err != nil {
		return nil, asProvisionError(host, err)
	}
	logging.Infof(ctx, "Waiting for %s", inst)
	reachable, err := p.WaitReachable(ctx, inst)
	if err != nil {
		return nil, asProvisionError(host, err)
	}
	logging.Infof(ctx, "%s is reachable at %s", inst, reachable.HostPort())
	return reachable, nil
}

func asProvisionError(host *hostset.Host, err error) error {
	var perr *ProvisionError
	if errors.As(err, &perr) {
		return err
	}
	return &ProvisionError{Host: host.Name, Err: err}
}
