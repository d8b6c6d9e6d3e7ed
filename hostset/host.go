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

package hostset

import (
	"fmt"
	"net"
	"strconv"
)

// Lifecycle is how a host comes into existence.
type Lifecycle int

const (
	// Static hosts exist independently of the test run.
	Static Lifecycle = iota
	// Provisioned hosts are launched from a cloud image for one run and
	// terminated afterwards.
	Provisioned
)

func (l Lifecycle) String() string {
	switch l {
	case Static:
		return "static"
	case Provisioned:
		return "provisioned"
	default:
		return fmt.Sprintf("Lifecycle(%d)", int(l))
	}
}

// DefaultPython is the interpreter used when a host doesn't specify one.
const DefaultPython = "python"

// DefaultSSHPort is used when a host doesn't specify a port.
const DefaultSSHPort = 22

// Host describes a machine to run the build and tests on.
type Host struct {
	// Name is the name of the host entry in the config.
	Name string
	// Lifecycle is Static or Provisioned.
	Lifecycle Lifecycle

	// Address is the hostname or IP to connect to.
	//
	// Empty for Provisioned hosts until the instance is reachable.
	Address string
	// Port is the SSH port.
	Port int
	// User is the remote user name.
	User string
	// Identity is a path to the private key file, if any.
	Identity string

	// Python is the interpreter used to run the driver and passed to it via
	// --pyversion.
	Python string

	// ImageID is the cloud image a Provisioned host is launched from.
	ImageID string
	// InstanceID is the name of the running cloud instance, once launched.
	InstanceID string
}

// HostPort returns the "host:port" to dial.
func (h *Host) HostPort() string {
	port := h.Port
	if port == 0 {
		port = DefaultSSHPort
	}
	return net.JoinHostPort(h.Address, strconv.Itoa(port))
}

// String is used in logs and reports.
func (h *Host) String() string {
	if h.Lifecycle == Provisioned && h.InstanceID != "" {
		return fmt.Sprintf("%s (%s)", h.Name, h.InstanceID)
	}
	return h.Name
}

// Clone returns a shallow copy of the host.
func (h *Host) Clone() *Host {
	c := *h
	return &c
}
