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
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v2"

	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
)

// DefaultConfigPath is where the config is loaded from if not overridden.
const DefaultConfigPath = "~/.remotetest/testhosts.yaml"

// Config is the test hosts configuration file.
type Config struct {
	// Driver is a local path to the build/test driver script uploaded to every
	// host.
	Driver string `yaml:"driver"`
	// SSH holds connection defaults applied to every host.
	SSH SSHConfig `yaml:"ssh"`
	// Cloud configures where hosts with an image are launched.
	Cloud CloudConfig `yaml:"cloud"`
	// Hosts lists all known hosts, in the order they are reported.
	Hosts []HostConfig `yaml:"hosts"`
	// Groups maps a group name to host names or glob patterns.
	Groups map[string][]string `yaml:"groups"`
}

// SSHConfig holds connection defaults.
type SSHConfig struct {
	User                  string        `yaml:"user"`
	Identity              string        `yaml:"identity"`
	Port                  int           `yaml:"port"`
	KnownHosts            string        `yaml:"known_hosts"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
}

// CloudConfig describes the cloud project used for image hosts.
type CloudConfig struct {
	Project          string            `yaml:"project"`
	Zone             string            `yaml:"zone"`
	MachineType      string            `yaml:"machine_type"`
	Network          string            `yaml:"network"`
	Credentials      string            `yaml:"credentials"`
	ProvisionTimeout time.Duration     `yaml:"provision_timeout"`
	Labels           map[string]string `yaml:"labels"`
}

// HostConfig is a single host entry.
//
// Exactly one of Address and Image must be set.
type HostConfig struct {
	Name     string `yaml:"name"`
	Address  string `yaml:"address"`
	Image    string `yaml:"image"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Identity string `yaml:"identity"`
	Python   string `yaml:"python"`
}

// LoadConfig reads, validates and normalizes the config file.
//
// Relative paths inside the config are resolved against the directory of the
// config file. "~" is expanded everywhere.
func LoadConfig(path string) (*Config, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, errors.Annotate(err, "expanding config path").Err()
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "reading config").Err()
	}
	cfg, err := ParseConfig(blob)
	if err != nil {
		return nil, errors.Annotate(err, "bad config %q", path).Err()
	}
	if err := cfg.resolvePaths(filepath.Dir(path)); err != nil {
		return nil, errors.Annotate(err, "bad config %q", path).Err()
	}
	return cfg, nil
}

// ParseConfig parses and validates the config file body.
func ParseConfig(blob []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.UnmarshalStrict(blob, cfg); err != nil {
		return nil, errors.Annotate(err, "parsing YAML").Err()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config is consistent.
func (c *Config) Validate() error {
	names := stringset.New(len(c.Hosts))
	needCloud := false
	for i, h := range c.Hosts {
		switch {
		case h.Name == "":
			return errors.Reason("hosts[%d]: name is required", i).Err()
		case !names.Add(h.Name):
			return errors.Reason("hosts[%d]: duplicate host %q", i, h.Name).Err()
		case h.Address == "" && h.Image == "":
			return errors.Reason("host %q: either address or image is required", h.Name).Err()
		case h.Address != "" && h.Image != "":
			return errors.Reason("host %q: address and image are mutually exclusive", h.Name).Err()
		case h.Port < 0 || h.Port > 65535:
			return errors.Reason("host %q: bad port %d", h.Name, h.Port).Err()
		}
		if h.Image != "" {
			needCloud = true
		}
	}
	for group, members := range c.Groups {
		if names.Has(group) {
			return errors.Reason("group %q has the same name as a host", group).Err()
		}
		if len(members) == 0 {
			return errors.Reason("group %q is empty", group).Err()
		}
	}
	if needCloud {
		switch {
		case c.Cloud.Project == "":
			return errors.Reason("cloud.project is required when hosts use images").Err()
		case c.Cloud.Zone == "":
			return errors.Reason("cloud.zone is required when hosts use images").Err()
		}
	}
	if c.Cloud.ProvisionTimeout < 0 {
		return errors.Reason("cloud.provision_timeout must not be negative").Err()
	}
	return nil
}

// resolvePaths expands "~" and makes local paths absolute.
func (c *Config) resolvePaths(base string) error {
	paths := []*string{&c.Driver, &c.SSH.Identity, &c.SSH.KnownHosts, &c.Cloud.Credentials}
	for i := range c.Hosts {
		paths = append(paths, &c.Hosts[i].Identity)
	}
	for _, p := range paths {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return errors.Annotate(err, "expanding %q", *p).Err()
		}
		if !filepath.IsAbs(expanded) {
			expanded = filepath.Join(base, expanded)
		}
		*p = expanded
	}
	return nil
}

// host converts a config entry into a Host, applying defaults.
func (c *Config) host(hc *HostConfig) *Host {
	h := &Host{
		Name:     hc.Name,
		Address:  hc.Address,
		Port:     hc.Port,
		User:     hc.User,
		Identity: hc.Identity,
		Python:   hc.Python,
		ImageID:  hc.Image,
	}
	if hc.Image != "" {
		h.Lifecycle = Provisioned
	}
	if h.Port == 0 {
		h.Port = c.SSH.Port
	}
	if h.Port == 0 {
		h.Port = DefaultSSHPort
	}
	if h.User == "" {
		h.User = c.SSH.User
	}
	if h.Identity == "" {
		h.Identity = c.SSH.Identity
	}
	if h.Python == "" {
		h.Python = DefaultPython
	}
	return h
}
