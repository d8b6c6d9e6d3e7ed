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

// Package hostset loads the test hosts configuration and expands a host
// selection into concrete hosts.
package hostset

import (
	"github.com/bmatcuk/doublestar"

	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
)

// ErrNoHostsSpecified is returned by Resolve when the selection is empty.
var ErrNoHostsSpecified = errors.New("nothing to do - no hosts specified")

// Selection is what hosts the user asked for.
type Selection struct {
	// Patterns are host names, group names or glob patterns over host names.
	Patterns []string
	// All selects every host in the config.
	All bool
}

// Resolve expands the selection into static hosts and hosts to be launched
// from images.
//
// Both lists follow the order of hosts in the config and have no duplicates.
// Returns ErrNoHostsSpecified if both lists are empty.
func Resolve(cfg *Config, sel Selection) (static, images []*Host, err error) {
	picked := stringset.New(len(cfg.Hosts))
	if sel.All {
		for _, h := range cfg.Hosts {
			picked.Add(h.Name)
		}
	} else {
		for _, p := range sel.Patterns {
			if err := cfg.expand(p, picked); err != nil {
				return nil, nil, err
			}
		}
	}

	for i := range cfg.Hosts {
		hc := &cfg.Hosts[i]
		if !picked.Has(hc.Name) {
			continue
		}
		h := cfg.host(hc)
		if h.Lifecycle == Provisioned {
			images = append(images, h)
		} else {
			static = append(static, h)
		}
	}

	if len(static) == 0 && len(images) == 0 {
		return nil, nil, ErrNoHostsSpecified
	}
	return static, images, nil
}

// expand adds names of all hosts matching a pattern or a group to `picked`.
func (c *Config) expand(pattern string, picked stringset.Set) error {
	members := []string{pattern}
	if group, ok := c.Groups[pattern]; ok {
		members = group
	}
	for _, m := range members {
		n, err := c.match(m, picked)
		if err != nil {
			return err
		}
		if n == 0 {
			if m == pattern {
				return errors.Reason("%q doesn't match any host or group in the config", pattern).Err()
			}
			return errors.Reason("group %q: %q doesn't match any host", pattern, m).Err()
		}
	}
	return nil
}

// match adds all hosts matching the glob to `picked`, returning how many
// matched.
func (c *Config) match(glob string, picked stringset.Set) (int, error) {
	n := 0
	for _, h := range c.Hosts {
		ok, err := doublestar.Match(glob, h.Name)
		if err != nil {
			return 0, errors.Annotate(err, "bad host pattern %q", glob).Err()
		}
		if ok {
			picked.Add(h.Name)
			n++
		}
	}
	return n, nil
}
