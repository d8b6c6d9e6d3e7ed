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
	"testing"
	"time"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
)

const testConfig = `
driver: loc_bld_tst.py
ssh:
  user: builder
  identity: keys/id_rsa
cloud:
  project: proj
  zone: us-central1-a
  provision_timeout: 5m
hosts:
  - name: linux1
    address: linux1.example.com
    python: python2.7
  - name: linux2
    address: linux2.example.com
    port: 2222
    user: other
  - name: mac1
    address: mac1.example.com
  - name: win-image
    image: projects/p/global/images/win
  - name: linux-image
    image: projects/p/global/images/linux
groups:
  linux: ["linux*"]
  cloud: ["*-image"]
`

func names(hosts []*Host) []string {
	out := make([]string, len(hosts))
	for i, h := range hosts {
		out[i] = h.Name
	}
	return out
}

func TestConfig(t *testing.T) {
	t.Parallel()

	ftt.Run("LoadConfig", t, func(t *ftt.Test) {
		dir := t.TempDir()
		path := filepath.Join(dir, "testhosts.yaml")
		assert.Loosely(t, os.WriteFile(path, []byte(testConfig), 0600), should.BeNil)

		cfg, err := LoadConfig(path)
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, cfg.Driver, should.Equal(filepath.Join(dir, "loc_bld_tst.py")))
		assert.Loosely(t, cfg.SSH.Identity, should.Equal(filepath.Join(dir, "keys", "id_rsa")))
		assert.Loosely(t, cfg.Cloud.ProvisionTimeout, should.Equal(5*time.Minute))
		assert.Loosely(t, cfg.Hosts, should.HaveLength(5))
	})

	ftt.Run("ParseConfig", t, func(t *ftt.Test) {
		bad := func(t testing.TB, body, msg string) {
			t.Helper()
			_, err := ParseConfig([]byte(body))
			assert.Loosely(t, err, should.ErrLike(msg))
		}

		t.Run("unknown field", func(t *ftt.Test) {
			bad(t, "hosts:\n  - name: a\n    adress: x\n", "parsing YAML")
		})
		t.Run("no name", func(t *ftt.Test) {
			bad(t, "hosts:\n  - address: x\n", "name is required")
		})
		t.Run("duplicate", func(t *ftt.Test) {
			bad(t, "hosts:\n  - {name: a, address: x}\n  - {name: a, address: y}\n", "duplicate host")
		})
		t.Run("neither address nor image", func(t *ftt.Test) {
			bad(t, "hosts:\n  - name: a\n", "either address or image")
		})
		t.Run("both address and image", func(t *ftt.Test) {
			bad(t, "hosts:\n  - {name: a, address: x, image: y}\n", "mutually exclusive")
		})
		t.Run("image without cloud", func(t *ftt.Test) {
			bad(t, "hosts:\n  - {name: a, image: y}\n", "cloud.project is required")
		})
		t.Run("group named as host", func(t *ftt.Test) {
			bad(t, "hosts:\n  - {name: a, address: x}\ngroups:\n  a: [a]\n", "same name as a host")
		})
	})
}

func TestResolve(t *testing.T) {
	t.Parallel()

	ftt.Run("Resolve", t, func(t *ftt.Test) {
		cfg, err := ParseConfig([]byte(testConfig))
		assert.Loosely(t, err, should.BeNil)

		t.Run("all", func(t *ftt.Test) {
			static, images, err := Resolve(cfg, Selection{All: true})
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, names(static), should.Match([]string{"linux1", "linux2", "mac1"}))
			assert.Loosely(t, names(images), should.Match([]string{"win-image", "linux-image"}))
		})

		t.Run("defaults applied", func(t *ftt.Test) {
			static, images, err := Resolve(cfg, Selection{Patterns: []string{"linux1", "linux2", "win-image"}})
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, static, should.HaveLength(2))

			assert.Loosely(t, static[0], should.Match(&Host{
				Name:      "linux1",
				Lifecycle: Static,
				Address:   "linux1.example.com",
				Port:      22,
				User:      "builder",
				Identity:  "keys/id_rsa",
				Python:    "python2.7",
			}))
			assert.Loosely(t, static[1].Port, should.Equal(2222))
			assert.Loosely(t, static[1].User, should.Equal("other"))
			assert.Loosely(t, static[1].Python, should.Equal(DefaultPython))

			assert.Loosely(t, images, should.HaveLength(1))
			assert.Loosely(t, images[0].Lifecycle, should.Equal(Provisioned))
			assert.Loosely(t, images[0].ImageID, should.Equal("projects/p/global/images/win"))
			assert.Loosely(t, images[0].Address, should.BeEmpty)
		})

		t.Run("groups and globs", func(t *ftt.Test) {
			static, images, err := Resolve(cfg, Selection{Patterns: []string{"cloud", "mac?", "linux"}})
			assert.Loosely(t, err, should.BeNil)
			// Config order, not selection order, and no duplicates.
			assert.Loosely(t, names(static), should.Match([]string{"linux1", "linux2", "mac1"}))
			assert.Loosely(t, names(images), should.Match([]string{"win-image", "linux-image"}))
		})

		t.Run("duplicates removed", func(t *ftt.Test) {
			static, _, err := Resolve(cfg, Selection{Patterns: []string{"linux1", "linux1", "linux*"}})
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, names(static), should.Match([]string{"linux1", "linux2"}))
		})

		t.Run("unknown host", func(t *ftt.Test) {
			_, _, err := Resolve(cfg, Selection{Patterns: []string{"solaris"}})
			assert.Loosely(t, err, should.ErrLike(`"solaris" doesn't match any host or group`))
		})

		t.Run("nothing selected", func(t *ftt.Test) {
			_, _, err := Resolve(cfg, Selection{})
			assert.Loosely(t, errors.Is(err, ErrNoHostsSpecified), should.BeTrue)
		})

		t.Run("empty config", func(t *ftt.Test) {
			_, _, err := Resolve(&Config{}, Selection{All: true})
			assert.Loosely(t, errors.Is(err, ErrNoHostsSpecified), should.BeTrue)
		})
	})
}

func TestHost(t *testing.T) {
	t.Parallel()

	ftt.Run("Host", t, func(t *ftt.Test) {
		h := &Host{Name: "img", Lifecycle: Provisioned, Address: "10.0.0.1"}
		assert.Loosely(t, h.HostPort(), should.Equal("10.0.0.1:22"))
		assert.Loosely(t, h.String(), should.Equal("img"))

		h.InstanceID = "remotetest-abc"
		h.Port = 2200
		assert.Loosely(t, h.HostPort(), should.Equal("10.0.0.1:2200"))
		assert.Loosely(t, h.String(), should.Equal("img (remotetest-abc)"))
		assert.Loosely(t, Provisioned.String(), should.Equal("provisioned"))
	})
}
