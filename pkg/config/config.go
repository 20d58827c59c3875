// Copyright 2018 Comcast Cable Communications Management, LLC
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config defines the per-server connection configuration consumed
// by the bridge core, following the teacher's zero-value-backfill idiom
// (ConsumerConfig.SetDefaults) and loadable from YAML for the demo CLI.
package config

import (
	"encoding/hex"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"
)

// ServerConfig describes one logical connection target: host, credentials,
// TLS posture, and two timing knobs: RecentSuccessWindow, which the
// Connection Manager consults on each failure event, and
// ShutdownGracePeriod, which the demo CLI passes to the façade's
// shutdown. The retry backoff (5s+jitter) and per-operation
// timeouts are protocol invariants, not operator knobs, so they are not
// fields here; they live as constants next to the code that enforces them
// (core/cm and core/om).
type ServerConfig struct {
	// Host and Port identify the adapter socket endpoint.
	Host string `yaml:"host" validate:"required"`
	Port int    `yaml:"port" validate:"required,gt=0,lt=65536"`

	// Username/Password authenticate the connection. Password may be left
	// empty in a config file and supplied interactively by the CLI.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// TLS enables a secure transport.
	TLS bool `yaml:"tls"`

	// RecentSuccessWindow is how long after a successful connect the CM
	// ignores disconnect/error events for that connection.
	RecentSuccessWindow time.Duration `yaml:"recent_success_window"`

	// ShutdownGracePeriod bounds how long the façade waits for in-flight
	// operations to drain during a graceful shutdown.
	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period"`
}

// SetDefaults backfills zero-valued fields with the bridge's defaults. It
// mirrors the teacher's ConsumerConfig.SetDefaults: callers build a
// ServerConfig with only the fields they care about set and call this
// before use.
func (c *ServerConfig) SetDefaults() {
	if c.RecentSuccessWindow <= 0 {
		c.RecentSuccessWindow = 5 * time.Second
	}
	if c.ShutdownGracePeriod <= 0 {
		c.ShutdownGracePeriod = 5 * time.Second
	}
}

var validate = validator.New()

// Validate checks struct tags and returns the first validation error, if
// any.
func (c *ServerConfig) Validate() error {
	return validate.Struct(c)
}

// ServerID derives the stable identifier the core keys its per-server state
// on: host:port, which is what distinguishes one adapter connection from
// another regardless of credentials.
func (c *ServerConfig) ServerID() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// Hash returns a stable fingerprint of the fields that matter for deciding
// whether a connection needs to be torn down and rebuilt (host, port,
// credentials, TLS). RecentSuccessWindow and ShutdownGracePeriod are
// excluded: a config edit that only changes those doesn't warrant a
// reconnect.
func (c *ServerConfig) Hash() string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(c.Host))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(c.Port)))
	h.Write([]byte{0})
	h.Write([]byte(c.Username))
	h.Write([]byte{0})
	h.Write([]byte(c.Password))
	h.Write([]byte{0})
	if c.TLS {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// LoadFile reads a YAML-encoded ServerConfig from path, backfills defaults,
// and validates it.
func LoadFile(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c ServerConfig
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
