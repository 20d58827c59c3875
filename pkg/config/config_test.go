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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSetDefaultsBackfillsOnlyZeroFields(t *testing.T) {
	c := ServerConfig{Host: "10.0.0.5", Port: 8081, RecentSuccessWindow: 3 * time.Second}
	c.SetDefaults()

	if c.RecentSuccessWindow != 3*time.Second {
		t.Fatalf("expected caller-supplied RecentSuccessWindow to survive, got %s", c.RecentSuccessWindow)
	}
	if c.ShutdownGracePeriod != 5*time.Second {
		t.Fatalf("expected default ShutdownGracePeriod, got %s", c.ShutdownGracePeriod)
	}
}

func TestServerIDIsHostPort(t *testing.T) {
	c := ServerConfig{Host: "10.0.0.5", Port: 8081}
	if got := c.ServerID(); got != "10.0.0.5:8081" {
		t.Fatalf("expected \"10.0.0.5:8081\", got %q", got)
	}
}

func TestHashIgnoresTuningKnobsButNotCredentials(t *testing.T) {
	base := ServerConfig{Host: "10.0.0.5", Port: 8081, Username: "admin", Password: "secret"}
	retuned := base
	retuned.RecentSuccessWindow = 2 * time.Second
	retuned.ShutdownGracePeriod = 50 * time.Second

	if base.Hash() != retuned.Hash() {
		t.Fatal("expected a tuning-only change to leave the Hash unchanged")
	}

	reauthed := base
	reauthed.Password = "different"
	if base.Hash() == reauthed.Hash() {
		t.Fatal("expected a credential change to change the Hash")
	}
}

func TestValidateRejectsMissingHostAndBadPort(t *testing.T) {
	c := ServerConfig{Port: 8081}
	if err := c.Validate(); err == nil {
		t.Fatal("expected Validate to reject a config with no Host")
	}

	c = ServerConfig{Host: "10.0.0.5", Port: 0}
	if err := c.Validate(); err == nil {
		t.Fatal("expected Validate to reject port 0")
	}

	c = ServerConfig{Host: "10.0.0.5", Port: 8081}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected a well-formed config to validate, got %v", err)
	}
}

func TestLoadFileBackfillsAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	body := "host: 10.0.0.5\nport: 8081\nusername: admin\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Username != "admin" {
		t.Fatalf("expected Username to round-trip, got %q", cfg.Username)
	}
	if cfg.ShutdownGracePeriod != 5*time.Second {
		t.Fatal("expected LoadFile to backfill defaults")
	}
}

func TestLoadFileRejectsMissingRequiredField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	if err := os.WriteFile(path, []byte("port: 8081\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected LoadFile to reject a config missing Host")
	}
}
