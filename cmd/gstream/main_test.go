package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gstream.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadRequiresHost(t *testing.T) {
	o := rootOptions{configPath: writeConfig(t, "device_name: den\n")}
	if _, err := o.load(true); !errors.Is(err, errNoHost) {
		t.Fatalf("err = %v, want errNoHost", err)
	}
	if _, err := o.load(false); err != nil {
		t.Fatalf("host not required: %v", err)
	}
}

func TestHostFlagOverridesConfig(t *testing.T) {
	o := rootOptions{
		configPath: writeConfig(t, "host: 10.0.0.1\n"),
		host:       "10.0.0.9",
	}
	cfg, err := o.load(true)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Host != "10.0.0.9" {
		t.Fatalf("host = %q, want flag value", cfg.Host)
	}
}

func TestLoadGeneratesUniqueID(t *testing.T) {
	o := rootOptions{configPath: writeConfig(t, "host: 10.0.0.1\n")}
	first, err := o.load(true)
	if err != nil {
		t.Fatal(err)
	}
	second, err := o.load(true)
	if err != nil {
		t.Fatal(err)
	}
	if first.UniqueID == "" || first.UniqueID != second.UniqueID {
		t.Fatalf("unique ids %q and %q, want one stable generated id", first.UniqueID, second.UniqueID)
	}
}

func TestStreamRejectsUnknownGamepadComponent(t *testing.T) {
	o := &rootOptions{configPath: writeConfig(t, `host: 127.0.0.1
gamepad:
  mappings:
    - source: button
      id: 0
      component: turbo
`)}
	cmd := streamCmd(o)
	cmd.SetContext(context.Background())
	err := cmd.RunE(cmd, nil)
	if err == nil || !strings.Contains(err.Error(), "gamepad.mappings") {
		t.Fatalf("err = %v, want gamepad.mappings error", err)
	}
}
