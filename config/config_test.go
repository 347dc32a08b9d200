package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadFrom(t *testing.T) {
	path := writeConfig(t, `
servers:
  - name: files
    command: npx
    args: ["-y", "@modelcontextprotocol/server-filesystem", "/tmp"]
    env:
      LOG_LEVEL: debug
    startup_timeout_ms: 10000
  - name: quiet-one
    command: ./server
    quiet: true
cancel_grace_ms: 2000
debug: true
`)

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}

	servers := cfg.GetServers()
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
	if servers[0].Name != "files" || servers[0].Command != "npx" {
		t.Errorf("first server = %+v", servers[0])
	}
	if servers[0].Env["LOG_LEVEL"] != "debug" {
		t.Errorf("Env = %v, want LOG_LEVEL=debug", servers[0].Env)
	}
	if got := servers[0].StartupTimeout(); got != 10*time.Second {
		t.Errorf("StartupTimeout() = %v, want 10s", got)
	}
	if !servers[1].Quiet {
		t.Error("quiet flag not parsed")
	}
	if got := cfg.CancelGrace(); got != 2*time.Second {
		t.Errorf("CancelGrace() = %v, want 2s", got)
	}
	if !cfg.Debug {
		t.Error("debug flag not parsed")
	}
}

func TestLoadFrom_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if len(cfg.GetServers()) != 0 {
		t.Error("missing file produced servers")
	}
	if got := cfg.CancelGrace(); got != 5*time.Second {
		t.Errorf("CancelGrace() = %v, want default 5s", got)
	}
}

func TestLoadFrom_Malformed(t *testing.T) {
	path := writeConfig(t, "servers: [not closed")
	if _, err := LoadFrom(path); err == nil {
		t.Fatal("malformed yaml loaded without error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		servers []ServerConfig
		wantErr bool
	}{
		{
			name:    "valid",
			servers: []ServerConfig{{Name: "a", Command: "cat"}},
		},
		{
			name:    "empty name",
			servers: []ServerConfig{{Command: "cat"}},
			wantErr: true,
		},
		{
			name:    "duplicate name",
			servers: []ServerConfig{{Name: "a", Command: "cat"}, {Name: "a", Command: "cat"}},
			wantErr: true,
		},
		{
			name:    "empty command",
			servers: []ServerConfig{{Name: "a"}},
			wantErr: true,
		},
		{
			name:    "negative timeout",
			servers: []ServerConfig{{Name: "a", Command: "cat", StartupTimeoutMS: -1}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Servers: tt.servers}
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := &Config{filePath: path}
	cfg.applyDefaults()

	if !cfg.AddServer(ServerConfig{Name: "files", Command: "npx", Args: []string{"-y", "srv"}}) {
		t.Fatal("AddServer failed")
	}
	if cfg.AddServer(ServerConfig{Name: "files", Command: "other"}) {
		t.Error("duplicate AddServer succeeded")
	}
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	srv, ok := loaded.GetServer("files")
	if !ok {
		t.Fatal("saved server missing after reload")
	}
	if srv.Command != "npx" || len(srv.Args) != 2 {
		t.Errorf("reloaded server = %+v", srv)
	}
}

func TestRemoveServer(t *testing.T) {
	cfg := &Config{Servers: []ServerConfig{{Name: "a", Command: "cat"}, {Name: "b", Command: "cat"}}}

	if !cfg.RemoveServer("a") {
		t.Error("RemoveServer failed for existing server")
	}
	if cfg.RemoveServer("a") {
		t.Error("RemoveServer succeeded twice")
	}
	if _, ok := cfg.GetServer("b"); !ok {
		t.Error("unrelated server was removed")
	}
}
