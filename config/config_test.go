package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"4GB", 4 * 1024 * 1024 * 1024, false},
		{"256MB", 256 * 1024 * 1024, false},
		{"1024", 1024, false},
		{"4gb", 4 * 1024 * 1024 * 1024, false},
		{"4Gb", 4 * 1024 * 1024 * 1024, false},
		{"1mb", 1024 * 1024, false},
		{"4XB", 0, true},
		{"GB", 0, true},
		{"", 0, true},
		{"12K", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got %d", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSize(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseSize(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestDefaultConfigRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".akumulid")

	if err := WriteDefault(path, false, false); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	// A second init must refuse to overwrite.
	if err := WriteDefault(path, false, false); err == nil {
		t.Error("second WriteDefault should fail")
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.NVolumes != 4 {
		t.Errorf("expected nvolumes=4, got %d", cfg.NVolumes)
	}
	if cfg.VolumeSize != 4*1024*1024*1024 {
		t.Errorf("expected volume_size=4GiB, got %d", cfg.VolumeSize)
	}

	ports := map[string]string{}
	for _, srv := range cfg.Servers {
		for _, p := range srv.Protocols {
			ports[p.Name] = p.Endpoint
		}
	}
	want := map[string]string{
		"HTTP":     ":8181",
		"RESP":     ":8282",
		"UDP":      ":8383",
		"OpenTSDB": ":4242",
	}
	for name, endpoint := range want {
		if ports[name] != endpoint {
			t.Errorf("protocol %s: expected endpoint %q, got %q", name, endpoint, ports[name])
		}
	}

	if !cfg.WAL.Enabled() {
		t.Error("default config should enable the WAL")
	}
	if cfg.WAL.NVolumes != 4 {
		t.Errorf("expected WAL.nvolumes=4, got %d", cfg.WAL.NVolumes)
	}
	if cfg.WAL.VolumeSize != 256*1024*1024 {
		t.Errorf("expected WAL.volume_size=256MB, got %d", cfg.WAL.VolumeSize)
	}
}

func TestWriteDefault_Expandable(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".akumulid")

	if err := WriteDefault(path, true, false); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NVolumes != 0 {
		t.Errorf("expected nvolumes=0, got %d", cfg.NVolumes)
	}
}

func TestWriteDefault_DisableWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".akumulid")

	if err := WriteDefault(path, false, true); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "[WAL]") {
		t.Error("generated config should not contain a WAL section")
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WAL.Enabled() {
		t.Error("WAL should be disabled")
	}
}

func TestWALValidate(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		wal     WALSettings
		wantMsg string
	}{
		{
			"single volume",
			WALSettings{Path: dir, NVolumes: 1, VolumeSize: 256 * 1024 * 1024},
			"WAL.nvolumes",
		},
		{
			"too many volumes",
			WALSettings{Path: dir, NVolumes: 1001, VolumeSize: 256 * 1024 * 1024},
			"WAL.nvolumes",
		},
		{
			"volume too small",
			WALSettings{Path: dir, NVolumes: 4, VolumeSize: 1024},
			"WAL.volume_size",
		},
		{
			"volume too large",
			WALSettings{Path: dir, NVolumes: 4, VolumeSize: 2 * 1024 * 1024 * 1024},
			"WAL.volume_size",
		},
		{
			"missing directory",
			WALSettings{Path: filepath.Join(dir, "nope"), NVolumes: 4, VolumeSize: 256 * 1024 * 1024},
			"WAL.path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs := tt.wal.Validate()
			if len(msgs) == 0 {
				t.Fatal("expected validation message")
			}
			found := false
			for _, m := range msgs {
				if strings.Contains(m, tt.wantMsg) {
					found = true
				}
			}
			if !found {
				t.Errorf("expected a message naming %s, got %v", tt.wantMsg, msgs)
			}
		})
	}

	valid := WALSettings{Path: dir, NVolumes: 4, VolumeSize: 256 * 1024 * 1024}
	if msgs := valid.Validate(); len(msgs) != 0 {
		t.Errorf("valid settings should pass, got %v", msgs)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("loading a missing config should fail")
	}
}

func TestLoad_BindAddr(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg")
	content := "path=" + t.TempDir() + "\nnvolumes=2\n\n[UDP]\nport=9999\nbind_addr=127.0.0.1\npool_size=2\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Servers) != 1 {
		t.Fatalf("expected 1 server, got %d", len(cfg.Servers))
	}
	srv := cfg.Servers[0]
	if srv.Protocols[0].Endpoint != "127.0.0.1:9999" {
		t.Errorf("unexpected endpoint %q", srv.Protocols[0].Endpoint)
	}
	if srv.NWorkers != 2 {
		t.Errorf("expected pool_size=2, got %d", srv.NWorkers)
	}
}
