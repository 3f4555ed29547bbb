package vmconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsVCPUCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "machine.yaml")
	if err := os.WriteFile(path, []byte(`
primary_ide:
  master:
    type: disk
    image: /tmp/disk0.img
    model: TEST DISK
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LAPIC.VCPUCount != 1 {
		t.Fatalf("VCPUCount = %d, want 1 (default)", cfg.LAPIC.VCPUCount)
	}
	if cfg.Primary.Master == nil || cfg.Primary.Master.Type != "disk" {
		t.Fatalf("primary master not parsed correctly: %+v", cfg.Primary.Master)
	}
}

func TestLoadExplicitVCPUCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "machine.yaml")
	if err := os.WriteFile(path, []byte("lapic:\n  vcpu_count: 4\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LAPIC.VCPUCount != 4 {
		t.Fatalf("VCPUCount = %d, want 4", cfg.LAPIC.VCPUCount)
	}
}

func TestDriveConfigValidate(t *testing.T) {
	cases := []struct {
		typ     string
		wantErr bool
	}{
		{"disk", false},
		{"cdrom", false},
		{"floppy", true},
		{"", true},
	}
	for _, c := range cases {
		err := DriveConfig{Type: c.typ}.Validate()
		if (err != nil) != c.wantErr {
			t.Errorf("Validate(%q) error = %v, wantErr %v", c.typ, err, c.wantErr)
		}
	}
}
