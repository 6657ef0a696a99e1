package repo

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSkillInstaller_InstallsEnabledServicesOnly(t *testing.T) {
	source := t.TempDir()
	for _, service := range []string{"linear", "slack", "github"} {
		dir := filepath.Join(source, service)
		os.MkdirAll(dir, 0o755)
		os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte("# "+service+"\n"), 0o644)
	}

	targetA := filepath.Join(t.TempDir(), "claude-skills")
	targetB := filepath.Join(t.TempDir(), "codex-skills")
	installer := NewSkillInstaller(source, []string{targetA, targetB}, []string{"linear", "slack"}, nil)

	if err := installer.Install(); err != nil {
		t.Fatalf("Install: %v", err)
	}

	for _, target := range []string{targetA, targetB} {
		for _, service := range []string{"linear", "slack"} {
			if _, err := os.Stat(filepath.Join(target, service, "SKILL.md")); err != nil {
				t.Fatalf("missing %s skill in %s: %v", service, target, err)
			}
		}
		if _, err := os.Stat(filepath.Join(target, "github")); !os.IsNotExist(err) {
			t.Fatalf("disabled service installed in %s", target)
		}
	}
}

func TestSkillInstaller_MissingSourceIsFine(t *testing.T) {
	installer := NewSkillInstaller(filepath.Join(t.TempDir(), "nope"), []string{t.TempDir()}, []string{"linear"}, nil)
	if err := installer.Install(); err != nil {
		t.Fatalf("Install: %v", err)
	}
}

func TestSkillInstaller_OverwritesOnReinstall(t *testing.T) {
	source := t.TempDir()
	serviceDir := filepath.Join(source, "linear")
	os.MkdirAll(serviceDir, 0o755)
	skillPath := filepath.Join(serviceDir, "SKILL.md")
	os.WriteFile(skillPath, []byte("v1"), 0o644)

	target := t.TempDir()
	installer := NewSkillInstaller(source, []string{target}, []string{"linear"}, nil)
	if err := installer.Install(); err != nil {
		t.Fatalf("first install: %v", err)
	}

	os.WriteFile(skillPath, []byte("v2"), 0o644)
	if err := installer.Install(); err != nil {
		t.Fatalf("second install: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(target, "linear", "SKILL.md"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "v2" {
		t.Fatalf("content = %q, want v2", data)
	}
}
