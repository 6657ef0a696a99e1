package repo

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// SkillInstaller copies per-service instruction folders from a source
// directory into the agents' global skill directories. The layout is one
// folder per service (skills/linear, skills/slack, …); only folders for
// enabled services are installed.
type SkillInstaller struct {
	sourceDir       string
	targetDirs      []string
	enabledServices []string
	logger          *slog.Logger
}

// DefaultSkillTargets returns the agent skill directories under home.
func DefaultSkillTargets(home string) []string {
	return []string{
		filepath.Join(home, ".claude", "skills"),
		filepath.Join(home, ".codex", "skills"),
	}
}

// NewSkillInstaller creates an installer.
func NewSkillInstaller(sourceDir string, targetDirs, enabledServices []string, logger *slog.Logger) *SkillInstaller {
	if logger == nil {
		logger = slog.Default()
	}
	return &SkillInstaller{
		sourceDir:       sourceDir,
		targetDirs:      targetDirs,
		enabledServices: enabledServices,
		logger:          logger,
	}
}

// Install copies skill files for every enabled service into every target.
// Missing source folders are skipped silently; a missing source dir is not
// an error (deployments without skills are fine).
func (s *SkillInstaller) Install() error {
	if _, err := os.Stat(s.sourceDir); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("skills: stat source: %w", err)
	}

	installed := make([]string, 0, len(s.enabledServices))
	for _, service := range s.enabledServices {
		serviceDir := filepath.Join(s.sourceDir, service)
		entries, err := os.ReadDir(serviceDir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("skills: read %s: %w", serviceDir, err)
		}

		for _, target := range s.targetDirs {
			targetDir := filepath.Join(target, service)
			if err := os.MkdirAll(targetDir, 0o755); err != nil {
				return fmt.Errorf("skills: mkdir %s: %w", targetDir, err)
			}
			for _, entry := range entries {
				if entry.IsDir() {
					continue
				}
				src := filepath.Join(serviceDir, entry.Name())
				dst := filepath.Join(targetDir, entry.Name())
				if err := copyFile(src, dst); err != nil {
					return fmt.Errorf("skills: copy %s: %w", entry.Name(), err)
				}
			}
		}
		installed = append(installed, service)
	}

	if len(installed) > 0 {
		s.logger.Info("installed skill files", "services", installed)
	}
	return nil
}

// Watch re-installs skills whenever the source tree changes. It blocks
// until the context is cancelled; deployments that bake skills into the
// image simply don't call it.
func (s *SkillInstaller) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("skills: watcher: %w", err)
	}
	defer watcher.Close()

	addDir := func(dir string) {
		if err := watcher.Add(dir); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("skills watcher add failed", "dir", dir, "error", err)
		}
	}
	addDir(s.sourceDir)
	if entries, err := os.ReadDir(s.sourceDir); err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				addDir(filepath.Join(s.sourceDir, entry.Name()))
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// New service folders need watching too.
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					addDir(event.Name)
				}
			}
			s.logger.Debug("skill source changed, reinstalling", "path", event.Name)
			if err := s.Install(); err != nil {
				s.logger.Warn("skill reinstall failed", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("skills watcher error", "error", err)
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
