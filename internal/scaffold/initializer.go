// Package scaffold writes a starter bus.yml for a new deployment.
package scaffold

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/agentbus/internal/config"
)

//go:embed templates/*
var templatesFS embed.FS

// EnvExampleFile is the commented list of overrides written next to bus.yml.
const EnvExampleFile = ".env.example"

// FileInfo represents a file to be created during initialization
type FileInfo struct {
	Path        string
	Content     []byte
	Permissions os.FileMode
}

// Initialize writes bus.yml and .env.example into dir. With force, existing
// files are overwritten; otherwise CheckExisting must pass first. Returns the
// paths written.
func Initialize(dir string, force bool) ([]string, error) {
	if !force {
		if err := CheckExisting(dir); err != nil {
			return nil, err
		}
	}

	files, err := templateFiles(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	written := make([]string, 0, len(files))
	for _, file := range files {
		if err := os.WriteFile(file.Path, file.Content, file.Permissions); err != nil {
			return written, fmt.Errorf("failed to write %s: %w", file.Path, err)
		}
		written = append(written, file.Path)
	}

	// the starter file must load cleanly with the real loader
	if _, err := config.Load(filepath.Join(dir, config.DefaultPath)); err != nil {
		return written, fmt.Errorf("created %s is not valid: %w", config.DefaultPath, err)
	}
	return written, nil
}

func templateFiles(dir string) ([]FileInfo, error) {
	busYml, err := templatesFS.ReadFile("templates/bus.yml.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read bus.yml template: %w", err)
	}
	env, err := templatesFS.ReadFile("templates/env.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read env template: %w", err)
	}
	return []FileInfo{
		{Path: filepath.Join(dir, config.DefaultPath), Content: busYml, Permissions: 0644},
		{Path: filepath.Join(dir, EnvExampleFile), Content: env, Permissions: 0644},
	}, nil
}
