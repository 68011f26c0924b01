// Package workspace materializes submitted source code on disk.
//
// Every request gets its own directory <root>/<uuid>/ holding exactly one
// file <uuid><ext>. The directory is bind-mounted into the execution
// environment, so it contains nothing but the submission.
//
// The filesystem is an afero.Fs: production uses the OS filesystem (the
// container runtime needs a real host path), tests use an in-memory one.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/sakif/code-sandbox/internal/apperror"
	"github.com/sakif/code-sandbox/internal/language"
	"github.com/sakif/code-sandbox/internal/observability"
)

const (
	// The container runs as an unprivileged user that does not own these files.
	dirMode  fs.FileMode = 0o755
	fileMode fs.FileMode = 0o644
)

// Workspace is the per-request area holding the source file.
type Workspace struct {
	ID         string
	RootDir    string // host directory, mounted into the container
	SourceName string // file name inside RootDir
	SourcePath string // host path of the source file
}

// Manager creates and destroys workspaces under a root directory.
type Manager struct {
	fs     afero.Fs
	root   string
	logger *slog.Logger
	newID  func() string
}

// New returns a Manager rooted at root, creating the directory if needed.
func New(fsys afero.Fs, root string, logger *slog.Logger) (*Manager, error) {
	root = filepath.Clean(root)
	if err := fsys.MkdirAll(root, dirMode); err != nil {
		return nil, fmt.Errorf("workspace: creating root %s: %w", root, err)
	}
	return &Manager{
		fs:     fsys,
		root:   root,
		logger: logger,
		newID:  uuid.NewString,
	}, nil
}

// Root returns the directory all workspaces live under.
func (m *Manager) Root() string {
	return m.root
}

// Create writes sourceCode verbatim into a fresh workspace. On failure nothing
// is left behind.
func (m *Manager) Create(profile language.Profile, sourceCode string) (*Workspace, error) {
	id := m.newID()
	ws := &Workspace{
		ID:         id,
		RootDir:    filepath.Join(m.root, id),
		SourceName: id + profile.Extension,
	}
	ws.SourcePath = filepath.Join(ws.RootDir, ws.SourceName)

	// Mkdir (not MkdirAll) so an existing directory is reported as a collision.
	if err := m.fs.Mkdir(ws.RootDir, dirMode); err != nil {
		return nil, apperror.Workspace("creating directory "+ws.RootDir, err)
	}
	if err := m.fs.Chmod(ws.RootDir, dirMode); err != nil {
		m.discard(ws)
		return nil, apperror.Workspace("setting permissions on "+ws.RootDir, err)
	}

	if err := afero.WriteFile(m.fs, ws.SourcePath, []byte(sourceCode), fileMode); err != nil {
		m.discard(ws)
		return nil, apperror.Workspace("writing "+ws.SourcePath, err)
	}
	if err := m.fs.Chmod(ws.SourcePath, fileMode); err != nil {
		m.discard(ws)
		return nil, apperror.Workspace("setting permissions on "+ws.SourcePath, err)
	}

	m.logger.Debug("workspace created",
		slog.String("workspace", ws.ID),
		slog.String("path", ws.SourcePath),
		slog.Int("bytes", len(sourceCode)),
	)
	return ws, nil
}

// Destroy removes the workspace directory and everything in it. Failures are
// logged and returned for accounting, never retried. Destroying a nil or
// already removed workspace is a no-op.
func (m *Manager) Destroy(ws *Workspace) error {
	if ws == nil {
		return nil
	}
	if err := m.fs.RemoveAll(ws.RootDir); err != nil {
		m.logger.Error("failed to remove workspace",
			slog.String("workspace", ws.ID),
			slog.String("path", ws.RootDir),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("workspace: removing %s: %w", ws.RootDir, err)
	}
	m.logger.Debug("workspace removed", slog.String("workspace", ws.ID))
	return nil
}

// Live returns the workspace directories currently present under the root.
func (m *Manager) Live() ([]string, error) {
	entries, err := afero.ReadDir(m.fs, m.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("workspace: listing %s: %w", m.root, err)
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(m.root, e.Name()))
		}
	}
	return dirs, nil
}

// Sweep removes every workspace under the root. It is meant for startup and
// shutdown, when no request can own a workspace.
func (m *Manager) Sweep() (int, error) {
	dirs, err := m.Live()
	if err != nil {
		return 0, err
	}
	var errs []error
	removed := 0
	for _, dir := range dirs {
		if err := m.fs.RemoveAll(dir); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		observability.ReapedTotal.WithLabelValues("workspace").Add(float64(removed))
		m.logger.Info("swept stale workspaces", slog.Int("count", removed), slog.String("root", m.root))
	}
	return removed, errors.Join(errs...)
}

func (m *Manager) discard(ws *Workspace) {
	if err := m.fs.RemoveAll(ws.RootDir); err != nil {
		m.logger.Warn("failed to discard partial workspace",
			slog.String("path", ws.RootDir),
			slog.String("error", err.Error()),
		)
	}
}
