package project

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/activescreen/backend/internal/storage/models"
	"github.com/activescreen/backend/internal/storage/sqlite"
	"github.com/activescreen/backend/pkg/logger"
)

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

type Options struct {
	BusyTimeout time.Duration
	Locks       LockOptions
}

// Manager creates, opens and deletes the projects below Root.
type Manager struct {
	Root string
	opts Options
}

func NewManager(root string, opts Options) *Manager {
	return &Manager{Root: root, opts: opts}
}

func (m *Manager) dir(id string) (string, error) {
	if !validID.MatchString(id) {
		return "", fmt.Errorf("%w %q", ErrInvalidID, id)
	}
	return filepath.Join(m.Root, id), nil
}

// Create sets up a project: the record table and texts, the settings, and
// status setup. An empty id gets a generated one. A failed Create leaves
// nothing behind.
func (m *Manager) Create(ctx context.Context, id string, records []models.Record, settings models.Settings) (p *Project, err error) {
	if id == "" {
		id = uuid.NewString()
	}
	dir, err := m.dir(id)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.New("dataset has no records")
	}

	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrProjectExists, id)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create project directory: %w", err)
	}
	defer func() {
		if err != nil {
			if p != nil {
				p.Close()
				p = nil
			}
			os.RemoveAll(dir)
		}
	}()

	p, err = open(ctx, id, dir, m.opts.BusyTimeout, m.opts.Locks)
	if err != nil {
		return nil, err
	}

	if _, err = p.db.ExecContext(ctx,
		`INSERT INTO review_status (id, status, updated) VALUES (1, ?, ?)`,
		string(models.StatusSetup), sqlite.Now(),
	); err != nil {
		return nil, fmt.Errorf("failed to initialize project status: %w", err)
	}
	if err = p.store.AddRecords(ctx, records); err != nil {
		return nil, err
	}
	if err = p.store.SetSettings(ctx, settings); err != nil {
		return nil, err
	}

	logger.Info("Project created",
		logger.ProjectID(id),
		zap.Int("records", len(records)),
		zap.String("classifier", settings.Classifier.Name),
		zap.String("feature_extractor", settings.FeatureExtractor.Name),
	)
	return p, nil
}

// Open opens an existing project. The caller must Close it.
func (m *Manager) Open(ctx context.Context, id string) (*Project, error) {
	dir, err := m.dir(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProjectNotFound, err)
	}
	if _, err := os.Stat(filepath.Join(dir, dbFile)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, id)
		}
		return nil, err
	}
	return open(ctx, id, dir, m.opts.BusyTimeout, m.opts.Locks)
}

// Delete removes the project and everything it holds.
func (m *Manager) Delete(ctx context.Context, id string) error {
	dir, err := m.dir(id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProjectNotFound, err)
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete project %s: %w", id, err)
	}
	logger.Info("Project deleted", logger.ProjectID(id))
	return nil
}

// List returns the ids of all projects, sorted.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(m.Root)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	ids := []string{}
	for _, e := range entries {
		if !e.IsDir() || !validID.MatchString(e.Name()) {
			continue
		}
		if _, err := os.Stat(filepath.Join(m.Root, e.Name(), dbFile)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
