package cache_fs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/davarch/ci-promoter/internal/domain"
	"github.com/davarch/ci-promoter/internal/infrastructure/config"
)

// FSCache keeps the latest run summary in a small JSON file for status
// bars and shell prompts.
type FSCache struct {
	path string
}

func New(path string) *FSCache { return &FSCache{path: path} }

type snapshotJSON struct {
	RunID     string `json:"run_id"`
	State     string `json:"state"`
	Stage     string `json:"stage,omitempty"`
	Image     string `json:"image,omitempty"`
	Retrieved int64  `json:"retrieved"`
}

func (c *FSCache) Write(_ context.Context, s domain.Snapshot) error {
	if c.path == "" {
		return errors.New("cache path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}

	b, err := json.MarshalIndent(snapshotJSON{
		RunID:     s.RunID,
		State:     string(s.State),
		Stage:     string(s.Stage),
		Image:     s.Image,
		Retrieved: s.Retrieved,
	}, "", "  ")
	if err != nil {
		return err
	}
	return config.WriteFileAtomic(c.path, append(b, '\n'), 0o644)
}

func (c *FSCache) Read(_ context.Context) (domain.Snapshot, error) {
	b, err := os.ReadFile(c.path)
	if err != nil {
		return domain.Snapshot{}, err
	}
	var v snapshotJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return domain.Snapshot{}, err
	}
	return domain.Snapshot{
		RunID:     v.RunID,
		State:     domain.RunState(v.State),
		Stage:     domain.Stage(v.Stage),
		Image:     v.Image,
		Retrieved: v.Retrieved,
	}, nil
}
