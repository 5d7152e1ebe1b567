package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/newthinker/quotegate/internal/storage/archive"
	"go.uber.org/zap"
)

const (
	snapshotPrefix  = "cache/"
	snapshotVersion = 1
	snapshotLayout  = "20060102T150405Z"
)

type snapshotFile struct {
	Version int       `json:"version"`
	TakenAt time.Time `json:"taken_at"`
	Entries []Entry   `json:"entries"`
}

// Snapshotter persists a Store to archive storage so stale data survives
// restarts.
type Snapshotter struct {
	store   *Store
	storage archive.Storage
	keep    int
	logger  *zap.Logger
}

// NewSnapshotter keeps at most keep snapshots; keep < 1 is treated as 1.
func NewSnapshotter(store *Store, storage archive.Storage, keep int, logger *zap.Logger) *Snapshotter {
	if keep < 1 {
		keep = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Snapshotter{store: store, storage: storage, keep: keep, logger: logger}
}

// Save writes the current store contents and prunes old snapshots.
func (s *Snapshotter) Save(ctx context.Context) (string, error) {
	file := snapshotFile{
		Version: snapshotVersion,
		TakenAt: s.store.now().UTC(),
		Entries: s.store.Entries(),
	}
	data, err := json.Marshal(file)
	if err != nil {
		return "", fmt.Errorf("encoding snapshot: %w", err)
	}

	path := snapshotPrefix + "snapshot-" + file.TakenAt.Format(snapshotLayout) + ".json"
	if err := s.storage.Write(ctx, path, data); err != nil {
		return "", fmt.Errorf("writing snapshot: %w", err)
	}

	if err := s.prune(ctx); err != nil {
		s.logger.Warn("pruning cache snapshots failed", zap.Error(err))
	}

	s.logger.Debug("cache snapshot saved",
		zap.String("path", path),
		zap.Int("entries", len(file.Entries)),
	)
	return path, nil
}

// Restore loads the newest snapshot into the store. A missing snapshot is
// not an error.
func (s *Snapshotter) Restore(ctx context.Context) (int, error) {
	paths, err := s.list(ctx)
	if err != nil {
		return 0, err
	}
	if len(paths) == 0 {
		return 0, nil
	}

	latest := paths[len(paths)-1]
	data, err := s.storage.Read(ctx, latest)
	if err != nil {
		return 0, fmt.Errorf("reading snapshot %s: %w", latest, err)
	}

	var file snapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("decoding snapshot %s: %w", latest, err)
	}
	if file.Version != snapshotVersion {
		return 0, fmt.Errorf("snapshot %s: unsupported version %d", latest, file.Version)
	}

	n := s.store.Load(file.Entries)
	s.logger.Info("cache restored from snapshot",
		zap.String("path", latest),
		zap.Int("entries", n),
	)
	return n, nil
}

// Run saves a snapshot every interval until ctx is done, then saves once
// more so shutdown state is kept.
func (s *Snapshotter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if _, err := s.Save(saveCtx); err != nil {
				s.logger.Warn("final cache snapshot failed", zap.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
			if _, err := s.Save(ctx); err != nil {
				s.logger.Warn("cache snapshot failed", zap.Error(err))
			}
		}
	}
}

func (s *Snapshotter) list(ctx context.Context) ([]string, error) {
	all, err := s.storage.List(ctx, snapshotPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	paths := all[:0]
	for _, p := range all {
		if strings.HasPrefix(p, snapshotPrefix+"snapshot-") && strings.HasSuffix(p, ".json") {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

func (s *Snapshotter) prune(ctx context.Context) error {
	paths, err := s.list(ctx)
	if err != nil {
		return err
	}
	for len(paths) > s.keep {
		if err := s.storage.Delete(ctx, paths[0]); err != nil {
			return fmt.Errorf("deleting %s: %w", paths[0], err)
		}
		paths = paths[1:]
	}
	return nil
}
