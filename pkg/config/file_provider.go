package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/polisai/polis-privacy/pkg/graph"
)

// DatasetSnapshot is one successfully loaded generation of the dataset graph.
type DatasetSnapshot struct {
	Generation int64
	LoadedAt   time.Time
	Graph      *graph.Graph
}

// DatasetProvider serves the dataset graph loaded from a directory and, when
// watching, reloads it as files change. A reload that fails to parse or
// validate keeps the previous graph.
type DatasetProvider struct {
	dir         string
	logger      *slog.Logger
	current     atomic.Pointer[DatasetSnapshot]
	mu          sync.Mutex
	subscribers []chan DatasetSnapshot
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
	debounce    time.Duration
}

// NewDatasetProvider loads dir. With watch set it keeps watching the
// directory until Close.
func NewDatasetProvider(dir string, watch bool, logger *slog.Logger) (*DatasetProvider, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &DatasetProvider{
		dir:      absDir,
		logger:   logger.With("component", "datasets", "dir", absDir),
		debounce: 100 * time.Millisecond,
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	if !watch {
		return p, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(absDir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.watcher = watcher
	p.cancel = cancel
	go p.watchLoop(ctx)
	return p, nil
}

// Graph implements engine.GraphSource.
func (p *DatasetProvider) Graph() *graph.Graph {
	if snap := p.current.Load(); snap != nil {
		return snap.Graph
	}
	return nil
}

// Snapshot returns the current generation.
func (p *DatasetProvider) Snapshot() DatasetSnapshot {
	if snap := p.current.Load(); snap != nil {
		return *snap
	}
	return DatasetSnapshot{}
}

// Subscribe returns a channel that receives every new generation.
func (p *DatasetProvider) Subscribe() <-chan DatasetSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan DatasetSnapshot, 1)
	p.subscribers = append(p.subscribers, ch)
	return ch
}

// Reload reads the directory and swaps in the new graph.
func (p *DatasetProvider) Reload() error {
	datasets, err := LoadDatasets(p.dir)
	if err != nil {
		return err
	}
	g, err := graph.New(datasets)
	if err != nil {
		return fmt.Errorf("build dataset graph: %w", err)
	}

	var generation int64 = 1
	if prev := p.current.Load(); prev != nil {
		generation = prev.Generation + 1
	}
	snap := &DatasetSnapshot{Generation: generation, LoadedAt: time.Now(), Graph: g}
	p.current.Store(snap)

	p.mu.Lock()
	subscribers := make([]chan DatasetSnapshot, len(p.subscribers))
	copy(subscribers, p.subscribers)
	p.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- *snap:
		default:
			// Skip if channel is full (slow consumer)
		}
	}
	p.logger.Info("Datasets loaded", "generation", generation, "datasets", len(datasets))
	return nil
}

// Close stops watching.
func (p *DatasetProvider) Close() error {
	if p.watcher == nil {
		return nil
	}
	p.cancel()
	return p.watcher.Close()
}

func (p *DatasetProvider) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if !isDatasetFile(event.Name) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(p.debounce, func() {
					if err := p.Reload(); err != nil {
						p.logger.Error("Dataset reload failed, keeping previous graph", "error", err)
					}
				})
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("Watcher error", "error", err)
		}
	}
}
