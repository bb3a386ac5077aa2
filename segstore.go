// Package segstore ties together the fragment index, segment backend,
// writer agent, and directory facade into one entry point: Open returns a
// Store whose ready-to-use directory.Facade is backed by a freshly
// selected segment backend in a given directory.
package segstore

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/go-mizu/segstore/agent"
	"github.com/go-mizu/segstore/directory"
)

// SegmentFileName is the name of the active segment file within a
// directory's working directory.
const SegmentFileName = "active.segment"

// Config configures a Store.
type Config struct {
	// Logger receives lifecycle events from the agent and facade.
	Logger *slog.Logger
	// Prefix namespaces every logical path the returned Facade exposes.
	Prefix string
}

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() Config {
	return Config{}
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Store bundles the writer agent and the directory facade opened over it.
type Store struct {
	agent  *agent.Agent
	Facade *directory.Facade
}

// Open starts a writer agent over dir's active segment file, probing for
// direct-I/O support, and returns a Store holding a Facade over it. The fragment index
// always starts empty: an existing active segment file's bytes are not
// replayed, since recovery of a half-written segment is a concern for the
// layer above segstore, not this package.
func Open(dir string, cfg Config) (*Store, error) {
	cfg.applyDefaults()

	segmentPath := filepath.Join(dir, SegmentFileName)
	a, err := agent.Open(dir, segmentPath, agent.Config{Logger: cfg.Logger})
	if err != nil {
		return nil, fmt.Errorf("segstore: open agent: %w", err)
	}

	facade := directory.New(a, cfg.Prefix, segmentPath, directory.Config{Logger: cfg.Logger})
	cfg.Logger.Info("segstore opened", "dir", dir, "direct_io", a.Direct())

	return &Store{agent: a, Facade: facade}, nil
}

// Export publishes the store's current contents to outPath.
func (s *Store) Export(ctx context.Context, outPath string, hotCache []byte) error {
	return s.agent.Export(ctx, outPath, hotCache)
}

// Direct reports whether the store selected the direct-I/O backend.
func (s *Store) Direct() bool {
	return s.agent.Direct()
}

// Close stops the store's writer agent and releases its backend.
func (s *Store) Close() error {
	return s.agent.Close()
}
