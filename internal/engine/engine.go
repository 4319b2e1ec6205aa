// Package engine implements the Backup Engine and Restore Engine: the
// orchestration layer that drives scanner → archiver → cryptor →
// destination on the way in, and the reverse on the way out.
package engine

import (
	"log/slog"

	"scrat-backup/internal/clock"
	"scrat-backup/internal/destination"
	"scrat-backup/internal/eventbus"
	"scrat-backup/internal/metastore"
)

// Engine holds the dependencies shared by backup and restore runs,
// mirroring the teacher's BTService constructor shape.
type Engine struct {
	store  *metastore.Store
	bus    *eventbus.Bus
	clock  clock.Clock
	ids    clock.IDGenerator
	logger *slog.Logger
}

func New(store *metastore.Store, bus *eventbus.Bus, clk clock.Clock, ids clock.IDGenerator, logger *slog.Logger) *Engine {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if ids == nil {
		ids = clock.UUIDGenerator{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, bus: bus, clock: clk, ids: ids, logger: logger}
}

func (e *Engine) openDestination(dst metastore.Destination) (destination.Interface, error) {
	cfg, err := decodeDestinationConfig(dst)
	if err != nil {
		return nil, err
	}
	return destination.New(cfg)
}

// OpenDestination builds the destination.Interface for a catalog row
// without starting a backup or restore run, for callers like the
// test_destination command that only need connect/test/disconnect.
func (e *Engine) OpenDestination(dst metastore.Destination) (destination.Interface, error) {
	return e.openDestination(dst)
}
