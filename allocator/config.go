package allocator

import (
	"errors"
	"log/slog"
	"time"

	"github.com/cbehopkins/classcache/allocator/params"
	"github.com/cbehopkins/classcache/allocator/sizeclass"
	"github.com/cbehopkins/classcache/allocator/types"
)

// Config wires a Heap to its collaborators. Only Spans is required.
type Config struct {
	// Table lists the size classes. Defaults to sizeclass.DefaultTable().
	Table *sizeclass.Table
	// Spans supplies and reclaims spans for every class.
	Spans types.SpanAllocator
	// Params is read on construction and on every maintenance pass.
	Params *params.Parameters
	// Residency, when set, adds residency figures to Stats.
	Residency types.Residency
	Logger    *slog.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
}

func normalizeConfig(cfg Config) (Config, error) {
	if cfg.Spans == nil {
		return Config{}, errors.New("Spans must be set")
	}
	if cfg.Table == nil {
		cfg.Table = sizeclass.DefaultTable()
	}
	if cfg.Table.Len() == 0 {
		return Config{}, errors.New("Table must hold at least one class")
	}
	if cfg.Params == nil {
		cfg.Params = params.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return cfg, nil
}
