// Package config loads the JSON configuration file: data file
// location, log file, reconciler period, R-tree fanout, and worker
// pool sizing. Defaults follow cmd/bio-pileup/main.go's flag-default
// convention: a zero value in the file means "compute the default",
// e.g. InitialWorkers 0 becomes runtime.NumCPU().
package config

import (
	"encoding/json"
	"os"
	"runtime"

	"github.com/grailbio/geoserver/internal/spatial"
	"github.com/grailbio/geoserver/internal/workerpool"
	"github.com/pkg/errors"
)

// DefaultReconcilerPeriodSeconds is applied when ReconcilerPeriodSeconds
// is zero or absent.
const DefaultReconcilerPeriodSeconds = 60

// Config is the typed form of the JSON configuration file.
type Config struct {
	DataFile                string `json:"DataFile"`
	GeoLog                  string `json:"GeoLog"`
	ReconcilerPeriodSeconds int    `json:"ReconcilerPeriodSeconds"`
	FanoutNodeSize          int    `json:"FanoutNodeSize"`
	InitialWorkers          int    `json:"InitialWorkers"`
	PoolMode                string `json:"PoolMode"`
	MaxWorkers              int    `json:"MaxWorkers"`
}

// Load reads and validates the configuration file at path, filling in
// defaults for every optional field left at its zero value.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config: read %s", path)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "config: parse %s", path)
	}
	if cfg.DataFile == "" {
		return Config{}, errors.Errorf("config: DataFile is required")
	}
	if cfg.ReconcilerPeriodSeconds <= 0 {
		cfg.ReconcilerPeriodSeconds = DefaultReconcilerPeriodSeconds
	}
	if cfg.FanoutNodeSize <= 0 {
		cfg.FanoutNodeSize = spatial.DefaultFanout
	}
	if cfg.InitialWorkers <= 0 {
		cfg.InitialWorkers = runtime.NumCPU()
	}
	if cfg.PoolMode == "" {
		cfg.PoolMode = "fixed"
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = cfg.InitialWorkers
	}
	return cfg, nil
}

// PoolModeValue maps the configured mode string to a workerpool.Mode,
// defaulting to Fixed on anything other than "elastic".
func (c Config) PoolModeValue() workerpool.Mode {
	if c.PoolMode == "elastic" {
		return workerpool.Elastic
	}
	return workerpool.Fixed
}
