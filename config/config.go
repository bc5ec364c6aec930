// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cardinalhq/lakesort/internal/sorterr"
)

// Config aggregates configuration for the application.
type Config struct {
	Sort SortConfig `mapstructure:"sort"`
}

// SortConfig holds the sorter settings. Command line flags override them.
type SortConfig struct {
	FanIn         int  `mapstructure:"fan_in"`
	MinRunSize    int  `mapstructure:"min_run_size"`
	MaxRowsPerRun int  `mapstructure:"max_rows_per_run"`
	Parallelism   int  `mapstructure:"parallelism"`
	InMemory      bool `mapstructure:"in_memory"`

	// Backend is "file" or "memory".
	Backend string `mapstructure:"backend"`
	// Codec encodes run files: "cbor" or "gob".
	Codec  string `mapstructure:"codec"`
	TmpDir string `mapstructure:"tmpdir"`
	// MemoryThreshold is the row count up to which a result that need not
	// be on disk stays in memory.
	MemoryThreshold int `mapstructure:"memory_threshold"`

	// LowMemoryThreshold is the heap fraction of the memory limit at which
	// the run buffer is flushed.
	LowMemoryThreshold float64 `mapstructure:"low_memory_threshold"`
	// MinFreeMemory also flushes when the host's free memory fraction
	// drops below it. Zero disables the check.
	MinFreeMemory    float64       `mapstructure:"min_free_memory"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
}

func DefaultSortConfig() SortConfig {
	return SortConfig{
		FanIn:              40,
		MinRunSize:         40,
		Backend:            "file",
		Codec:              "cbor",
		MemoryThreshold:    10_000,
		LowMemoryThreshold: 0.7,
		ProgressInterval:   5 * time.Second,
	}
}

// Validate reports the first setting that cannot work.
func (c SortConfig) Validate() error {
	switch c.Backend {
	case "file", "memory":
	default:
		return sorterr.New("sort.backend", c.Backend, `must be "file" or "memory"`)
	}
	if c.LowMemoryThreshold <= 0 || c.LowMemoryThreshold > 1 {
		return sorterr.New("sort.low_memory_threshold", c.LowMemoryThreshold, "must be in (0, 1]")
	}
	if c.MinFreeMemory < 0 || c.MinFreeMemory >= 1 {
		return sorterr.New("sort.min_free_memory", c.MinFreeMemory, "must be in [0, 1)")
	}
	if c.MemoryThreshold < 0 {
		return sorterr.New("sort.memory_threshold", c.MemoryThreshold, "must not be negative")
	}
	if c.ProgressInterval < 0 {
		return sorterr.New("sort.progress_interval", c.ProgressInterval, "must not be negative")
	}
	return nil
}

// Load reads configuration from files and environment variables.
// Environment variables use the prefix "LAKESORT" and the dot character
// in keys is replaced by an underscore. For example, "sort.fan_in" becomes
// "LAKESORT_SORT_FAN_IN".
func Load() (*Config, error) {
	cfg := &Config{
		Sort: DefaultSortConfig(),
	}

	v := viper.New()
	v.SetConfigName("lakesort")
	v.AddConfigPath(".")
	v.SetEnvPrefix("LAKESORT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	_ = v.ReadInConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Sort.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(parts, tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
