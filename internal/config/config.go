// Copyright 2024 The shardstream Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the coordinator's tunables from YAML. Defaults are
// applied in code; a field missing from the file keeps its default.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the coordinator's full set of recognized options.
type Config struct {
	ApplicationName                       string `yaml:"applicationName"`
	ParentShardPollIntervalMillis         int64  `yaml:"parentShardPollIntervalMillis"`
	MaxInitializationAttempts             int    `yaml:"maxInitializationAttempts"`
	LeaseCleanupIntervalMillis            int64  `yaml:"leaseCleanupIntervalMillis"`
	CompletedLeaseCleanupIntervalMillis   int64  `yaml:"completedLeaseCleanupIntervalMillis"`
	GarbageLeaseCleanupIntervalMillis     int64  `yaml:"garbageLeaseCleanupIntervalMillis"`
	CleanupLeasesUponShardCompletion      bool   `yaml:"cleanupLeasesUponShardCompletion"`
	OldStreamDeferredDeletionPeriodMillis int64  `yaml:"oldStreamDeferredDeletionPeriodMillis"`
	MaxFutureWaitMillis                   int64  `yaml:"maxFutureWait"`
	PeriodicShardSyncIntervalMillis       int64  `yaml:"periodicShardSyncIntervalMillis"`
	InitialDelayMillis                    int64  `yaml:"initialDelay"`

	StreamName    string   `yaml:"streamName"`
	TableName     string   `yaml:"tableName"`
	EtcdEndpoints []string `yaml:"etcdEndpoints"`
	ElectionPath  string   `yaml:"electionPath"`
}

// Defaults matches the documented default for each field.
func Defaults() Config {
	return Config{
		ParentShardPollIntervalMillis:         10_000,
		MaxInitializationAttempts:             20,
		LeaseCleanupIntervalMillis:            1_000,
		CompletedLeaseCleanupIntervalMillis:   60_000,
		GarbageLeaseCleanupIntervalMillis:     30_000,
		CleanupLeasesUponShardCompletion:      true,
		OldStreamDeferredDeletionPeriodMillis: 600_000,
		MaxFutureWaitMillis:                   5_000,
		PeriodicShardSyncIntervalMillis:       300_000,
		InitialDelayMillis:                    60_000,
		ElectionPath:                          "/shardstream/leader",
	}
}

// Load reads and merges a YAML file over Defaults(). A missing field in the
// file keeps its default value since Config is decoded into a pre-populated
// struct.
func Load(path string) (Config, error) {
	cfg := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

func (c Config) ParentShardPollInterval() time.Duration {
	return time.Duration(c.ParentShardPollIntervalMillis) * time.Millisecond
}

func (c Config) LeaseCleanupInterval() time.Duration {
	return time.Duration(c.LeaseCleanupIntervalMillis) * time.Millisecond
}

func (c Config) CompletedLeaseCleanupInterval() time.Duration {
	return time.Duration(c.CompletedLeaseCleanupIntervalMillis) * time.Millisecond
}

func (c Config) GarbageLeaseCleanupInterval() time.Duration {
	return time.Duration(c.GarbageLeaseCleanupIntervalMillis) * time.Millisecond
}

func (c Config) OldStreamDeferredDeletionPeriod() time.Duration {
	return time.Duration(c.OldStreamDeferredDeletionPeriodMillis) * time.Millisecond
}

func (c Config) MaxFutureWait() time.Duration {
	return time.Duration(c.MaxFutureWaitMillis) * time.Millisecond
}

func (c Config) PeriodicShardSyncInterval() time.Duration {
	return time.Duration(c.PeriodicShardSyncIntervalMillis) * time.Millisecond
}

func (c Config) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelayMillis) * time.Millisecond
}
