// Copyright 2024 Google Inc. All Rights Reserved.
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

package cfg

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	AppName string `yaml:"app-name"`

	Debug DebugConfig `yaml:"debug"`

	FileSystem FileSystemConfig `yaml:"file-system"`

	Gateway GatewayConfig `yaml:"gateway"`

	Cache CacheConfig `yaml:"cache"`

	Logging LoggingConfig `yaml:"logging"`
}

type DebugConfig struct {
	ExitOnInvariantViolation bool `yaml:"exit-on-invariant-violation"`

	LogMutex bool `yaml:"log-mutex"`
}

// FileSystemConfig holds the mount-level FUSE options applied to every
// inode riverfs exposes.
type FileSystemConfig struct {
	FileMode Octal `yaml:"file-mode"`

	DirMode Octal `yaml:"dir-mode"`

	Uid int `yaml:"uid"`

	Gid int `yaml:"gid"`
}

// GatewayConfig addresses the remote content-addressed gateway this mount
// talks to.
type GatewayConfig struct {
	NodeURL string `yaml:"node-url"`

	Rootcap string `yaml:"rootcap"`

	NetTimeout time.Duration `yaml:"net-timeout"`

	// RedisSemaphoreTimeout is parsed from the redis-semaphore-timeout flag
	// but read by no component: the ephemeral store's lock TTL is the one
	// passed to delta.NewEphemeral, not this value.
	RedisSemaphoreTimeout time.Duration `yaml:"redis-semaphore-timeout"`
}

// CacheConfig governs the persistent, sparse, block-level local cache.
type CacheConfig struct {
	CacheDir ResolvedPath `yaml:"cache-dir"`

	CacheSizeMb int64 `yaml:"cache-size-mb"`

	// CacheData, when true, keeps a file's info, state and data files on
	// disk after close and reuses them on the next open. When false, those
	// files are deleted when the file is closed, so each new open fetches
	// the file's metadata and content from the gateway again. Directory
	// listings are kept on disk either way.
	CacheData bool `yaml:"cache-data"`

	ReadLifetime time.Duration `yaml:"read-lifetime"`

	WriteLifetime time.Duration `yaml:"write-lifetime"`
}

// LoggingConfig holds one severity level, applied package-wide.
type LoggingConfig struct {
	Severity LogSeverity `yaml:"severity"`
}

func BindFlags(flagSet *pflag.FlagSet) error {
	var err error

	flagSet.StringP("app-name", "", "riverfs", "The application name of this mount.")

	err = viper.BindPFlag("app-name", flagSet.Lookup("app-name"))
	if err != nil {
		return err
	}

	flagSet.BoolP("debug_invariants", "", false, "Exit when internal invariants are violated.")

	err = viper.BindPFlag("debug.exit-on-invariant-violation", flagSet.Lookup("debug_invariants"))
	if err != nil {
		return err
	}

	flagSet.BoolP("debug_mutex", "", false, "Print debug messages when a mutex is held too long.")

	err = viper.BindPFlag("debug.log-mutex", flagSet.Lookup("debug_mutex"))
	if err != nil {
		return err
	}

	flagSet.IntP("file-mode", "", 0644, "Permissions bits for files, in octal.")

	err = viper.BindPFlag("file-system.file-mode", flagSet.Lookup("file-mode"))
	if err != nil {
		return err
	}

	flagSet.IntP("dir-mode", "", 0755, "Permissions bits for directories, in octal.")

	err = viper.BindPFlag("file-system.dir-mode", flagSet.Lookup("dir-mode"))
	if err != nil {
		return err
	}

	flagSet.IntP("uid", "", -1, "UID owner of all inodes. -1 uses the mounting process's own UID.")

	err = viper.BindPFlag("file-system.uid", flagSet.Lookup("uid"))
	if err != nil {
		return err
	}

	flagSet.IntP("gid", "", -1, "GID owner of all inodes. -1 uses the mounting process's own GID.")

	err = viper.BindPFlag("file-system.gid", flagSet.Lookup("gid"))
	if err != nil {
		return err
	}

	flagSet.StringP("node-url", "", "", "Base URL of the remote gateway node.")

	err = viper.BindPFlag("gateway.node-url", flagSet.Lookup("node-url"))
	if err != nil {
		return err
	}

	flagSet.StringP("rootcap", "", "", "Capability string naming the root directory to mount.")

	err = viper.BindPFlag("gateway.rootcap", flagSet.Lookup("rootcap"))
	if err != nil {
		return err
	}

	flagSet.DurationP("net-timeout", "", 60*time.Second, "Timeout for a single gateway request.")

	err = viper.BindPFlag("gateway.net-timeout", flagSet.Lookup("net-timeout"))
	if err != nil {
		return err
	}

	flagSet.DurationP("redis-semaphore-timeout", "", 30*time.Second, "Accepted for configuration compatibility; not read by any component.")

	err = viper.BindPFlag("gateway.redis-semaphore-timeout", flagSet.Lookup("redis-semaphore-timeout"))
	if err != nil {
		return err
	}

	flagSet.StringP("cache-dir", "", "", "Directory holding the persistent block cache and inode database.")

	err = viper.BindPFlag("cache.cache-dir", flagSet.Lookup("cache-dir"))
	if err != nil {
		return err
	}

	flagSet.Int64P("cache-size-mb", "", 1024, "Maximum size of the persistent block cache, in MiB.")

	err = viper.BindPFlag("cache.cache-size-mb", flagSet.Lookup("cache-size-mb"))
	if err != nil {
		return err
	}

	flagSet.BoolP("cache-data", "", true, "Cache file content locally, not just metadata.")

	err = viper.BindPFlag("cache.cache-data", flagSet.Lookup("cache-data"))
	if err != nil {
		return err
	}

	flagSet.DurationP("cache-ttl", "", 30*time.Second, "Default freshness lifetime for cached metadata (read-lifetime).")

	err = viper.BindPFlag("cache.read-lifetime", flagSet.Lookup("cache-ttl"))
	if err != nil {
		return err
	}

	flagSet.DurationP("write-lifetime", "", 5*time.Second, "Freshness lifetime applied to a path as soon as a write begins against it.")

	err = viper.BindPFlag("cache.write-lifetime", flagSet.Lookup("write-lifetime"))
	if err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", "INFO", "Logging severity: TRACE, DEBUG, INFO, WARNING, ERROR, or OFF.")

	err = viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity"))
	if err != nil {
		return err
	}

	return nil
}
