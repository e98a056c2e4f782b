// Copyright 2024 Google LLC
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

package cmd

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jacobsa/fuse"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/riverfs/riverfs/cfg"
	"github.com/riverfs/riverfs/clock"
	"github.com/riverfs/riverfs/fsop"
	"github.com/riverfs/riverfs/fuseadapter"
	"github.com/riverfs/riverfs/metrics"
	"github.com/riverfs/riverfs/registry"
	"github.com/riverfs/riverfs/remote"
)

// maxGatewayConnections is the gateway client's total connection budget;
// NewHTTPGateway splits it between its GET and PUT pools.
const maxGatewayConnections = 32

func newLogger(severity cfg.LogSeverity) *zap.Logger {
	if severity == cfg.OffLogSeverity {
		return zap.NewNop()
	}
	level := zapcore.InfoLevel
	switch severity {
	case cfg.TraceLogSeverity, cfg.DebugLogSeverity:
		level = zapcore.DebugLevel
	case cfg.WarningLogSeverity:
		level = zapcore.WarnLevel
	case cfg.ErrorLogSeverity:
		level = zapcore.ErrorLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := zcfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// filenameSecret loads the HMAC key guarding the cache's upath->filename
// mapping from <cacheDir>/salt, generating and persisting a new 32-byte key
// the first time the cache directory is used.
func filenameSecret(cacheDir string) ([]byte, error) {
	saltPath := filepath.Join(cacheDir, "salt")
	if b, err := os.ReadFile(saltPath); err == nil {
		return b, nil
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating cache salt: %w", err)
	}
	if err := os.MkdirAll(cacheDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	if err := os.WriteFile(saltPath, secret, 0o600); err != nil {
		return nil, fmt.Errorf("writing cache salt: %w", err)
	}
	return secret, nil
}

// buildSurface wires the remote Gateway, Open-Items Registry and FS
// Operation Surface from a validated Config -- the construction path shared
// by both the mount command and the syncworker subcommand.
func buildSurface(c *cfg.Config, log *zap.Logger) (*fsop.Surface, *registry.Registry, error) {
	secret, err := filenameSecret(string(c.Cache.CacheDir))
	if err != nil {
		return nil, nil, err
	}

	gw := remote.NewHTTPGateway(c.Gateway.NodeURL, c.Gateway.Rootcap, maxGatewayConnections, c.Gateway.NetTimeout)
	m := metrics.New(prometheus.NewRegistry())

	cacheSizeMb := c.Cache.CacheSizeMb
	if cacheSizeMb == 0 {
		cacheSizeMb = cfg.DefaultCacheSizeMb
	}

	reg, err := registry.New(registry.Config{
		CacheDir:       string(c.Cache.CacheDir),
		CacheSize:      cacheSizeMb * 1024 * 1024,
		CacheData:      c.Cache.CacheData,
		ReadLifetime:   c.Cache.ReadLifetime,
		WriteLifetime:  c.Cache.WriteLifetime,
		BlockSize:      1024 * 1024,
		FilenameSecret: secret,
	}, gw, clock.RealClock{}, m)
	if err != nil {
		return nil, nil, fmt.Errorf("building registry: %w", err)
	}

	return fsop.New(reg, log), reg, nil
}

// mountFileSystem constructs the FS Operation Surface and mounts it at
// mountPoint, blocking until the filesystem is unmounted.
func mountFileSystem(mountPoint string, c *cfg.Config) error {
	log := newLogger(c.Logging.Severity)
	defer log.Sync()

	surface, _, err := buildSurface(c, log)
	if err != nil {
		return err
	}

	fs := fuseadapter.New(surface, fuseadapter.Options{
		Uid:      resolveID(c.FileSystem.Uid, os.Getuid()),
		Gid:      resolveID(c.FileSystem.Gid, os.Getgid()),
		FileMode: os.FileMode(c.FileSystem.FileMode),
		DirMode:  os.FileMode(c.FileSystem.DirMode),
	}, log.Sugar())

	mountCfg := &fuse.MountConfig{
		FSName:                  c.AppName,
		Subtype:                 "riverfs",
		VolumeName:              c.AppName,
		DisableWritebackCaching: true,
		EnableReaddirplus:       true,
	}
	if c.Logging.Severity.Rank() <= cfg.WarningLogSeverity.Rank() {
		mountCfg.ErrorLogger = zap.NewStdLog(log)
	}
	if c.Logging.Severity.Rank() <= cfg.TraceLogSeverity.Rank() {
		mountCfg.DebugLogger = zap.NewStdLog(log)
	}

	mfs, err := fuse.Mount(mountPoint, fs, mountCfg)
	if err != nil {
		return fmt.Errorf("mounting %s: %w", mountPoint, err)
	}
	return mfs.Join(context.Background())
}

func resolveID(configured int, fallback int) uint32 {
	if configured < 0 {
		return uint32(fallback)
	}
	return uint32(configured)
}
