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
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverfs/riverfs/cfg"
)

func parseDefaults(t *testing.T) cfg.Config {
	t.Helper()
	v := viper.New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, cfg.BindFlags(fs))
	require.NoError(t, v.BindPFlags(fs))
	require.NoError(t, fs.Parse(nil))

	var c cfg.Config
	require.NoError(t, v.Unmarshal(&c, unmarshalOpt))
	return c
}

func TestBindFlags_Defaults(t *testing.T) {
	c := parseDefaults(t)

	assert.Equal(t, "riverfs", c.AppName)
	assert.Equal(t, cfg.Octal(0644), c.FileSystem.FileMode)
	assert.Equal(t, cfg.Octal(0755), c.FileSystem.DirMode)
	assert.Equal(t, -1, c.FileSystem.Uid)
	assert.Equal(t, -1, c.FileSystem.Gid)
	assert.Equal(t, 60*time.Second, c.Gateway.NetTimeout)
	assert.Equal(t, 30*time.Second, c.Gateway.RedisSemaphoreTimeout)
	assert.Equal(t, int64(1024), c.Cache.CacheSizeMb)
	assert.True(t, c.Cache.CacheData)
	assert.Equal(t, 30*time.Second, c.Cache.ReadLifetime)
	assert.Equal(t, 5*time.Second, c.Cache.WriteLifetime)
	assert.Equal(t, cfg.InfoLogSeverity, c.Logging.Severity)
}
