// Copyright 2025 Google LLC
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
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/riverfs/riverfs/clock"
	"github.com/riverfs/riverfs/delta"
	"github.com/riverfs/riverfs/metrics"
	"github.com/riverfs/riverfs/syncworker"
)

// syncworkerCmd is the hidden subcommand a mounted process re-execs itself
// as via syncworker.Spawn: "riverfs syncworker <upstream|downstream>
// <inode-id>". It is never meant to be typed by a user directly.
var syncworkerCmd = &cobra.Command{
	Use:    "syncworker <upstream|downstream> <inode-id>",
	Hidden: true,
	Args:   cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		direction := syncworker.Direction(args[0])
		if direction != syncworker.DirectionUpstream && direction != syncworker.DirectionDownstream {
			return fmt.Errorf("unknown sync direction %q", args[0])
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("parsing inode id: %w", err)
		}

		if bindErr != nil {
			return bindErr
		}
		if configFileErr != nil {
			return configFileErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}

		log := newLogger(MountConfig.Logging.Severity)
		defer log.Sync()

		_, reg, err := buildSurface(&MountConfig, log)
		if err != nil {
			return err
		}

		durable, err := delta.OpenDurable(filepath.Join(string(MountConfig.Cache.CacheDir), "inodes.db"))
		if err != nil {
			return err
		}
		defer durable.Close()

		// The in-process Ephemeral store only coordinates sync ownership
		// within a single process; a spawned worker sees a fresh, empty one.
		// A Redis-backed Ephemeral (see delta.Ephemeral) is required for the
		// ownership handoff between the mounting process and this subprocess
		// to actually take effect.
		eph := delta.NewEphemeral(0)

		m := metrics.New(prometheus.NewRegistry())
		w := syncworker.New(reg, durable, eph, clock.RealClock{}, syncworker.CurrentOwner(), log, m)

		ctx := context.Background()
		if direction == syncworker.DirectionUpstream {
			return w.RunUpstream(ctx, id, nil)
		}
		return w.RunDownstream(ctx, id)
	},
}

func init() {
	rootCmd.AddCommand(syncworkerCmd)
}
