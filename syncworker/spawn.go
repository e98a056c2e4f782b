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

package syncworker

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"golang.org/x/sys/unix"
)

// Direction selects which half of a sync a spawned process runs.
type Direction string

const (
	DirectionUpstream   Direction = "upstream"
	DirectionDownstream Direction = "downstream"
)

// SpawnArgs names the command-line contract between Spawn and the
// "syncworker" subcommand the mounted binary re-invokes itself as: the
// sync direction and the inode id to sync.
type SpawnArgs struct {
	InodeID   int64
	Direction Direction
}

// Spawn forks a new OS process running "<exe> syncworker <direction>
// <inode-id>", the equivalent of the source's
// multiprocessing.Process(target=UpstreamSyncWorker/DownstreamSyncWorker).
// The spawner is responsible for recording sync ownership (sync_pid/
// sync_host) in the ephemeral store *before* calling Spawn, matching the
// child's startup poll, which waits to observe exactly that.
//
// Upstream runs at the lowest scheduling priority (nice 19) so a large
// background push never competes with interactive FS operations;
// downstream runs at the caller's normal priority.
func Spawn(args SpawnArgs) (*os.Process, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("syncworker.Spawn: %w", err)
	}

	cmd := exec.Command(exe, "syncworker", string(args.Direction), strconv.FormatInt(args.InodeID, 10))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("syncworker.Spawn: %w", err)
	}

	if args.Direction == DirectionUpstream {
		// Best-effort: a failure to renice must not fail the sync itself.
		_ = unix.Setpriority(unix.PRIO_PROCESS, cmd.Process.Pid, 19)
	}

	return cmd.Process, nil
}
