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

// Package syncworker implements the out-of-band actor that bridges an
// inode's local cached state and its remote counterpart: an upstream push
// (low scheduling priority, ownership-gated) and a downstream pull, both
// driven by the Freeze/Push/Pull hooks on the Inode interface.
package syncworker

import (
	"context"
	stderrors "errors"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/riverfs/riverfs/clock"
	"github.com/riverfs/riverfs/delta"
	"github.com/riverfs/riverfs/errs"
	"github.com/riverfs/riverfs/inode"
	"github.com/riverfs/riverfs/metrics"
	"github.com/riverfs/riverfs/registry"
	"github.com/riverfs/riverfs/upath"
)

// ownershipPollAttempts/ownershipPollInterval bound the upstream startup
// wait for the spawner to record this process as the sync owner: 300
// one-second polls, a 5 minute ceiling.
const (
	ownershipPollAttempts = 300
	ownershipPollInterval = time.Second
)

// Worker runs upstream/downstream syncs for a single inode id at a time. It
// is safe to reuse across many ids -- a caller that actually forks one OS
// process per sync (the upstream's low-nice-priority requirement) builds
// one Worker per process via Spawn and the syncworker subcommand instead.
type Worker struct {
	reg     *registry.Registry
	durable *delta.Durable
	eph     delta.Ephemeral
	clk     clock.Clock
	log     *zap.Logger
	m       *metrics.Registry

	owner delta.SyncOwner
}

// New builds a Worker identified by the given owner (this process's pid and
// hostname). log may be nil, in which case zap.NewNop() is used. m may be
// nil, in which case the per-direction success/failure counters are skipped.
func New(reg *registry.Registry, durable *delta.Durable, eph delta.Ephemeral, clk clock.Clock, owner delta.SyncOwner, log *zap.Logger, m *metrics.Registry) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{reg: reg, durable: durable, eph: eph, clk: clk, log: log, m: m, owner: owner}
}

// CurrentOwner identifies this process the way sync_pid/sync_host would in
// the ephemeral store: this host's name and this process's pid.
func CurrentOwner() delta.SyncOwner {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return delta.SyncOwner{PID: os.Getpid(), Host: host}
}

func (w *Worker) loadInode(ctx context.Context, id int64) (inode.Inode, string, error) {
	row, found, err := w.durable.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if !found {
		return nil, "", errs.NotFound("syncworker.loadInode", "")
	}
	upathStr, err := w.durable.Upath(ctx, id)
	if err != nil {
		return nil, "", err
	}

	if inode.Kind(row.Kind) == inode.KindDirectory {
		d, err := w.reg.GetDirInode(ctx, upathStr, 0)
		if err != nil {
			return nil, "", err
		}
		return d, upathStr, nil
	}
	f, err := w.reg.GetFileInode(ctx, upathStr, false, false, 0)
	if err != nil {
		return nil, "", err
	}
	return f, upathStr, nil
}

func (w *Worker) parentCap(ctx context.Context, upathStr string) (string, error) {
	parent, err := w.reg.GetDirInode(ctx, upath.Parent(upathStr), 0)
	if err != nil {
		return "", err
	}
	return parent.RWUri(), nil
}

// awaitOwnership blocks until the ephemeral store records this process as
// the sync owner for id, the spawner having raced to set it at roughly the
// same time this worker started. A different recorded owner is a conflict
// (another sync is already in flight); no recorded owner after the full
// poll window is a timeout -- both are startup failures, not retried here.
func (w *Worker) awaitOwnership(ctx context.Context, id int64) error {
	for i := 0; i < ownershipPollAttempts; i++ {
		current, ok := w.eph.GetSyncOwner(id)
		if !ok || current == (delta.SyncOwner{}) {
			if i == ownershipPollAttempts-1 {
				return errs.Invalid("syncworker.awaitOwnership", "", stderrors.New("timed out waiting for sync ownership"))
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.clk.After(ownershipPollInterval):
			}
			continue
		}
		if current != w.owner {
			return errs.Invalid("syncworker.awaitOwnership", "",
				stderrors.New("sync already running under a different owner"))
		}
		return nil
	}
	return errs.Invalid("syncworker.awaitOwnership", "", stderrors.New("timed out waiting for sync ownership"))
}

// completeSync releases sync ownership, logging but not failing the caller
// if this process had already lost it by the time it tried to release.
func (w *Worker) completeSync(id int64, direction string, successful bool) {
	if !w.eph.SetSyncOwner(id, delta.SyncOwner{}, w.owner) {
		w.log.Warn("sync ownership already released or reassigned", zap.Int64("inode_id", id))
	}
	if w.m != nil {
		if successful {
			w.m.SyncSuccesses.WithLabelValues(direction).Inc()
		} else {
			w.m.SyncFailures.WithLabelValues(direction).Inc()
		}
	}
	if successful {
		w.log.Info("sync completed", zap.Int64("inode_id", id))
	} else {
		w.log.Error("sync failed", zap.Int64("inode_id", id))
	}
}

// RunUpstream pushes id's dirty content to the remote. frozen, if non-nil,
// is a snapshot the caller already froze before spawning this worker; if
// nil, the worker checks sync_again itself and freezes a fresh snapshot.
//
// Per the preserved open question: when frozen is pre-supplied, this first
// pass does not re-check sync_again, so a write landing between the
// caller's Freeze and this call is invisible until the *next* spawn rather
// than being folded into this one.
func (w *Worker) RunUpstream(ctx context.Context, id int64, frozen *inode.Snapshot) error {
	target, upathStr, err := w.loadInode(ctx, id)
	if err != nil {
		return err
	}

	if err := w.awaitOwnership(ctx, id); err != nil {
		return err
	}

	for {
		if frozen == nil {
			if !w.eph.GetSyncAgain(id) {
				w.log.Info("no pending changes to sync", zap.String("upath", upathStr), zap.Int64("inode_id", id))
				break
			}
			snap, err := target.Freeze(ctx)
			if err != nil {
				w.completeSync(id, metrics.DirectionUpstream, false)
				return err
			}
			frozen = &snap
		}

		w.eph.SetSyncAgain(id, false)
		if !w.eph.SetSyncOwner(id, w.owner, w.owner) {
			w.completeSync(id, metrics.DirectionUpstream, false)
			return errs.Invalid("syncworker.RunUpstream", upathStr, stderrors.New("sync ownership lost mid-push"))
		}

		parentCap, err := w.parentCap(ctx, upathStr)
		if err != nil {
			w.completeSync(id, metrics.DirectionUpstream, false)
			return err
		}
		frozen.ParentCap = parentCap

		if err := target.BeforePush(ctx, *frozen); err != nil {
			w.completeSync(id, metrics.DirectionUpstream, false)
			return err
		}
		if err := target.Push(ctx, *frozen); err != nil {
			w.completeSync(id, metrics.DirectionUpstream, false)
			return err
		}
		if err := target.AfterPush(ctx, *frozen); err != nil {
			w.completeSync(id, metrics.DirectionUpstream, false)
			return err
		}
		w.log.Info("pushed upstream", zap.String("upath", upathStr), zap.Int64("inode_id", id))

		frozen = nil
	}

	w.completeSync(id, metrics.DirectionUpstream, true)
	return nil
}

// RunDownstream pulls id's remote state into the local cache once. Unlike
// RunUpstream it does not wait for recorded ownership -- a pull never races
// concurrent writers out of a job the way a push does -- but it still
// releases whatever ownership bookkeeping completeSync tracks, mirroring
// the source's shared completion path for both worker kinds.
func (w *Worker) RunDownstream(ctx context.Context, id int64) error {
	target, upathStr, err := w.loadInode(ctx, id)
	if err != nil {
		return err
	}

	if err := target.BeforePull(ctx); err != nil {
		w.completeSync(id, metrics.DirectionDownstream, false)
		return err
	}
	if err := target.Pull(ctx); err != nil {
		w.completeSync(id, metrics.DirectionDownstream, false)
		return err
	}
	if err := target.AfterPull(ctx); err != nil {
		w.completeSync(id, metrics.DirectionDownstream, false)
		return err
	}
	w.eph.SetLastWritten(id, w.clk.Now())
	w.log.Info("pulled downstream", zap.String("upath", upathStr), zap.Int64("inode_id", id))

	w.completeSync(id, metrics.DirectionDownstream, true)
	return nil
}
