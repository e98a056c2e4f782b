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

package delta

import (
	"context"
	stderrors "errors"

	"github.com/riverfs/riverfs/errs"
	"github.com/riverfs/riverfs/inode"
	"github.com/riverfs/riverfs/remote"
)

// registryLookup is the slice of Registry this package depends on, kept
// narrow to avoid an import cycle (registry imports inode, not delta).
type registryLookup interface {
	Peek(upathStr string) (inode.Inode, bool)
}

// Executor runs the three independent lookups From races against. Its only
// implementation in this module is a small goroutine pool, but it is an
// interface -- mirroring the source's use of a Python
// concurrent.futures.Executor passed into the resolution call -- so tests
// can run the race deterministically (e.g. a sequential executor).
type Executor interface {
	// Go runs fn in the background. Submitted functions observe ctx
	// cancellation cooperatively; Go itself never blocks.
	Go(ctx context.Context, fn func(ctx context.Context) (int64, bool, error)) <-chan lookupResult
}

type lookupResult struct {
	id    int64
	found bool
	err   error
}

// goroutineExecutor is the production Executor: one goroutine per Go call.
type goroutineExecutor struct{}

func (goroutineExecutor) Go(ctx context.Context, fn func(ctx context.Context) (int64, bool, error)) <-chan lookupResult {
	ch := make(chan lookupResult, 1)
	go func() {
		id, found, err := fn(ctx)
		ch <- lookupResult{id: id, found: found, err: err}
	}()
	return ch
}

// Result is what From resolves a upath to.
type Result struct {
	ID    int64
	Found bool
}

// CapResolve resolves upathStr to its remote capability via whatever
// parent-directory walk the caller already has (the registry's
// ResolveCap), without itself opening or constructing anything. Delta has
// no notion of directory children on its own -- that lookup chain belongs
// to the registry/inode layer -- so From borrows it through this callback
// rather than duplicating it.
type CapResolve func(ctx context.Context, upathStr string) (cap string, found bool, err error)

// Resolver implements the From(executor, upath) three-way concurrent
// resolution protocol: race the in-process registry, the durable identity
// table, and a remote metadata fetch, short-circuiting as each source
// settles.
type Resolver struct {
	reg        registryLookup
	db         *Durable
	gw         remote.Gateway
	resolveCap CapResolve
	exec       Executor
}

// NewResolver builds a Resolver. reg may be nil if no registry is wired
// (e.g. from the sync worker process, which never opens handles).
// resolveCap may also be nil, in which case the remote-lookup arm never
// produces a hit and From relies solely on the registry and durable table.
func NewResolver(reg registryLookup, db *Durable, gw remote.Gateway, resolveCap CapResolve) *Resolver {
	return &Resolver{reg: reg, db: db, gw: gw, resolveCap: resolveCap, exec: goroutineExecutor{}}
}

// From resolves upathStr to a durable inode id, running all three lookups
// concurrently and taking whichever result is semantically conclusive
// first:
//   - a registry hit (the path is already open in this process) returns
//     immediately, cancelling the other two;
//   - a durable-table hit returns, cancelling the remote fetch (the
//     registry may still be slower to answer, but an already-known id
//     makes the registry's answer redundant);
//   - a remote hit with no matching durable row creates one before
//     returning, so the next From call short-circuits on the durable
//     table instead of re-touching the network.
//
// If every lookup reports not-found, the path does not exist.
func (r *Resolver) From(ctx context.Context, upathStr string) (Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	registryCh := r.exec.Go(ctx, func(ctx context.Context) (int64, bool, error) {
		if r.reg == nil {
			return 0, false, nil
		}
		item, ok := r.reg.Peek(upathStr)
		if !ok {
			return 0, false, nil
		}
		id, found, err := r.db.Resolve(ctx, item.Upath())
		return id, found, err
	})

	dbCh := r.exec.Go(ctx, func(ctx context.Context) (int64, bool, error) {
		return r.db.Resolve(ctx, upathStr)
	})

	remoteCh := r.exec.Go(ctx, func(ctx context.Context) (int64, bool, error) {
		if r.resolveCap == nil {
			return 0, false, nil
		}
		cap, found, err := r.resolveCap(ctx, upathStr)
		if err != nil || !found {
			return 0, false, err
		}
		if _, err := r.gw.Info(ctx, cap); err != nil {
			return 0, false, err
		}
		return 0, true, nil
	})

	var dbResult, remoteResult *lookupResult
	for i := 0; i < 3; i++ {
		select {
		case res := <-registryCh:
			if res.err == nil && res.found {
				cancel()
				return Result{ID: res.id, Found: true}, nil
			}
			registryCh = nil
		case res := <-dbCh:
			dbResult = &res
			if res.err == nil && res.found {
				cancel()
				return Result{ID: res.id, Found: true}, nil
			}
		case res := <-remoteCh:
			remoteResult = &res
		}
		if registryCh == nil && dbResult != nil && remoteResult != nil {
			break
		}
	}

	if dbResult != nil && dbResult.err != nil {
		return Result{}, dbResult.err
	}
	if remoteResult == nil {
		return Result{}, errs.NotFound("delta.From", upathStr)
	}
	if remoteResult.err != nil {
		if isNotFoundErr(remoteResult.err) {
			return Result{}, errs.NotFound("delta.From", upathStr)
		}
		return Result{}, remoteResult.err
	}
	if !remoteResult.found {
		return Result{}, errs.NotFound("delta.From", upathStr)
	}

	id, err := r.db.CreatePath(ctx, upathStr, inode.KindFile, "")
	if err != nil {
		return Result{}, err
	}
	return Result{ID: id, Found: true}, nil
}

func isNotFoundErr(err error) bool {
	var e *errs.Error
	return stderrors.As(err, &e) && e.Kind == errs.KindNotFound
}
