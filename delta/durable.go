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

// Package delta implements the cross-process coordination layer: a durable,
// path-independent inode identity table (so a rename preserves identity)
// plus an ephemeral, TTL-backed process/ownership store used to hand work
// off to the out-of-band sync worker.
package delta

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/riverfs/riverfs/errs"
	"github.com/riverfs/riverfs/inode"
	"github.com/riverfs/riverfs/upath"
)

// RootID is the durable id reserved for the root directory. Every other row
// is created by CreatePath, which always starts its walk from this id.
const RootID int64 = 1

// IDList is a []int64 stored as a JSON array, since sqlite has no native
// array column type -- the same trick gorm's own docs use for sqlite JSON
// columns without pulling in gorm.io/datatypes.
type IDList []int64

func (l IDList) Value() (driver.Value, error) {
	return json.Marshal(l)
}

func (l *IDList) Scan(v any) error {
	if v == nil {
		*l = nil
		return nil
	}
	b, ok := v.([]byte)
	if !ok {
		if s, ok := v.(string); ok {
			b = []byte(s)
		} else {
			return errors.New("delta: IDList.Scan: unsupported type")
		}
	}
	return json.Unmarshal(b, l)
}

// InodeRow is the durable record of one inode's identity: the row named in
// spec's Persistent Inode Identity. Identity is the primary key, not the
// name -- a rename updates Name/Parents on the same row rather than
// deleting and recreating it.
type InodeRow struct {
	ID           int64  `gorm:"primaryKey"`
	Name         string `gorm:"index"`
	Kind         int
	Parents      IDList
	Children     IDList
	Meta         string `gorm:"type:text"`
	Data         string
	LastAccessed time.Time
}

func (InodeRow) TableName() string { return "inodes" }

// Durable is the relational half of the coordination layer, backed by
// gorm's sqlite driver -- the same driver/ORM pair the wider example pack's
// rclone tree vendors, reused here for the one relational table this
// module actually needs.
type Durable struct {
	db *gorm.DB
}

// OpenDurable opens (creating if necessary) the sqlite-backed identity
// table at dbPath and ensures the root row exists.
func OpenDurable(dbPath string) (*Durable, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errs.LocalIO("delta.OpenDurable", dbPath, err)
	}
	if err := db.AutoMigrate(&InodeRow{}); err != nil {
		return nil, errs.LocalIO("delta.OpenDurable", dbPath, err)
	}

	d := &Durable{db: db}
	if err := d.ensureRoot(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Durable) ensureRoot() error {
	var row InodeRow
	err := d.db.First(&row, RootID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		root := InodeRow{ID: RootID, Name: "", Kind: int(inode.KindDirectory), LastAccessed: time.Now()}
		return d.db.Create(&root).Error
	}
	return err
}

// Resolve walks upathStr segment by segment under the root row, returning
// the id of the final segment. found is false if any segment along the way
// has no matching child row.
func (d *Durable) Resolve(ctx context.Context, upathStr string) (id int64, found bool, err error) {
	id = RootID
	if upath.IsRoot(upathStr) {
		return id, true, nil
	}

	for _, seg := range upath.Split(upathStr) {
		var parent InodeRow
		if err := d.db.WithContext(ctx).First(&parent, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return 0, false, nil
			}
			return 0, false, errs.LocalIO("delta.Resolve", upathStr, err)
		}

		var child InodeRow
		err := d.db.WithContext(ctx).
			Where("name = ?", seg).
			Where("id IN ?", []int64(parent.Children)).
			First(&child).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, errs.LocalIO("delta.Resolve", upathStr, err)
		}
		id = child.ID
	}
	return id, true, nil
}

// CreatePath recursively creates any missing ancestor directory rows for
// upathStr and, if the final segment does not already exist, a row of the
// given kind for it too. It returns the id of the final segment either way.
func (d *Durable) CreatePath(ctx context.Context, upathStr string, kind inode.Kind, meta string) (int64, error) {
	if upath.IsRoot(upathStr) {
		return RootID, nil
	}

	segments := upath.Split(upathStr)
	parentID := RootID

	for i, seg := range segments {
		last := i == len(segments)-1

		var parent InodeRow
		if err := d.db.WithContext(ctx).First(&parent, parentID).Error; err != nil {
			return 0, errs.LocalIO("delta.CreatePath", upathStr, err)
		}

		var child InodeRow
		err := d.db.WithContext(ctx).
			Where("name = ?", seg).
			Where("id IN ?", []int64(parent.Children)).
			First(&child).Error

		switch {
		case err == nil:
			parentID = child.ID
			continue
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return 0, errs.LocalIO("delta.CreatePath", upathStr, err)
		}

		rowKind := inode.KindDirectory
		rowMeta := ""
		if last {
			rowKind = kind
			rowMeta = meta
		}

		err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			row := InodeRow{
				Name:         seg,
				Kind:         int(rowKind),
				Parents:      IDList{parentID},
				Meta:         rowMeta,
				LastAccessed: time.Now(),
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			parent.Children = append(parent.Children, row.ID)
			if err := tx.Model(&InodeRow{ID: parentID}).Update("children", parent.Children).Error; err != nil {
				return err
			}
			parentID = row.ID
			return nil
		})
		if err != nil {
			return 0, errs.LocalIO("delta.CreatePath", upathStr, err)
		}
	}

	return parentID, nil
}

// Touch updates an inode row's last_accessed timestamp.
func (d *Durable) Touch(ctx context.Context, id int64, at time.Time) error {
	err := d.db.WithContext(ctx).Model(&InodeRow{ID: id}).Update("last_accessed", at).Error
	if err != nil {
		return errs.LocalIO("delta.Touch", "", err)
	}
	return nil
}

// Get returns the row for id.
func (d *Durable) Get(ctx context.Context, id int64) (InodeRow, bool, error) {
	var row InodeRow
	err := d.db.WithContext(ctx).First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return InodeRow{}, false, nil
	}
	if err != nil {
		return InodeRow{}, false, errs.LocalIO("delta.Get", "", err)
	}
	return row, true, nil
}

// Upath reconstructs the upath of id by walking its Parents chain back to
// the root, the inverse of Resolve -- used by callers (the sync worker)
// that only have a durable id and need the path the registry keys on.
func (d *Durable) Upath(ctx context.Context, id int64) (string, error) {
	var segments []string
	for id != RootID {
		row, found, err := d.Get(ctx, id)
		if err != nil {
			return "", err
		}
		if !found {
			return "", errs.NotFound("delta.Upath", "")
		}
		segments = append([]string{row.Name}, segments...)
		if len(row.Parents) == 0 {
			return "", errs.LocalIO("delta.Upath", "", errors.New("inode has no parent"))
		}
		id = row.Parents[0]
	}
	return upath.Clean(join(segments)), nil
}

func join(segments []string) string {
	result := ""
	for _, s := range segments {
		result = upath.Join(result, s)
	}
	return result
}

// Close releases the underlying database handle.
func (d *Durable) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
