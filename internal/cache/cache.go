// Package cache holds the latest known flag definitions per project.
//
// Writes replace one flag at a time. A reader always sees a whole Flag value,
// but two reads of different flags may observe different sync cycles.
package cache

import (
	"fmt"
	"reflect"
	"slices"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-memdb"

	"github.com/matt-riley/unchain/internal/core"
)

const (
	tableFlags   = "flags"
	indexID      = "id"
	indexProject = "project"
)

// Entry is a cached flag together with its bookkeeping.
type Entry struct {
	Project   string
	Name      string
	Flag      core.Flag
	UpdatedAt time.Time
	Revision  uint64
}

// Cache is a concurrent (project, flag) -> Flag store with no expiry.
type Cache struct {
	db       *memdb.MemDB
	revision atomic.Uint64
	now      func() time.Time
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableFlags: {
				Name: tableFlags,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:   indexID,
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "Project"},
								&memdb.StringFieldIndex{Field: "Name"},
							},
						},
					},
					indexProject: {
						Name:    indexProject,
						Indexer: &memdb.StringFieldIndex{Field: "Project"},
					},
				},
			},
		},
	}
}

func New() *Cache {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		// The schema is static; failure here is a programming error.
		panic(fmt.Sprintf("cache: invalid schema: %v", err))
	}
	return &Cache{db: db, now: time.Now}
}

// Get returns the flag stored under (projectID, flagName).
func (c *Cache) Get(projectID, flagName string) (core.Flag, bool) {
	entry, ok := c.Entry(projectID, flagName)
	if !ok {
		return core.Flag{}, false
	}
	return entry.Flag, true
}

func (c *Cache) Entry(projectID, flagName string) (Entry, bool) {
	txn := c.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableFlags, indexID, projectID, flagName)
	if err != nil || raw == nil {
		return Entry{}, false
	}
	return *raw.(*Entry), true
}

// Put stores flag under its name, replacing any previous value. It reports
// whether the stored value differs from what was there before.
func (c *Cache) Put(projectID string, flag core.Flag) bool {
	txn := c.db.Txn(true)
	defer txn.Abort()

	changed := true
	if raw, err := txn.First(tableFlags, indexID, projectID, flag.Name); err == nil && raw != nil {
		changed = !reflect.DeepEqual(raw.(*Entry).Flag, flag)
	}

	entry := &Entry{
		Project:   projectID,
		Name:      flag.Name,
		Flag:      flag,
		UpdatedAt: c.now(),
		Revision:  c.revision.Add(1),
	}
	if err := txn.Insert(tableFlags, entry); err != nil {
		return false
	}
	txn.Commit()
	return changed
}

// Keys returns the sorted flag names cached for projectID.
func (c *Cache) Keys(projectID string) []string {
	txn := c.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableFlags, indexProject, projectID)
	if err != nil {
		return nil
	}
	var names []string
	for raw := it.Next(); raw != nil; raw = it.Next() {
		names = append(names, raw.(*Entry).Name)
	}
	slices.Sort(names)
	return names
}

func (c *Cache) Len(projectID string) int {
	return len(c.Keys(projectID))
}

// Revision is incremented on every Put.
func (c *Cache) Revision() uint64 {
	return c.revision.Load()
}
