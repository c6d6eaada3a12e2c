// Package cache is the durable, process-local document cache. It is strictly
// best-effort: every failure is logged and swallowed, because a cache outage
// must never block editing.
package cache

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/clipforge/projectsync/document"
	"github.com/clipforge/projectsync/logger"
)

var bucketDocuments = []byte("documents")

// Cache stores the latest serialized document bytes per (project, branch).
type Cache struct {
	db  *bolt.DB
	log *logger.ComponentLogger
}

// Open opens (or creates) the cache file. A cache that fails to open is
// returned disabled rather than as an error; every operation on it becomes a
// logged no-op.
func Open(path string) *Cache {
	c := &Cache{log: logger.Component("cache")}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		c.log.Error("open %s: %v (cache disabled)", path, err)
		return c
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDocuments)
		return err
	})
	if err != nil {
		c.log.Error("create bucket: %v (cache disabled)", err)
		db.Close()
		return c
	}
	c.db = db
	return c
}

// Close releases the cache file.
func (c *Cache) Close() {
	if c.db == nil {
		return
	}
	if err := c.db.Close(); err != nil {
		c.log.Error("close: %v", err)
	}
}

// Save stores the document's serialized bytes for (projectID, branchID).
func (c *Cache) Save(projectID, branchID string, doc *document.Doc) {
	if c.db == nil || doc == nil {
		return
	}
	key := cacheKey(projectID, branchID)
	data := doc.Save()
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).Put(key, data)
	})
	if err != nil {
		c.log.Error("save %s: %v", key, err)
	}
}

// Load returns the cached document for (projectID, branchID), or nil when
// nothing usable is cached.
func (c *Cache) Load(projectID, branchID string) *document.Doc {
	if c.db == nil {
		return nil
	}
	key := cacheKey(projectID, branchID)
	var data []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketDocuments).Get(key); v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil {
		c.log.Error("load %s: %v", key, err)
		return nil
	}
	if data == nil {
		return nil
	}
	doc, err := document.Load(data)
	if err != nil {
		// Corrupt cache entries are dropped so the next open takes the
		// remote path instead of failing forever.
		c.log.Warn("load %s: %v, clearing entry", key, err)
		c.Clear(projectID, branchID)
		return nil
	}
	return doc
}

// Clear removes the cached entry for (projectID, branchID).
func (c *Cache) Clear(projectID, branchID string) {
	if c.db == nil {
		return
	}
	key := cacheKey(projectID, branchID)
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).Delete(key)
	})
	if err != nil {
		c.log.Error("clear %s: %v", key, err)
	}
}

// Size returns the stored byte size for (projectID, branchID), 0 when absent.
func (c *Cache) Size(projectID, branchID string) int64 {
	if c.db == nil {
		return 0
	}
	key := cacheKey(projectID, branchID)
	var size int64
	err := c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketDocuments).Get(key); v != nil {
			size = int64(len(v))
		}
		return nil
	})
	if err != nil {
		c.log.Error("size %s: %v", key, err)
		return 0
	}
	return size
}

func cacheKey(projectID, branchID string) []byte {
	return []byte(fmt.Sprintf("%s:%s", projectID, branchID))
}
