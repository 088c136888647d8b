package protocol

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/maxpert/beaver/wal"
)

// RelationCache maps relation ids to their current column schemas.
// Entries are written only by the decoder, from within the session's
// single pull loop, and replaced wholesale when the server re-announces
// a relation. Reads may come from sink workers on other goroutines, so
// the cache is backed by a concurrent map. There is no eviction: the
// cache is bounded by the number of distinct tables in the publication.
type RelationCache struct {
	relations *xsync.MapOf[uint32, *wal.RelationSchema]
}

// NewRelationCache returns an empty cache.
func NewRelationCache() *RelationCache {
	return &RelationCache{
		relations: xsync.NewMapOf[uint32, *wal.RelationSchema](),
	}
}

// Get returns the cached schema for a relation id, or nil and false if
// the relation has not been announced this session.
func (c *RelationCache) Get(relationID uint32) (*wal.RelationSchema, bool) {
	return c.relations.Load(relationID)
}

// Set replaces the cached schema for the relation id in full.
func (c *RelationCache) Set(schema *wal.RelationSchema) {
	c.relations.Store(schema.RelationID, schema)
}

// Len returns the number of cached relations.
func (c *RelationCache) Len() int {
	return c.relations.Size()
}
