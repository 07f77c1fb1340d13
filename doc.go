// Package syncstore defines the core types, interfaces, and helpers used
// across the sync storage service. It provides the BSO record and its
// validation rules, the two-decimal server timestamp, shared error kinds,
// the SyncStore capability set, and the external Cache contract including
// compare-and-swap and lock keys. Concrete backends live in subpackages
// such as memory, cassandra, and redis, while higher-level features include
// the cache coordinator, the batch write pipeline, and the REST adapter.
package syncstore
