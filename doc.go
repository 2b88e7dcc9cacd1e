// Package segstore defines the shared types and contracts of the segment engine.
// A segment is a logical byte array laid out as rows of equal length device-blocks,
// each block backed by an extent on a capability protected block store. The lun
// package implements the striped engine and the ec package wraps it with erasure
// coding and consistency tags. Backends (inmemory, fs, redis) implement BlockStore
// and descriptor stores (inmemory, redis, cassandra, aws_s3) persist segment
// descriptions.
package segstore
