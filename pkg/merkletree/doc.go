// Package merkletree provides a two-tier store for per-block Merkle trees.
//
// A bounded in-memory FIFO cache (MemoryCache) is backed by an
// append-style on-disk store (DiskStore) whose file set is governed by a
// persistent index (IndexDB). Given a block, Factory.GetTree returns its
// Merkle tree, computing it on demand if absent, persisting it durably,
// and serving subsequent requests from memory. Two independent capacity
// bounds are enforced: memory cache bytes and total on-disk bytes, while
// trees for the most recent MinBlocksToKeep blocks are never evicted
// from disk.
//
// Block retrieval (BlockSource) and the KV engine backing IndexDB
// (badger) are the only required external collaborators; a default,
// worker-pool-backed TreeComputer is provided but callers may supply
// their own.
package merkletree
