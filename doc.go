// Package odm defines the core interfaces, types, and helpers of the document object mapper.
// It provides class metadata and typed field descriptors, persistent collections and references,
// lifecycle hooks, the storage driver and hydrator contracts, and shared error codes.
// The Unit of Work engine that tracks and flushes object changes lives in the common package,
// while concrete storage drivers live in subpackages such as inmemory, redis, cassandra, aws_s3
// and sqlstore.
//
// See `common.NewUnitOfWork` for the entry point of a session.
package odm

// Session model
//
// A Unit of Work session is owned by one logical operation at a time. It tracks objects passed to
// Persist, loaded through Find or merged through Merge, and writes their changes on Flush.
// Flush runs its phases (compute, cascade, order, execute, synchronize) in order and may run extra
// passes to absorb changes registered by lifecycle hooks. Storage drivers carry at most per-document
// atomicity; a failing flush leaves already written objects synchronized and the rest scheduled.
