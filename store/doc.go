// Package store houses the in-memory implementation of every persistence
// contract the dispatcher depends on (core.Store). The interfaces themselves
// live in the core package so higher level packages never depend on concrete
// storage.
//
// Durable backends live in sub-packages (sqlstore, redisstore); only the
// wiring layer decides which implementation to instantiate.
package store
