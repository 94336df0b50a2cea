// Package lock provides the mutex types used throughout the bridge.
//
// Every lock in the system (per-folder sync lock, per-relay resource index
// lock, global git lock) is one of these rather than a bare sync.Mutex or
// sync.RWMutex, so that a violation of the acquisition order documented in
// SPEC_FULL.md §5 panics during development and tests instead of hanging in
// production.
package lock

import "github.com/sasha-s/go-deadlock"

// Mutex is a plain mutual-exclusion lock with deadlock detection.
type Mutex = deadlock.Mutex

// RWMutex is a reader/writer lock with deadlock detection.
type RWMutex = deadlock.RWMutex
