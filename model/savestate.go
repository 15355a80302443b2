// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package model

// SaveState tracks the persistence state of a mutable model.
//
//	            mutate             save (enqueue)
//	Clean ───────────────▶ Dirty ────────────────▶ Pending
//	  ▲                                              │  │
//	  │ completed / saveNow               mutate     │  │ completed
//	  └──────────────────── PendingDirty ◀───────────┘  ▼
//	                             │ save (no enqueue)  Clean
//	                             └──────────────────▶ Pending
//
// A save requested while a previous save is still pending does not enqueue
// a second write: the mutation is forgotten until the next save after the
// pending one completes.
type SaveState uint8

const (
	// SaveStateClean has no unsaved mutations and nothing queued.
	SaveStateClean SaveState = iota
	// SaveStateDirty has unsaved mutations and nothing queued.
	SaveStateDirty
	// SaveStatePending is queued for asynchronous persistence.
	SaveStatePending
	// SaveStatePendingDirty is queued and mutated since it was queued.
	SaveStatePendingDirty
)

// Dirty reports whether there are unsaved mutations.
func (s SaveState) Dirty() bool {
	return s == SaveStateDirty || s == SaveStatePendingDirty
}

// Pending reports whether an asynchronous save is queued.
func (s SaveState) Pending() bool {
	return s == SaveStatePending || s == SaveStatePendingDirty
}

// Mutate returns the state after a setter ran.
func (s SaveState) Mutate() SaveState {
	if s.Pending() {
		return SaveStatePendingDirty
	}
	return SaveStateDirty
}

// Save returns the state after a deferred save was requested and whether
// the model must be put on the save queue.
func (s SaveState) Save() (SaveState, bool) {
	switch s {
	case SaveStatePending, SaveStatePendingDirty:
		return SaveStatePending, false
	case SaveStateDirty:
		return SaveStatePending, true
	default:
		return s, false
	}
}

// SaveNow returns the state after a synchronous write.
func (s SaveState) SaveNow() SaveState {
	return SaveStateClean
}

// Completed returns the state after a queued save was written.
func (s SaveState) Completed() SaveState {
	switch s {
	case SaveStatePending:
		return SaveStateClean
	case SaveStatePendingDirty:
		return SaveStateDirty
	default:
		return s
	}
}

func (s SaveState) String() string {
	switch s {
	case SaveStateClean:
		return "clean"
	case SaveStateDirty:
		return "dirty"
	case SaveStatePending:
		return "pending"
	case SaveStatePendingDirty:
		return "pending_dirty"
	default:
		return "unknown"
	}
}
