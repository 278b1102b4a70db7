// Package expiring introduces tables whose elements lapse after a duration.
//
// Unlike a timer-driven table, nothing runs in the background: elements are checked against their deadline whenever they are touched and swept out by Prune.
// This keeps tables usable from single-threaded control loops.
package expiring

import (
	"sync"
	"time"
)

// wrapped value with a deadline attached
type timedV[value_t any] struct {
	val      value_t
	deadline time.Time // zero if the value never expires
}

func (t timedV[value_t]) expired(now time.Time) bool {
	return !t.deadline.IsZero() && !now.Before(t.deadline)
}

// A Table is a map whose elements lapse once their duration elapses.
// The zero value is ready for immediate use.
//
// NOTE(rlandau): Tables should only be passed by reference due to underlying mutex use.
//
// NOTE(rlandau): accessing elements AT their deadline counts as expired.
type Table[key_t comparable, value_t any] struct {
	mu  sync.Mutex
	m   map[key_t]timedV[value_t]
	now func() time.Time // overridable for tests
}

// New returns an empty table.
func New[key_t comparable, value_t any]() *Table[key_t, value_t] {
	return &Table[key_t, value_t]{}
}

// NewWithClock returns an empty table that reads the time from now.
func NewWithClock[key_t comparable, value_t any](now func() time.Time) *Table[key_t, value_t] {
	return &Table[key_t, value_t]{now: now}
}

func (tbl *Table[k, v]) clock() time.Time {
	if tbl.now != nil {
		return tbl.now()
	}
	return time.Now()
}

// Store saves the given k/v and sets them to expire after the given duration.
// A duration <= 0 stores the value with no expiry.
// If a value was previously associated to this key, it is overwritten and its deadline reset.
func (tbl *Table[k, v]) Store(key k, value v, expire time.Duration) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	if tbl.m == nil {
		tbl.m = make(map[k]timedV[v])
	}
	tv := timedV[v]{val: value}
	if expire > 0 {
		tv.deadline = tbl.clock().Add(expire)
	}
	tbl.m[key] = tv
}

// Load fetches the value associated to the given key if available and unexpired.
// Expired values encountered are deleted.
func (tbl *Table[k, v]) Load(key k) (value v, found bool) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	tv, found := tbl.m[key]
	if !found {
		return value, false
	}
	if tv.expired(tbl.clock()) {
		delete(tbl.m, key)
		return value, false
	}
	return tv.val, true
}

// Delete destroys a key in the table.
// Returns false if the key was not found (or had already expired).
func (tbl *Table[k, v]) Delete(key k) (found bool) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	tv, found := tbl.m[key]
	if !found {
		return false
	}
	delete(tbl.m, key)
	return !tv.expired(tbl.clock())
}

// Refresh pushes the given key's deadline out to now+expire.
// A duration <= 0 removes the key's expiry.
// Returns false if the key does not exist or has already expired.
func (tbl *Table[k, v]) Refresh(key k, expire time.Duration) (found bool) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	tv, found := tbl.m[key]
	if !found {
		return false
	}
	now := tbl.clock()
	if tv.expired(now) {
		delete(tbl.m, key)
		return false
	}
	if expire > 0 {
		tv.deadline = now.Add(expire)
	} else {
		tv.deadline = time.Time{}
	}
	tbl.m[key] = tv
	return true
}

// Prune deletes every expired element, returning the keys that were removed.
func (tbl *Table[k, v]) Prune() (pruned []k) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	now := tbl.clock()
	for key, tv := range tbl.m {
		if tv.expired(now) {
			delete(tbl.m, key)
			pruned = append(pruned, key)
		}
	}
	return pruned
}

// Range calls f for every unexpired element until f returns false.
// f must not call back into the table.
func (tbl *Table[k, v]) Range(f func(key k, value v) bool) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	now := tbl.clock()
	for key, tv := range tbl.m {
		if tv.expired(now) {
			continue
		}
		if !f(key, tv.val) {
			return
		}
	}
}

// Len returns the number of unexpired elements.
func (tbl *Table[k, v]) Len() int {
	var n int
	tbl.Range(func(k, v) bool { n++; return true })
	return n
}

// Clear drops every element.
func (tbl *Table[k, v]) Clear() {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	clear(tbl.m)
}
