// Package registry implements the two process-wide registries the
// dispatcher and sessions coordinate through: the file coordination
// registry (multi-reader/single-writer per filename) and the client
// registry (dedup of in-flight initial requests).
package registry

import "sync"

// fileEntry is the per-filename record described in spec.md §3/§4.2.
//
// numReaders and numWriters count every session that currently holds a
// reference to this entry, whether blocked in cond.Wait or actively
// reading/writing — they are incremented before a session can possibly
// wait and only decremented once it calls EndRead/EndWrite. The registry
// keys GC off that same count (see release), so an entry is never deleted
// while a parked waiter's condition variable still points to it: per §9's
// design note, deleting an entry a waiter references would leave it
// signalling a cond no one else can observe.
type fileEntry struct {
	filename string

	cond *sync.Cond // bound to the owning Files' mutex

	numReaders    int
	activeReaders int
	numWriters    int
	writeLocked   bool
}

// Files is the file coordination registry: a single mutex-guarded map from
// filename to fileEntry, implementing §4.2's begin/end read/write
// operations with the corrected admission rule from §9 ("gate reader
// admission strictly on no writer holding the lock").
type Files struct {
	mu      sync.Mutex
	entries map[string]*fileEntry
}

// NewFiles returns an empty file coordination registry.
func NewFiles() *Files {
	return &Files{entries: make(map[string]*fileEntry)}
}

func (f *Files) getOrCreate(filename string) *fileEntry {
	e, ok := f.entries[filename]
	if !ok {
		e = &fileEntry{filename: filename}
		e.cond = sync.NewCond(&f.mu)
		f.entries[filename] = e
	}
	return e
}

// release deletes the registry entry once no session (active or waiting)
// still references it.
func (f *Files) release(e *fileEntry) {
	if e.numReaders == 0 && e.numWriters == 0 {
		delete(f.entries, e.filename)
	}
}

// BeginRead admits a reader for filename, blocking until either no writer
// holds the write lock or another reader is already active (readers admit
// readers, per §4.2). Every call must be paired with EndRead.
func (f *Files) BeginRead(filename string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e := f.getOrCreate(filename)
	e.numReaders++
	for e.writeLocked && e.activeReaders == 0 {
		e.cond.Wait()
	}
	e.activeReaders++
}

// EndRead releases a reader admitted by BeginRead.
func (f *Files) EndRead(filename string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entries[filename]
	if !ok {
		return
	}
	e.activeReaders--
	e.numReaders--
	if e.numReaders == 0 {
		// Wake any writer parked on activeReaders > 0.
		e.cond.Broadcast()
	}
	f.release(e)
}

// BeginWrite admits an exclusive writer for filename, blocking until no
// writer holds the lock and no reader is active. Every call must be
// paired with EndWrite.
func (f *Files) BeginWrite(filename string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e := f.getOrCreate(filename)
	e.numWriters++
	for e.writeLocked || e.activeReaders > 0 {
		e.cond.Wait()
	}
	e.writeLocked = true
}

// EndWrite releases the write lock taken by BeginWrite.
func (f *Files) EndWrite(filename string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entries[filename]
	if !ok {
		return
	}
	e.numWriters--
	e.writeLocked = false
	e.cond.Broadcast()
	f.release(e)
}

// Stats reports the current reader/writer counters for filename, for
// tests and diagnostics. The second return is false if no entry exists.
func (f *Files) Stats(filename string) (numReaders, activeReaders, numWriters int, writeLocked, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, exists := f.entries[filename]
	if !exists {
		return 0, 0, 0, false, false
	}
	return e.numReaders, e.activeReaders, e.numWriters, e.writeLocked, true
}
