package udp

import (
	"slices"
	"time"

	"github.com/udisondev/ttdnet/internal/game"
)

// ServerEntry is one known server.
type ServerEntry struct {
	ConnectionString string
	Info             game.GameInfo
	Online           bool
	// Manual is set for servers added by hand rather than found.
	Manual   bool
	LastSeen time.Time
}

// ServerList is the list of known servers in the order they were added. It
// is owned by the goroutine polling the finder.
type ServerList struct {
	entries []*ServerEntry
}

// Add returns the entry for cs, creating it when unknown. A manual add marks
// an already known entry as manual too.
func (l *ServerList) Add(cs string, manual bool) *ServerEntry {
	if e := l.Get(cs); e != nil {
		e.Manual = e.Manual || manual
		return e
	}
	e := &ServerEntry{ConnectionString: cs, Manual: manual}
	l.entries = append(l.entries, e)
	return e
}

// Update stores fresh game info for cs and marks it online.
func (l *ServerList) Update(cs string, info game.GameInfo) *ServerEntry {
	e := l.Add(cs, false)
	e.Info = info
	e.Online = true
	e.LastSeen = nowFunc()
	return e
}

// Get returns the entry for cs or nil.
func (l *ServerList) Get(cs string) *ServerEntry {
	for _, e := range l.entries {
		if e.ConnectionString == cs {
			return e
		}
	}
	return nil
}

// Remove drops cs and reports whether it was known.
func (l *ServerList) Remove(cs string) bool {
	n := len(l.entries)
	l.entries = slices.DeleteFunc(l.entries, func(e *ServerEntry) bool { return e.ConnectionString == cs })
	return len(l.entries) != n
}

// MarkStale marks entries not seen for maxAge offline.
func (l *ServerList) MarkStale(maxAge time.Duration) {
	cutoff := nowFunc().Add(-maxAge)
	for _, e := range l.entries {
		if e.LastSeen.Before(cutoff) {
			e.Online = false
		}
	}
}

// Entries returns copies of all entries.
func (l *ServerList) Entries() []ServerEntry {
	out := make([]ServerEntry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	return out
}

// Len is the number of known servers.
func (l *ServerList) Len() int { return len(l.entries) }
