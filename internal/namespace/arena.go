package namespace

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/cardrt/internal/ir"
)

// Key is a stable arena index. Keys are never reused, so a stored key
// either resolves to its original entry or to a removed tombstone.
type Key uint32

// Entry is one registered identifier.
type Entry struct {
	Key     Key
	Kind    Kind
	ID      string
	Owner   string     // registering card id; empty for builtins
	Schema  ir.IRValue // field list for event kinds, definition for port types
	Builtin bool
	Removed bool
}

// Resolution is the result of a lookup. Unknown identifiers still resolve:
// the data is valid, only its schema is opaque to the caller.
type Resolution struct {
	Entry
	Known bool
}

// Arena holds builtin and extension registrations.
// Safe for concurrent use.
type Arena struct {
	mu      sync.RWMutex
	entries []Entry
	index   map[Kind]map[string]Key
	logger  *slog.Logger

	collisions int
}

// Option configures an Arena.
type Option func(*Arena)

// WithLogger sets the logger used for collision reports.
func WithLogger(l *slog.Logger) Option {
	return func(a *Arena) {
		a.logger = l
	}
}

// NewArena returns an arena preloaded with the platform builtins.
func NewArena(opts ...Option) *Arena {
	a := &Arena{
		index:  make(map[Kind]map[string]Key),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	for _, kind := range []Kind{KindEvent, KindPort, KindCard} {
		for _, name := range Builtins(kind) {
			a.insert(Entry{Kind: kind, ID: name, Builtin: true})
		}
	}
	return a
}

func (a *Arena) insert(e Entry) Key {
	e.Key = Key(len(a.entries) + 1)
	a.entries = append(a.entries, e)
	if a.index[e.Kind] == nil {
		a.index[e.Kind] = make(map[string]Key)
	}
	a.index[e.Kind][e.ID] = e.Key
	return e.Key
}

// Register adds an extension identifier on behalf of owner, a card id.
// The identifier must live in the owner's pack namespace. Re-registering
// the same definition is a no-op; a conflicting definition is a collision
// and the first registration stays.
func (a *Arena) Register(kind Kind, owner, id string, schema ir.IRValue) (Key, error) {
	if IsBuiltin(kind, id) {
		a.collision(kind, owner, id, "builtin")
		return 0, &Error{Code: ErrBuiltin, Kind: kind, ID: id, Message: "builtin identifiers cannot be redefined"}
	}
	parsed, err := ParseID(id)
	if err != nil {
		return 0, &Error{Code: ErrNotNamespaced, Kind: kind, ID: id, Message: "extension identifiers must have the form <author>:<pack>/<name>"}
	}
	ownerID, err := ParseID(owner)
	if err != nil {
		return 0, fmt.Errorf("register %s: owner %q: %w", kind, owner, err)
	}
	if parsed.Namespace() != ownerID.Namespace() {
		return 0, &Error{
			Code:    ErrWrongNamespace,
			Kind:    kind,
			ID:      id,
			Message: fmt.Sprintf("card %s may only register in namespace %s", owner, ownerID.Namespace()),
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if key, ok := a.index[kind][id]; ok {
		existing := a.entries[key-1]
		if schemaEqual(existing.Schema, schema) {
			return key, nil
		}
		a.collisionLocked(kind, owner, id, existing.Owner)
		return 0, &Error{Code: ErrCollision, Kind: kind, ID: id, Message: fmt.Sprintf("already registered by %s", existing.Owner)}
	}
	key := a.insert(Entry{Kind: kind, ID: id, Owner: owner, Schema: schema})
	a.logger.Debug("registered identifier",
		"event", "namespace.register",
		"kind", string(kind),
		"id", id,
		"owner", owner,
		"key", key,
	)
	return key, nil
}

func schemaEqual(a, b ir.IRValue) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return ir.Equal(a, b)
}

func (a *Arena) collision(kind Kind, owner, id, holder string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.collisionLocked(kind, owner, id, holder)
}

func (a *Arena) collisionLocked(kind Kind, owner, id, holder string) {
	a.collisions++
	a.logger.Warn("identifier collision",
		"event", "namespace.collision",
		"kind", string(kind),
		"id", id,
		"owner", owner,
		"holder", holder,
	)
}

// Lookup resolves an identifier. Unknown identifiers resolve with Known
// false rather than an error.
func (a *Arena) Lookup(kind Kind, id string) Resolution {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if key, ok := a.index[kind][id]; ok {
		return Resolution{Entry: a.entries[key-1], Known: true}
	}
	return Resolution{Entry: Entry{Kind: kind, ID: id}}
}

// Get returns the entry stored under key, including tombstones.
func (a *Arena) Get(key Key) (Entry, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if key == 0 || int(key) > len(a.entries) {
		return Entry{}, false
	}
	return a.entries[key-1], true
}

// Entries returns the live entries of a kind ordered by id.
func (a *Arena) Entries(kind Kind) []Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []Entry
	for _, key := range a.index[kind] {
		out = append(out, a.entries[key-1])
	}
	slices.SortFunc(out, func(x, y Entry) int { return ir.CompareKeys(x.ID, y.ID) })
	return out
}

// RemoveNamespace drops every extension registered in ns (author:pack).
// Removed keys become tombstones and are never reused.
func (a *Arena) RemoveNamespace(ns string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	removed := 0
	for kind, ids := range a.index {
		for id, key := range ids {
			e := &a.entries[key-1]
			if e.Builtin {
				continue
			}
			parsed, err := ParseID(id)
			if err != nil || parsed.Namespace() != ns {
				continue
			}
			e.Removed = true
			delete(a.index[kind], id)
			removed++
		}
	}
	if removed > 0 {
		a.logger.Info("namespace removed",
			"event", "namespace.remove",
			"namespace", ns,
			"entries", removed,
		)
	}
	return removed
}

// Collisions returns how many collisions have been reported.
func (a *Arena) Collisions() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.collisions
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
