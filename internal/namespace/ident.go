// Package namespace owns identifier rules for cards, event kinds and port
// types, and the arena that holds extension registrations.
//
// Builtin identifiers are bare names owned by the platform ("note",
// "event_stream"). Everything else lives in a pack namespace and is
// written <author>:<pack>/<name>. Registrations are stored in an arena
// with stable keys; scripts never reach the arena directly, only through
// capability-gated host primitives.
package namespace

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	segmentPattern = `[a-z][a-z0-9_-]*`
	namePattern    = `[a-z][a-z0-9_.-]*`

	idRegex      = regexp.MustCompile(`^(` + segmentPattern + `):(` + segmentPattern + `)/(` + namePattern + `)$`)
	packRegex    = regexp.MustCompile(`^(` + segmentPattern + `):(` + segmentPattern + `)$`)
	builtinRegex = regexp.MustCompile(`^` + namePattern + `$`)
)

// ID is a parsed namespaced identifier.
type ID struct {
	Author string
	Pack   string
	Name   string
}

// String renders the identifier in canonical form.
func (id ID) String() string {
	return id.Author + ":" + id.Pack + "/" + id.Name
}

// Namespace returns the owning pack namespace, author:pack.
func (id ID) Namespace() string {
	return id.Author + ":" + id.Pack
}

// ParseID parses <author>:<pack>/<name>.
func ParseID(s string) (ID, error) {
	m := idRegex.FindStringSubmatch(s)
	if m == nil {
		return ID{}, &Error{Code: ErrNotNamespaced, ID: s, Message: "identifier must have the form <author>:<pack>/<name>"}
	}
	return ID{Author: m[1], Pack: m[2], Name: m[3]}, nil
}

// ValidPack reports whether s is a well-formed author:pack namespace.
func ValidPack(s string) bool {
	return packRegex.MatchString(s)
}

// IsBuiltinForm reports whether s has the shape of a builtin (bare) name.
func IsBuiltinForm(s string) bool {
	return builtinRegex.MatchString(s)
}

// Kind distinguishes the identifier tables.
type Kind string

const (
	KindEvent Kind = "event_kind"
	KindPort  Kind = "port_type"
	KindCard  Kind = "card"
)

// builtins are fixed at build time and always win collisions.
var builtins = map[Kind]map[string]bool{
	KindEvent: {
		"note":       true,
		"cc":         true,
		"pitch_bend": true,
		"aftertouch": true,
		"program":    true,
		"marker":     true,
	},
	KindPort: {
		"event_stream":    true,
		"automation_lane": true,
		"container_ref":   true,
		"control":         true,
	},
	KindCard: {},
}

// IsBuiltin reports whether name is a platform builtin of the given kind.
func IsBuiltin(kind Kind, name string) bool {
	return builtins[kind][name]
}

// Builtins returns the builtin names of a kind in sorted order.
func Builtins(kind Kind) []string {
	return sortedKeys(builtins[kind])
}

// Error codes.
const (
	ErrNotNamespaced  = "not_namespaced"
	ErrWrongNamespace = "wrong_namespace"
	ErrBuiltin        = "builtin_collision"
	ErrCollision      = "collision"
)

// Error is a rejected registration.
type Error struct {
	Code    string
	Kind    Kind
	ID      string
	Message string
}

func (e *Error) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s %s: %s", e.Kind, e.ID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.ID, e.Message)
}

// ErrorCode returns the code of a namespace error, or "" if err is not one.
func ErrorCode(err error) string {
	var nsErr *Error
	if errors.As(err, &nsErr) {
		return nsErr.Code
	}
	return ""
}
