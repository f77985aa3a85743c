package check

// Diagnostic codes owned by the checker.
const (
	// Manifest-level type expressions (E100-E199)
	ErrPortType  = "E105" // input/output port type is malformed
	ErrStateType = "E110" // state type is malformed or not persistable
	ErrParamType = "E111" // params type derived from schema is malformed

	// Type errors (E300-E399)
	ErrTypeMismatch   = "E301" // unification failure
	ErrUnknownIdent   = "E302" // unbound identifier
	ErrMissingField   = "E303" // record lacks a required field
	ErrArity          = "E304" // wrong number of arguments
	ErrUnknownType    = "E305" // unknown or recursive type name
	ErrInfiniteType   = "E306" // occurs check failed
	ErrPrimitiveValue = "E307" // primitive used outside call position
	ErrEntryPoint     = "E308" // missing or malformed run
	ErrReservedName   = "E309" // declaration shadows a builtin

	// Effect errors (E400-E499)
	ErrEffectEscape = "E401" // inferred effect not declared
)
