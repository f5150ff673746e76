package loader

import "errors"

var (
	// ErrUnknownModule is returned by Local for an id with no factory.
	ErrUnknownModule = errors.New("unknown plugin module")

	// ErrInvalidDocument is returned for a malformed declarative document.
	ErrInvalidDocument = errors.New("invalid plugin document")

	// ErrScriptTimeout is returned when a script hook outruns its deadline.
	ErrScriptTimeout = errors.New("script execution timed out")

	// ErrCallDepthExceeded is returned when a script recurses past its
	// plugin's call depth limit.
	ErrCallDepthExceeded = errors.New("script call depth exceeded")

	// ErrNotLoaded is returned by script hooks called before Load or after
	// Unload.
	ErrNotLoaded = errors.New("script plugin is not loaded")

	// ErrHostNotAllowed is returned by Remote for a host outside the
	// allow-list.
	ErrHostNotAllowed = errors.New("remote host not allowed")

	// ErrPayloadTooLarge is returned by Remote when a document exceeds the
	// size limit.
	ErrPayloadTooLarge = errors.New("remote payload too large")

	// ErrFetchFailed is returned by Remote for a non-success response.
	ErrFetchFailed = errors.New("remote fetch failed")
)
