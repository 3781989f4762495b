// Package services implements the business logic of the bridge: the
// per-delivery coordination state machine, message dispatch, the AI worker,
// and conversation persistence. This file centralizes common service-level
// error values so that they can be consistently returned by service methods
// and checked by callers.
//
// Translation into HTTP status codes is performed at the handler layer.
package services

import "errors"

// ErrConversationStore indicates the conversation binding could not be read
// or written.
var ErrConversationStore = errors.New("conversation store failure")
