// Package instance provides the identity of this engine instance for the
// session: heartbeat ownership and invalidation echo suppression both key off
// it.
package instance

import "github.com/google/uuid"

// ID uniquely identifies this instance for its lifetime.
var ID = uuid.NewString()
