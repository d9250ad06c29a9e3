package derivrt

import "github.com/arvindmahta/derivrt-go/apierr"

// Error taxonomy (spec §7), re-exported from apierr so callers can write
// derivrt.ResponseError the way the teacher's own errors.go exposes
// dhan.ErrNotConnected directly off the root import path.
type (
	ConstructionError = apierr.ConstructionError
	ConnectionError   = apierr.ConnectionError
	ResponseError     = apierr.ResponseError
	APIError          = apierr.APIError
	AddedTaskError    = apierr.AddedTaskError
)
