package cloud

import (
	"errors"
	"net/http"

	"github.com/outscale/bsud/pkg/opserr"
)

// classifyOAPIError turns a failed OAPI call into an opserr.Error, the way
// the reconciler and its layers expect every returned error to be tagged.
// The package's own ErrNotFound sentinel is checked first; every other
// error is classified by HTTP status, the only signal osc-sdk-go's
// generated client exposes uniformly across operations.
func classifyOAPIError(op string, resp *http.Response, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return opserr.New(op, opserr.Conflict, err)
	}
	if resp == nil {
		return opserr.New(op, opserr.Transient, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusServiceUnavailable:
		return opserr.New(op, opserr.Transient, err)
	case resp.StatusCode >= 500:
		return opserr.New(op, opserr.Transient, err)
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusConflict:
		return opserr.New(op, opserr.Conflict, err)
	case resp.StatusCode >= 400:
		return opserr.New(op, opserr.Permanent, err)
	default:
		return opserr.New(op, opserr.Transient, err)
	}
}
