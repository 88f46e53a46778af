package cloud

import (
	"context"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/outscale/bsud/pkg/opserr"
	"github.com/outscale/bsud/pkg/util"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
)

// RetryOnHTTPCodes defines the list of HTTP codes for which we backoff.
var RetryOnHTTPCodes = []int{429, 500, 502, 503, 504}

type BackoffOpt func(*BackoffPolicy)

func WithBackoff(bo wait.Backoff) BackoffOpt {
	return func(bp *BackoffPolicy) {
		bp.backoff = bo
	}
}

func Steps(s int) BackoffOpt {
	return func(bp *BackoffPolicy) {
		bp.backoff.Steps = s
	}
}

type BackoffPolicyer interface {
	With(opts ...BackoffOpt) BackoffPolicyer
	ExponentialBackoff(ctx context.Context, fn func(ctx context.Context) (bool, error)) error
	// OAPIResponseBackoff decides whether a completed OAPI call should be
	// retried by the backoff loop (false, nil) or treated as terminal
	// (true, classified error or nil).
	OAPIResponseBackoff(ctx context.Context, op string, resp *http.Response, err error) (bool, error)
}

type BackoffPolicy struct {
	backoff wait.Backoff
}

func NewBackoffPolicy(opts ...BackoffOpt) *BackoffPolicy {
	bp := &BackoffPolicy{
		backoff: EnvBackoff(),
	}
	for _, opt := range opts {
		opt(bp)
	}
	return bp
}

// With creates a new BackoffPolicy with different options.
func (bp *BackoffPolicy) With(opts ...BackoffOpt) BackoffPolicyer {
	nbp := *bp
	for _, opt := range opts {
		opt(&nbp)
	}
	return &nbp
}

// ExponentialBackoff repeats a condition check with exponential backoff.
// It stops if context is cancelled. Running out of steps (retries on
// RetryOnHTTPCodes exhausted) or a cancelled context is returned as a
// Transient error.
func (bp *BackoffPolicy) ExponentialBackoff(ctx context.Context, fn func(ctx context.Context) (bool, error)) error {
	// bp.backoff is not a pointer, a copy is used each time, ensuring that backoff restarts at 0 each time.
	err := wait.ExponentialBackoffWithContext(ctx, bp.backoff, fn)
	if wait.Interrupted(err) {
		return opserr.New("backoff", opserr.Transient, err)
	}
	return err
}

// OAPIResponseBackoff classifies a completed OAPI call. A response carrying
// one of RetryOnHTTPCodes is retried (false, nil); any other error is
// classified into a Kind via classifyOAPIError and returned as terminal.
func (bp *BackoffPolicy) OAPIResponseBackoff(ctx context.Context, op string, resp *http.Response, err error) (bool, error) {
	switch {
	case resp != nil && slices.Contains(RetryOnHTTPCodes, resp.StatusCode):
		klog.FromContext(ctx).V(5).Info("Retrying after throttled OAPI response", "op", op, "status", resp.StatusCode)
		return false, nil
	case err != nil:
		return true, classifyOAPIError(op, resp, err)
	default:
		return true, nil
	}
}

var _ BackoffPolicyer = (*BackoffPolicy)(nil)

func EnvBackoff() wait.Backoff {
	// BACKOFF_DURATION duration The initial duration.
	// Fallback as int/duration in seconds.
	dur := util.Getenv("BACKOFF_DURATION", "1s")
	duration, err := time.ParseDuration(dur)
	if err != nil {
		d, derr := strconv.Atoi(dur)
		duration = time.Duration(d) * time.Second
		err = derr
	}
	if err != nil {
		duration = time.Second
	}

	// BACKOFF_FACTOR float Duration is multiplied by factor each iteration
	factor, err := strconv.ParseFloat(util.Getenv("BACKOFF_FACTOR", "2"), 64)
	if err != nil {
		factor = 2
	}

	// BACKOFF_STEPS integer : The remaining number of iterations in which
	// the duration parameter may change
	steps, err := strconv.Atoi(util.Getenv("BACKOFF_STEPS", "5"))
	if err != nil {
		steps = 5
	}
	return wait.Backoff{
		Duration: duration,
		Factor:   factor,
		Steps:    steps,
	}
}
