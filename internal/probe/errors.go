package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrProbeTimeout indicates a request exceeded its per-request deadline.
	ErrProbeTimeout = errors.New("probe timed out")
	// ErrProbeUnreachable indicates no endpoint produced a usable result.
	ErrProbeUnreachable = errors.New("probe endpoints unreachable")
	// ErrNoTrials indicates a packet-loss run was requested with zero trials.
	ErrNoTrials = errors.New("trial count must be > 0")
	// ErrNoEndpoints indicates an empty endpoint or source list.
	ErrNoEndpoints = errors.New("no endpoints configured")
	// ErrInvalidKind indicates an unknown provider probe kind.
	ErrInvalidKind = errors.New("probe kind must be dns, http, https or cdn")
)

// classify maps deadline and network timeouts onto ErrProbeTimeout and leaves
// other errors untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrProbeTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrProbeTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrProbeTimeout, err)
	}
	return err
}
