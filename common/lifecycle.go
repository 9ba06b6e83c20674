package common

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/tidwall/gjson"
)

// LifecycleEvent is the navigation completion mode a wait resolves on.
type LifecycleEvent int

const (
	// LifecycleEventLoad waits for the document readiness flag to reach
	// "complete".
	LifecycleEventLoad LifecycleEvent = iota

	// LifecycleEventDOMContentLoad resolves as soon as the readiness flag
	// reaches "interactive", without waiting for subresources.
	LifecycleEventDOMContentLoad

	// LifecycleEventNetworkIdle waits for "complete" followed by a fixed
	// quiet period. In-flight requests are not tracked; this mirrors the
	// fixed-delay approximation downstream code already depends on.
	LifecycleEventNetworkIdle

	// LifecycleEventNetworkAlmostIdle is LifecycleEventNetworkIdle with a
	// shorter quiet period.
	LifecycleEventNetworkAlmostIdle
)

func (l LifecycleEvent) String() string {
	switch l {
	case LifecycleEventLoad:
		return "load"
	case LifecycleEventDOMContentLoad:
		return "domcontentloaded"
	case LifecycleEventNetworkIdle:
		return "networkidle"
	case LifecycleEventNetworkAlmostIdle:
		return "networkidle2"
	}
	return fmt.Sprintf("LifecycleEvent(%d)", int(l))
}

// ParseLifecycleEvent maps a mode name to its LifecycleEvent.
func ParseLifecycleEvent(s string) (LifecycleEvent, error) {
	switch s {
	case "load", "":
		return LifecycleEventLoad, nil
	case "domcontentloaded":
		return LifecycleEventDOMContentLoad, nil
	case "networkidle":
		return LifecycleEventNetworkIdle, nil
	case "networkidle2":
		return LifecycleEventNetworkAlmostIdle, nil
	}
	return 0, fmt.Errorf("invalid lifecycle event: %q", s)
}

// quietPeriod returns the settle delay appended after readiness for the
// networkidle modes, zero otherwise.
func (l LifecycleEvent) quietPeriod() time.Duration {
	switch l {
	case LifecycleEventNetworkIdle:
		return networkIdleQuietPeriod
	case LifecycleEventNetworkAlmostIdle:
		return networkAlmostIdleQuietPeriod
	}
	return 0
}

// satisfiedBy reports whether the given document readiness value satisfies
// the mode, ignoring any trailing quiet period.
func (l LifecycleEvent) satisfiedBy(readyState string) bool {
	if l == LifecycleEventDOMContentLoad {
		return readyState == "interactive" || readyState == "complete"
	}
	return readyState == "complete"
}

// readyState evaluates document.readyState on the session.
func readyState(ctx context.Context, sess session) (string, error) {
	action := runtime.Evaluate("document.readyState").WithReturnByValue(true)
	result, exc, err := action.Do(cdp.WithExecutor(ctx, sess))
	if err != nil {
		return "", err
	}
	if exc != nil {
		return "", fmt.Errorf("evaluating readiness: %s", exc.Text)
	}
	return gjson.ParseBytes(result.Value).String(), nil
}

// waitForLifecycle polls the document readiness flag until it satisfies the
// requested mode, then sleeps the mode's quiet period. Evaluation errors
// during polling are swallowed; only the deadline surfaces.
func waitForLifecycle(ctx context.Context, sess session, event LifecycleEvent, timeout, interval time.Duration) error {
	err := waitUntil(ctx, func(ctx context.Context) (bool, error) {
		state, err := readyState(ctx, sess)
		if err != nil {
			return false, err
		}
		return event.satisfiedBy(state), nil
	}, timeout, interval)
	if err != nil {
		return fmt.Errorf("waiting for %s: %w", event, err)
	}

	if quiet := event.quietPeriod(); quiet > 0 {
		select {
		case <-time.After(quiet):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
