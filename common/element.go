package common

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
)

// ElementState is the condition an element wait resolves on.
type ElementState int

const (
	// ElementStateAttached resolves when the selector matches an element.
	ElementStateAttached ElementState = iota

	// ElementStateDetached resolves when the selector matches nothing.
	ElementStateDetached

	// ElementStateVisible resolves when the element exists, has non-zero
	// rendered size, non-hidden computed styles and intersects the viewport.
	ElementStateVisible

	// ElementStateHidden resolves when the element is absent or fails any
	// of the visibility requirements.
	ElementStateHidden
)

func (s ElementState) String() string {
	switch s {
	case ElementStateAttached:
		return "attached"
	case ElementStateDetached:
		return "detached"
	case ElementStateVisible:
		return "visible"
	case ElementStateHidden:
		return "hidden"
	}
	return fmt.Sprintf("ElementState(%d)", int(s))
}

// ParseElementState maps a state name to its ElementState.
func ParseElementState(s string) (ElementState, error) {
	switch s {
	case "attached", "":
		return ElementStateAttached, nil
	case "detached":
		return ElementStateDetached, nil
	case "visible":
		return ElementStateVisible, nil
	case "hidden":
		return ElementStateHidden, nil
	}
	return 0, fmt.Errorf("invalid element state: %q", s)
}

// visibleCheckJS is the in-page visibility predicate. It takes the already
// resolved element and applies the size, style and viewport requirements.
const visibleCheckJS = `(el => {
	const rect = el.getBoundingClientRect();
	if (rect.width === 0 || rect.height === 0) return false;
	const style = window.getComputedStyle(el);
	if (style.display === 'none' || style.visibility === 'hidden' || style.opacity === '0') return false;
	const vw = window.innerWidth || document.documentElement.clientWidth;
	const vh = window.innerHeight || document.documentElement.clientHeight;
	return rect.bottom > 0 && rect.right > 0 && rect.top < vh && rect.left < vw;
})`

// elementStateExpr builds the page-side expression for the given selector
// and state, evaluating to a boolean. The selector crosses into the page as
// a JSON string literal; this is the single point where caller input is
// serialized into an expression, so no selector content can escape into code.
func elementStateExpr(selector string, state ElementState) (string, error) {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return "", fmt.Errorf("encoding selector %q: %w", selector, err)
	}

	switch state {
	case ElementStateAttached:
		return fmt.Sprintf(`document.querySelector(%s) !== null`, quoted), nil
	case ElementStateDetached:
		return fmt.Sprintf(`document.querySelector(%s) === null`, quoted), nil
	case ElementStateVisible:
		return fmt.Sprintf(`(() => {
			const el = document.querySelector(%s);
			if (!el) return false;
			return %s(el);
		})()`, quoted, visibleCheckJS), nil
	case ElementStateHidden:
		return fmt.Sprintf(`(() => {
			const el = document.querySelector(%s);
			if (!el) return true;
			return !%s(el);
		})()`, quoted, visibleCheckJS), nil
	}
	return "", fmt.Errorf("invalid element state: %s", state)
}

// evalBool evaluates expr on the session and interprets the result as a
// boolean.
func evalBool(ctx context.Context, sess session, expr string) (bool, error) {
	action := runtime.Evaluate(expr).WithReturnByValue(true)
	result, exc, err := action.Do(cdp.WithExecutor(ctx, sess))
	if err != nil {
		return false, err
	}
	if exc != nil {
		return false, fmt.Errorf("evaluating element state: %s", exc.Text)
	}
	var ok bool
	if err := json.Unmarshal(result.Value, &ok); err != nil {
		return false, fmt.Errorf("decoding element state result: %w", err)
	}
	return ok, nil
}

// waitForElementState polls the selector until it satisfies the requested
// state. Evaluation errors during polling are swallowed; only the deadline
// surfaces.
func waitForElementState(ctx context.Context, sess session, selector string, state ElementState, timeout, interval time.Duration) error {
	expr, err := elementStateExpr(selector, state)
	if err != nil {
		return err
	}
	err = waitUntil(ctx, func(ctx context.Context) (bool, error) {
		return evalBool(ctx, sess, expr)
	}, timeout, interval)
	if err != nil {
		return fmt.Errorf("waiting for %q to be %s: %w", selector, state, err)
	}
	return nil
}
