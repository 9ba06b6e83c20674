package common

import "time"

const (
	// BlankPage is the URL loaded into freshly created targets.
	BlankPage = "about:blank"

	// DefaultTimeout bounds every command, navigation and element wait
	// unless overridden.
	DefaultTimeout = 30 * time.Second

	// DefaultPollInterval is the spacing between condition probes.
	DefaultPollInterval = 100 * time.Millisecond

	// Quiet periods applied after the document reports "complete" for the
	// two network-idle navigation modes.
	networkIdleQuietPeriod       = 500 * time.Millisecond
	networkAlmostIdleQuietPeriod = 300 * time.Millisecond

	// browserCloseTimeout bounds the wait for the browser to drop the
	// channel after the close command.
	browserCloseTimeout = 2 * time.Second
)
