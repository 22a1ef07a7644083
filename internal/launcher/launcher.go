// launcher.go — Browser process lifecycle interface.
//
// The core never launches or manages a browser process itself: that is an
// external collaborator's job (the CLI front-end, a test harness, or a
// user's already-running browser with --remote-debugging-port). Handle is
// the minimal seam the core calls into.
package launcher

import "context"

// Handle is a running browser instance the core can monitor.
type Handle interface {
	// Endpoint returns the CDP debug endpoint (a ws:// URL or an http://
	// address from which the core discovers one via /json/version).
	Endpoint() string

	// WaitExit blocks until the browser process exits or ctx is canceled.
	WaitExit(ctx context.Context) error
}
