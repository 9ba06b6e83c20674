package common

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"

	"github.com/ProfFahad/stealthwright/log"
)

// authSettlePeriod is how long activation lingers after firing the probe
// requests so the first challenge round-trip can complete.
const authSettlePeriod = 500 * time.Millisecond

// authProbeURLs are neutral connectivity-check endpoints. Fetching them
// through an authenticating proxy forces at least one challenge to fire
// while the negotiator is already listening.
var authProbeURLs = []string{
	"http://www.gstatic.com/generate_204",
	"http://detectportal.firefox.com/success.txt",
}

// Credentials holds HTTP authentication credentials.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// IsEmpty returns true if the credentials are not set.
func (c Credentials) IsEmpty() bool {
	return c == (Credentials{})
}

// AuthNegotiator answers proxy authentication challenges on a session with
// stored credentials and keeps intercepted traffic moving. Challenges are
// handled through the fetch domain; every paused request is resumed
// unconditionally since an unresumed request stalls the page forever.
type AuthNegotiator struct {
	ctx         context.Context
	sess        session
	logger      *log.Logger
	credentials Credentials

	// Guarded by the event loop goroutine; no lock needed.
	attemptedAuth map[fetch.RequestID]bool
	stopEvents    context.CancelFunc
	active        bool
}

// NewAuthNegotiator creates an inactive negotiator for the session.
func NewAuthNegotiator(ctx context.Context, sess session, credentials Credentials, logger *log.Logger) *AuthNegotiator {
	return &AuthNegotiator{
		ctx:           ctx,
		sess:          sess,
		logger:        logger,
		credentials:   credentials,
		attemptedAuth: make(map[fetch.RequestID]bool),
	}
}

// Activate enables the auth and interception domains, subscribes to
// challenge events, then fires the probe requests and waits the settle
// period before returning control.
func (a *AuthNegotiator) Activate(ctx context.Context) error {
	if a.active {
		return nil
	}

	evCtx, cancel := context.WithCancel(a.ctx)
	a.stopEvents = cancel
	a.initEvents(evCtx)

	actions := []Action{
		network.Enable(),
		network.SetCacheDisabled(true),
		fetch.Enable().
			WithHandleAuthRequests(true).
			WithPatterns([]*fetch.RequestPattern{
				{
					URLPattern:   "*",
					RequestStage: fetch.RequestStageRequest,
				},
			}),
		ActionFunc(a.probe),
	}
	for _, action := range actions {
		if err := action.Do(cdp.WithExecutor(ctx, a.sess)); err != nil {
			cancel()
			return fmt.Errorf("enabling auth negotiation %T: %w", action, err)
		}
	}
	a.active = true

	select {
	case <-time.After(authSettlePeriod):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Deactivate unsubscribes from challenge events and disables the
// interception domains. Disabling is best effort; the session may already
// be gone.
func (a *AuthNegotiator) Deactivate(ctx context.Context) {
	if !a.active {
		return
	}
	a.active = false
	a.stopEvents()

	actions := []Action{
		fetch.Disable(),
		network.SetCacheDisabled(false),
	}
	for _, action := range actions {
		if err := action.Do(cdp.WithExecutor(ctx, a.sess)); err != nil {
			a.logger.Debugf("AuthNegotiator:Deactivate", "disabling %T: %v", action, err)
		}
	}
}

func (a *AuthNegotiator) initEvents(ctx context.Context) {
	ch := make(chan Event)
	a.sess.on(ctx, []string{
		cdproto.EventFetchAuthRequired,
		cdproto.EventFetchRequestPaused,
	}, ch)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.sess.Done():
				return
			case event := <-ch:
				a.handleEvent(ctx, event)
			}
		}
	}()
}

func (a *AuthNegotiator) handleEvent(ctx context.Context, event Event) {
	switch ev := event.data.(type) {
	case *fetch.EventAuthRequired:
		a.onAuthRequired(ctx, ev)
	case *fetch.EventRequestPaused:
		a.onRequestPaused(ctx, ev)
	}
}

// onAuthRequired answers a fetch domain challenge. A request that already
// got credentials once and challenges again has been rejected upstream;
// answering again would loop, so the second challenge is cancelled.
func (a *AuthNegotiator) onAuthRequired(ctx context.Context, event *fetch.EventAuthRequired) {
	var (
		res = fetch.AuthChallengeResponseResponseDefault
		rid = event.RequestID

		username, password string
	)

	switch {
	case a.attemptedAuth[rid]:
		delete(a.attemptedAuth, rid)
		res = fetch.AuthChallengeResponseResponseCancelAuth
	case !a.credentials.IsEmpty():
		a.attemptedAuth[rid] = true
		res = fetch.AuthChallengeResponseResponseProvideCredentials
		// Username and password may only be set when providing credentials.
		username, password = a.credentials.Username, a.credentials.Password
	}
	err := fetch.ContinueWithAuth(
		rid,
		&fetch.AuthChallengeResponse{
			Response: res,
			Username: username,
			Password: password,
		},
	).Do(cdp.WithExecutor(ctx, a.sess))
	if err != nil {
		a.logger.Debugf("AuthNegotiator:onAuthRequired", "continueWithAuth url:%q err:%v", event.Request.URL, err)
	} else {
		a.logger.Debugf("AuthNegotiator:onAuthRequired", "continueWithAuth url:%q OK", event.Request.URL)
	}
}

// onRequestPaused resumes a paused request untouched. Pausing is a side
// effect of enabling the fetch domain for auth; the negotiator never
// modifies or blocks traffic.
func (a *AuthNegotiator) onRequestPaused(ctx context.Context, event *fetch.EventRequestPaused) {
	err := fetch.ContinueRequest(event.RequestID).Do(cdp.WithExecutor(ctx, a.sess))
	if err != nil {
		a.logger.Debugf("AuthNegotiator:onRequestPaused", "continueRequest url:%q err:%v", event.Request.URL, err)
	}
}

// probe fires fire-and-forget requests at neutral destinations from inside
// the page. Failures are irrelevant; the point is to trigger a challenge.
func (a *AuthNegotiator) probe(ctx context.Context) error {
	for _, u := range authProbeURLs {
		expr := fmt.Sprintf(
			`fetch(%q, {mode: 'no-cors', cache: 'no-store'}).catch(() => {})`, u)
		action := runtime.Evaluate(expr)
		if _, _, err := action.Do(cdp.WithExecutor(ctx, a.sess)); err != nil {
			a.logger.Debugf("AuthNegotiator:probe", "probing %q: %v", u, err)
		}
	}
	return nil
}
