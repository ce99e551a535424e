package registry

// Subscriber is the persisted shape of a subscriber context.
type Subscriber struct {
	URL      string   `json:"url"`
	Prefixes []string `json:"prefixes"`
	Version  string   `json:"version"`
	Cursor   uint64   `json:"cursor"`
	Active   bool     `json:"active"`
}

// Interested reports whether prefix is in the subscriber's interest set.
func (s Subscriber) Interested(prefix string) bool {
	for _, p := range s.Prefixes {
		if p == prefix {
			return true
		}
	}
	return false
}

// Session identifies one activation of a subscriber. Done is closed when the
// subscriber is deactivated; a later reactivation gets a new Session.
type Session struct {
	URL  string
	ID   string
	Done <-chan struct{}
}

// Launcher starts a delivery loop for a freshly activated session.
type Launcher interface {
	Launch(s Session)
}

// UpgradePolicy decides what happens to the cursor on a version upgrade.
type UpgradePolicy string

const (
	UpgradeKeepCursor  UpgradePolicy = "keep"
	UpgradeResetCursor UpgradePolicy = "reset"
)

// Deactivation reasons reported to metrics.
const (
	ReasonDeregistered     = "deregistered"
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonGap              = "gap"
)

// Metrics is the subset of collectors the registry reports to.
type Metrics interface {
	ActiveSubscribers(n int)
	SubscriberDeactivated(reason string)
}
