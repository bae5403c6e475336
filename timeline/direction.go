package timeline

import (
	"strings"
	"time"

	"github.com/samber/lo"
)

// DefaultHeuristicWindow bounds the timing fallback: an otherwise
// unattributed entry created within this window of a known local send is
// classified as sent. The window is a deliberate approximation, not a
// protocol guarantee; tune it through ResolverOptions.
const DefaultHeuristicWindow = 5 * time.Second

// RecentActivity reports whether the local user performed a send close to
// the given instant. Backed by the session's recently-sent tracker.
type RecentActivity interface {
	SentNear(t time.Time, window time.Duration) bool
}

type ResolverOptions struct {
	User   SenderRef
	Recent RecentActivity // optional timing fallback
	Window time.Duration  // defaults to DefaultHeuristicWindow
}

// Resolver decides whether a record originated from the local user or the
// remote party. Payloads from different sources carry different, sometimes
// incomplete, sender descriptors, so classification is layered: exact ID,
// exact username, case-insensitive containment against every local
// identifier, then the timing heuristic. An unattributable record is never
// assumed to be local.
type Resolver struct {
	user   SenderRef
	recent RecentActivity
	window time.Duration
}

func NewResolver(opts ResolverOptions) *Resolver {
	window := opts.Window
	if window <= 0 {
		window = DefaultHeuristicWindow
	}
	return &Resolver{user: opts.User, recent: opts.Recent, window: window}
}

// ResolveDirection classifies a sender descriptor. createdAt feeds the
// timing fallback and may be zero when unknown.
func (r *Resolver) ResolveDirection(sender SenderRef, createdAt time.Time) Direction {
	if r == nil {
		return DirectionReceived
	}
	if sender.ID != "" && r.user.ID != "" {
		if sender.ID == r.user.ID {
			return DirectionSent
		}
		// A definitive foreign ID outranks every weaker signal.
		return DirectionReceived
	}
	if sender.Username != "" {
		if sender.Username == r.user.Username {
			return DirectionSent
		}
		if r.usernameOverlaps(sender.Username) {
			return DirectionSent
		}
	}
	if r.recent != nil && !createdAt.IsZero() && r.recent.SentNear(createdAt, r.window) {
		return DirectionSent
	}
	return DirectionReceived
}

func (r *Resolver) usernameOverlaps(username string) bool {
	needle := strings.ToLower(strings.TrimSpace(username))
	if needle == "" {
		return false
	}
	return lo.SomeBy(r.user.Identifiers(), func(ident string) bool {
		hay := strings.ToLower(strings.TrimSpace(ident))
		if hay == "" {
			return false
		}
		return strings.Contains(hay, needle) || strings.Contains(needle, hay)
	})
}
