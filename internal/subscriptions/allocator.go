package subscriptions

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Assignment maps one requested service to the subscription usage row that
// will cover it. Services left uncovered carry a nil assignment upstream.
type Assignment struct {
	ServiceID      uuid.UUID
	SubscriptionID uuid.UUID
	UsageID        uuid.UUID
}

// Allocate greedily matches requested services against the customer's
// usable subscriptions. For each service the soonest-expiring candidate
// wins (nil expiry sorts last) so quota about to lapse is spent first.
// The service list is treated as a set; remaining quantities are tracked
// in-memory across the request so one booking cannot oversubscribe a
// usage row.
//
// The returned map holds an assignment only for covered services; the
// caller prices the rest normally.
func Allocate(subs []*Subscription, serviceIDs []uuid.UUID, now time.Time) map[uuid.UUID]Assignment {
	candidates := make([]*Subscription, 0, len(subs))
	for _, s := range subs {
		if s.Usable(now) {
			candidates = append(candidates, s)
		}
	}
	// Soonest expiry first, nils last. Stable so equal expiries keep
	// load order (oldest purchase first from the repository).
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].ExpiryDate, candidates[j].ExpiryDate
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Before(*b)
		}
	})

	remaining := make(map[uuid.UUID]int)
	for _, s := range candidates {
		for _, u := range s.Usages {
			remaining[u.ID] = u.Remaining()
		}
	}

	assigned := make(map[uuid.UUID]Assignment)
	for _, serviceID := range serviceIDs {
		if _, done := assigned[serviceID]; done {
			continue
		}
		for _, s := range candidates {
			usage := s.usageFor(serviceID)
			if usage == nil || remaining[usage.ID] <= 0 {
				continue
			}
			remaining[usage.ID]--
			assigned[serviceID] = Assignment{
				ServiceID:      serviceID,
				SubscriptionID: s.ID,
				UsageID:        usage.ID,
			}
			break
		}
	}
	return assigned
}
