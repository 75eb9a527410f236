package delivery

import (
	"context"

	"push-delivery-go/internal/models"
	"push-delivery-go/internal/store"

	"github.com/rs/zerolog"
)

// Gate consults per-user category preferences before fan-out.
type Gate struct {
	prefs store.PreferenceStore
	log   zerolog.Logger
}

func NewGate(prefs store.PreferenceStore, logger zerolog.Logger) *Gate {
	return &Gate{prefs: prefs, log: logger.With().Str("component", "preference_gate").Logger()}
}

// Allow reports whether category may be delivered to userID. It fails open:
// a lookup error allows the notification.
func (g *Gate) Allow(ctx context.Context, userID string, category models.Category) bool {
	if category == "" {
		return true
	}
	prefs, err := g.prefs.GetPreferences(ctx, userID)
	if err != nil {
		preferenceLookupFailures.Inc()
		g.log.Warn().Err(err).Str("user_id", userID).Str("category", string(category)).
			Msg("preference lookup failed, delivering anyway")
		return true
	}
	return prefs.Allows(category)
}
