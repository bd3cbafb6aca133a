package usage

import (
	"github.com/goodtune/unlockd/internal/config"
)

// NeverSynced marks a balance that has not yet been reconciled against the ledger
const NeverSynced int64 = -1

// ManagedApplication is an application the user has placed under management
type ManagedApplication struct {
	ID          string
	DisplayName string
	Blocked     bool
}

// TimeBalance is the locally cached unlocked time of one application
type TimeBalance struct {
	RemainingMs            int64
	PendingDeductionMs     int64
	LastKnownRemoteTotalMs int64
}

// AppsFromConfig converts configured applications to ManagedApplications
func AppsFromConfig(apps []config.AppConfig) []ManagedApplication {
	managed := make([]ManagedApplication, 0, len(apps))
	for _, app := range apps {
		name := app.Name
		if name == "" {
			name = app.ID
		}
		managed = append(managed, ManagedApplication{
			ID:          app.ID,
			DisplayName: name,
			Blocked:     app.Blocked,
		})
	}
	return managed
}
