package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/goodtune/unlockd/internal/config"
)

// Class is the closed set of foreground surface classifications.
type Class string

const (
	// ClassApp is an ordinary application.
	ClassApp Class = "app"
	// ClassSystem is a stable system surface (launcher, settings). It ends
	// the tracked app's session like any other app.
	ClassSystem Class = "system"
	// ClassTransient is a surface drawn over the real foreground app
	// (keyboard, notification shade, system dialog). It never interrupts
	// tracking.
	ClassTransient Class = "transient"
)

// ParseClass normalizes and validates a class name.
func ParseClass(s string) (Class, error) {
	normalized := Class(strings.ToLower(strings.TrimSpace(s)))
	switch normalized {
	case ClassApp, ClassSystem, ClassTransient:
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid class: %s (must be app, system, or transient)", s)
	}
}

// UnmarshalJSON implements json.Unmarshaler to normalize class to lowercase.
func (c *Class) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseClass(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Table is the identifier table the classification policy evaluates against.
type Table struct {
	TransientIDs      []string `json:"transient_ids"`
	TransientPrefixes []string `json:"transient_prefixes"`
	SystemIDs         []string `json:"system_ids"`
	SystemPrefixes    []string `json:"system_prefixes"`
}

func (t Table) input(appID string) map[string]interface{} {
	return map[string]interface{}{
		"app_id": appID,
		"table": map[string]interface{}{
			"transient_ids":      nonNil(t.TransientIDs),
			"transient_prefixes": nonNil(t.TransientPrefixes),
			"system_ids":         nonNil(t.SystemIDs),
			"system_prefixes":    nonNil(t.SystemPrefixes),
		},
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// TableFromConfig builds the identifier table from configuration
func TableFromConfig(cfg config.ClassificationConfig) Table {
	return Table{
		TransientIDs:      cfg.TransientIDs,
		TransientPrefixes: cfg.TransientPrefixes,
		SystemIDs:         cfg.SystemIDs,
		SystemPrefixes:    cfg.SystemPrefixes,
	}
}
