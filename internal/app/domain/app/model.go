// Package app holds the domain model for registered third-party apps.
package app

import (
	"encoding/json"
	"time"

	"github.com/unitool-ai/unitool/internal/app/security"
)

// App is a registered third-party integration exposing one or more
// functions. Security schemes are configuration only; default credentials
// are shared secrets set by the platform operator, stored as opaque JSON and
// decoded against the scheme shape at resolution time.
type App struct {
	ID                 string
	Name               string
	Description        string
	Enabled            bool
	SecuritySchemes    map[security.SchemeKind]json.RawMessage
	DefaultCredentials map[security.SchemeKind]json.RawMessage
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Scheme decodes the app's configuration for the given scheme kind. The
// second return is false when the app does not support the scheme.
func (a App) Scheme(kind security.SchemeKind) (security.Scheme, bool, error) {
	raw, ok := a.SecuritySchemes[kind]
	if !ok {
		return nil, false, nil
	}
	scheme, err := security.ParseScheme(kind, raw)
	if err != nil {
		return nil, true, err
	}
	return scheme, true, nil
}
