// Package linkedaccount holds the domain model for end-user app
// authorizations.
package linkedaccount

import (
	"encoding/json"
	"time"

	"github.com/unitool-ai/unitool/internal/app/security"
)

// LinkedAccount records an end user's authorization to use an app on behalf
// of a project. Credentials are opaque JSON tagged by the scheme kind; an
// empty payload means the app's default credentials apply. Accounts are
// disabled rather than deleted to preserve the audit trail. Version guards
// conditional credential updates.
type LinkedAccount struct {
	ID          string
	ProjectID   string
	AppID       string
	OwnerID     string
	Scheme      security.SchemeKind
	Credentials json.RawMessage
	Enabled     bool
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HasOwnCredentials reports whether the end user supplied credentials, which
// always take precedence over the app default.
func (a LinkedAccount) HasOwnCredentials() bool {
	return len(a.Credentials) > 0 && string(a.Credentials) != "null" && string(a.Credentials) != "{}"
}
