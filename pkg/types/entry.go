package types

import "time"

// Entry is one configured Enlighten site: the persisted equivalent of a
// config entry.
type Entry struct {
	ID       string   `json:"id"`
	SiteID   string   `json:"siteID"`
	SiteName string   `json:"siteName,omitempty"`
	Serials  []string `json:"serials,omitempty"`

	Email            string `json:"email,omitempty"`
	RememberPassword bool   `json:"rememberPassword"`
	// EncryptedCredentials holds a sealed Credentials value.
	EncryptedCredentials []byte `json:"encryptedCredentials,omitempty"`

	Tokens AuthTokens `json:"tokens"`

	Options        Options `json:"options"`
	OptionsVersion int     `json:"optionsVersion"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Credentials are only ever stored sealed.
type Credentials struct {
	Password string `json:"password,omitempty"`
}

// AuthTokens are the session material used against the Enlighten cloud.
type AuthTokens struct {
	Cookie      string `json:"cookie,omitempty"`
	SessionID   string `json:"sessionID,omitempty"`
	AccessToken string `json:"accessToken,omitempty"`
	// TokenExpiresAt is informational; refresh is driven by 401 responses.
	TokenExpiresAt *int64 `json:"tokenExpiresAt,omitempty"`
}

// RestoreState is the serialized state of a derived entity, keyed by its
// unique ID.
type RestoreState struct {
	UniqueID  string    `json:"uniqueID"`
	Data      []byte    `json:"data"`
	UpdatedAt time.Time `json:"updatedAt"`
}
