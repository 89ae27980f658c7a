package domain

import "time"

// CredentialKind distinguishes the second-factor credential types a user can
// enrol.
type CredentialKind string

const (
	CredentialTOTP     CredentialKind = "totp"
	CredentialWebAuthn CredentialKind = "webauthn"
)

// CredentialStatus tracks the enrolment lifecycle. A pending credential has
// been provisioned but not yet confirmed with a valid response.
type CredentialStatus string

const (
	CredentialPending CredentialStatus = "pending"
	CredentialActive  CredentialStatus = "active"
)

// Credential is one enrolled second factor. For TOTP the Secret holds the
// sealed base32 secret and Counter the last accepted time step. For WebAuthn
// the Secret holds the marshalled credential record and Counter the signature
// counter.
type Credential struct {
	ID           string
	UserID       string
	Kind         CredentialKind
	Status       CredentialStatus
	Label        string
	Secret       []byte // sealed (TOTP) or CBOR-backed JSON (WebAuthn)
	CredentialID []byte // WebAuthn credential ID, nil for TOTP
	Counter      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastUsedAt   *time.Time
}

// TOTPEnrollment is returned from TOTP provisioning: everything the client
// needs to render the QR and confirm.
type TOTPEnrollment struct {
	CredentialID string `json:"credential_id"`
	Secret       string `json:"secret"`  // base32, shown once
	URI          string `json:"uri"`     // otpauth:// provisioning URI
	QRCode       string `json:"qr_code"` // data: URL containing a PNG
}
