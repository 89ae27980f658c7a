package domain

// StepUpChallengeResponse is returned when authentication succeeded on the
// first factor but the policy demands a second one. The step-up token is a
// short-lived JWT scoped to the step-up endpoints only.
type StepUpChallengeResponse struct {
	StepUpRequired bool     `json:"stepup_required"` // always true
	StepUpToken    string   `json:"stepup_token"`
	Methods        []string `json:"methods"` // e.g. ["totp", "webauthn"]
}
