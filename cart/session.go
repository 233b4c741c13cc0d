package cart

// Session identifies an authenticated storefront account. The coordinator
// only looks at whether a usable session is present; issuing and expiring
// tokens belongs to the auth flow.
type Session struct {
	AccountID   string `json:"id"`
	Token       string `json:"-"`
	DisplayName string `json:"name"`
	Email       string `json:"email,omitempty"`
}

// Authenticated reports whether s carries a bearer token.
func (s *Session) Authenticated() bool {
	return s != nil && s.Token != ""
}
