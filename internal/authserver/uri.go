package authserver

import "net/url"

// composeVerificationURI appends the user code to the provider's
// verification URI as a query parameter, producing the optional
// verification_uri_complete value per RFC 8628 section 3.3.1. The provider
// only supplies the base URI, so the composition happens here.
func composeVerificationURI(verificationURI, userCode string) string {
	u, err := url.Parse(verificationURI)
	if err != nil || userCode == "" {
		return ""
	}
	q := u.Query()
	q.Set("user_code", userCode)
	u.RawQuery = q.Encode()
	return u.String()
}
