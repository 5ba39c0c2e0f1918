package secretstore

// Kind identifies what sort of value is being encrypted, cached, or masked.
// Credential kinds (everything but KindAPIKey) additionally carry a network
// id so the cache can isolate one test site's credentials from another's.
type Kind string

const (
	KindAPIKey     Kind = "api_key"
	KindUsername   Kind = "username"
	KindPassword   Kind = "password"
	KindTOTPSecret Kind = "totp_secret"
)

// credentialKinds is the set invalidated together when a network's
// credentials are rotated.
var credentialKinds = []Kind{KindUsername, KindPassword, KindTOTPSecret}
