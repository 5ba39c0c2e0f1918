package objectstore

import "fmt"

// Key kinds for the tenant-prefixed layout spec.md §4.3 mandates:
// `{kind}/{tenant}/{project}/{session}/{filename}`.
const (
	KindScreenshot  = "screenshot"
	KindLogBundle   = "log-bundle"
	KindVerifyAsset = "verify-asset"
)

// BuildKey constructs a key in the mandated shape. Callers should use this
// instead of formatting ad hoc strings so every key the gateway ever sees
// passes RequireTenantPrefix by construction.
func BuildKey(kind, tenantID, projectID, sessionID, filename string) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", kind, tenantID, projectID, sessionID, filename)
}
