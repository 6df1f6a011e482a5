package middleware

const (
	// ContextAPIKey is the gin.Context key holding the resolved *rbac.APIKey.
	ContextAPIKey = "api_key"
	// ContextIdentity is the credential value, used as the rate-limit and
	// cache scope.
	ContextIdentity = "identity"
	// ContextUserID is the user id attached to the credential, if any.
	ContextUserID = "user_id"
)

// ValidationCacheKey is the store key caching a resolved credential. Logout
// and key deletion must purge it so revocation takes effect immediately.
func ValidationCacheKey(secret string) string {
	return "auth:api_key:" + secret
}
