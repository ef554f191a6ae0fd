// Package auth guards the push API with HS256 bearer tokens.
//
// Tokens are minted by `skillbot token` with the configured auth.jwt_secret and
// carry the caller name in the "sub" claim:
//
//	v := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
//	token, err := v.Generate("crm-sync", 24*time.Hour)
//
// RequireBearer wraps an http.Handler, rejecting requests without a valid
// token and attaching the subject to the request context for handlers and
// logs (see SubjectFromContext).
package auth
