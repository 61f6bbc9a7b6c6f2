package auth

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

func extractBearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// JWTMiddleware attaches the caller's identity to the request context.
// Missing or invalid tokens yield a guest; handlers decide what guests may do.
func JWTMiddleware(secret string, log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx := &Context{Roles: []string{Guest}}
		if tokenStr := extractBearerToken(r.Header.Get("Authorization")); tokenStr != "" {
			parsed, err := ParseAndExtractAuthContext(tokenStr, secret)
			if err != nil {
				log.Debug("Rejected bearer token", zap.Error(err))
			} else {
				authCtx = parsed
			}
		}
		next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), authCtx)))
	})
}
