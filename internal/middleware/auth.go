package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"wa-gateway/internal/auth"
)

const identityContextKey = "identity"

func IdentityFromContext(c *gin.Context) (auth.Identity, bool) {
	v, ok := c.Get(identityContextKey)
	if !ok {
		return auth.Identity{}, false
	}
	id, ok := v.(auth.Identity)
	return id, ok && id.UserID != ""
}

// RequireAuth extracts either a bearer token or a device key and runs the
// gate. Both absent or invalid aborts with 401 before the handler runs.
func RequireAuth(gate *auth.Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		creds := auth.Credentials{
			DeviceKey: c.GetHeader("X-Api-Key"),
		}
		authHeader := c.GetHeader("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			creds.Bearer = parts[1]
		}

		identity, err := gate.Authenticate(c.Request.Context(), creds)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			c.Abort()
			return
		}

		c.Set(identityContextKey, identity)
		c.Next()
	}
}
