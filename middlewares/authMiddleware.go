package middlewares

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/vas_recon/utils"
)

type authString string

// AuthMiddleware validates the bearer token, if any, and records the actor on
// the request context. Routes that need an actor use RequireRole. Paths in
// skip carry tokens from another issuer and verify them themselves.
func AuthMiddleware(skip ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.Request.Header.Get("Authorization")

		if auth == "" || slices.Contains(skip, c.Request.URL.Path) {
			c.Next()
			return
		}

		bearer := "Bearer "
		if !strings.HasPrefix(auth, bearer) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		auth = auth[len(bearer):]

		validate, err := utils.JwtValidate(auth)
		if err != nil || !validate.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		customClaim, _ := validate.Claims.(*utils.JwtCustomClaim)
		if customClaim == nil || customClaim.ActorId == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := context.WithValue(c.Request.Context(), authString("auth"), customClaim)
		ctx = utils.SetActorInContext(ctx, utils.ActorTypeUser, customClaim.ActorId)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func CtxValue(ctx context.Context) *utils.JwtCustomClaim {
	raw, _ := ctx.Value(authString("auth")).(*utils.JwtCustomClaim)
	return raw
}

// RequireRole rejects requests without a token (401) or whose role is not in
// roles (403). Admins pass every check.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claim := CtxValue(c.Request.Context())
		if claim == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		if claim.Role == utils.RoleAdmin {
			c.Next()
			return
		}
		for _, r := range roles {
			if claim.Role == r {
				c.Next()
				return
			}
		}
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		c.Abort()
	}
}

// RequireSupplierScope lets a supplier token through only when its
// supplier_code equals the route's param. Other roles that passed
// RequireRole are unaffected.
func RequireSupplierScope(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claim := CtxValue(c.Request.Context())
		if claim == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		if claim.Role == utils.RoleSupplier && claim.SupplierCode != strings.TrimSpace(c.Param(param)) {
			c.JSON(http.StatusForbidden, gin.H{"error": "token is not issued for this supplier"})
			c.Abort()
			return
		}
		c.Next()
	}
}
