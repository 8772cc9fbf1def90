package utils

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dgrijalva/jwt-go"
)

const (
	RoleReviewer = "reviewer"
	RoleAdmin    = "admin"
	RoleViewer   = "viewer"
	// RoleSupplier is issued to supplier integrations that push files.
	RoleSupplier = "supplier"
)

type JwtCustomClaim struct {
	ActorId string `json:"actor_id"`
	Role    string `json:"role"`
	// SupplierCode binds a supplier token to one supplier's ingest routes.
	SupplierCode string `json:"supplier_code,omitempty"`
	jwt.StandardClaims
}

var jwtSecret = []byte(getJwtSecret())

func getJwtSecret() string {
	secret := os.Getenv("API_SECRET")
	if secret == "" {
		return "VasRecon-Secret"
	}
	return secret
}

func JwtGenerate(actorId string, role string) (string, error) {
	return jwtSign(&JwtCustomClaim{ActorId: actorId, Role: role})
}

// JwtGenerateSupplier issues a supplier token that may only submit files for
// supplierCode.
func JwtGenerateSupplier(actorId string, supplierCode string) (string, error) {
	return jwtSign(&JwtCustomClaim{ActorId: actorId, Role: RoleSupplier, SupplierCode: supplierCode})
}

func jwtSign(claim *JwtCustomClaim) (string, error) {
	tokenLifespan, err := strconv.Atoi(os.Getenv("TOKEN_HOUR_LIFESPAN"))
	if err != nil || tokenLifespan <= 0 {
		tokenLifespan = 8
	}
	claim.StandardClaims = jwt.StandardClaims{
		ExpiresAt: time.Now().Add(time.Hour * time.Duration(tokenLifespan)).Unix(),
		IssuedAt:  time.Now().Unix(),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claim).SignedString(jwtSecret)
	if err != nil {
		return "", err
	}
	return token, nil
}

func JwtValidate(token string) (*jwt.Token, error) {
	return jwt.ParseWithClaims(token, &JwtCustomClaim{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("there's a problem with the signing method")
		}
		return jwtSecret, nil
	})
}
