package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// AdminRole is the only role the admin API accepts.
const AdminRole = "admin"

// AdminTokenPayload is the data available when minting an operator token.
type AdminTokenPayload struct {
	Subject string
	JTI     string
}

// AdminClaims is the typed JWT carried by operator requests.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}
