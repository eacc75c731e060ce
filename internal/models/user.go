package models

import (
	"github.com/golang-jwt/jwt"
)

const (
	RoleChild  = "child"
	RoleParent = "parent"
	RoleAdmin  = "admin"
)

// Claims are issued by the auth module. UserID is the child's id for child
// accounts.
type Claims struct {
	UserID uint   `json:"user_id"`
	Role   string `json:"role"`
	jwt.StandardClaims
}

type contextKey string

// Context keys set by the auth middleware.
const (
	UserIDKey    contextKey = "user_id"
	RoleKey      contextKey = "role"
	RequestIDKey contextKey = "request_id"
)
