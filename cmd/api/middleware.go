package main

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/adeyinka/coopledger/pkg/auth"
	"github.com/adeyinka/coopledger/pkg/models"
)

type contextKey string

const claimsKey contextKey = "claims"

// authMiddleware verifies the bearer token and stashes its claims on the
// request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			s.respond(w, http.StatusUnauthorized, errorBody{Error: "missing bearer token"})
			return
		}
		claims, err := s.tokens.ParseToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			s.respond(w, http.StatusUnauthorized, errorBody{Error: "invalid or expired token"})
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFrom(r *http.Request) *auth.Claims {
	claims, _ := r.Context().Value(claimsKey).(*auth.Claims)
	return claims
}

// adminOnly rejects requests whose token does not carry the admin role.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFrom(r)
		if claims == nil || claims.Role != models.RoleAdmin {
			s.respond(w, http.StatusForbidden, errorBody{Error: "admin access required"})
			return
		}
		next(w, r)
	}
}

// selfOrAdmin allows admins through and members only when the {id} path
// variable is their own.
func (s *Server) selfOrAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFrom(r)
		if claims == nil {
			s.respond(w, http.StatusUnauthorized, errorBody{Error: "missing bearer token"})
			return
		}
		if claims.Role != models.RoleAdmin {
			id, err := uuid.Parse(mux.Vars(r)["id"])
			if err != nil || id != claims.MemberID {
				s.respond(w, http.StatusForbidden, errorBody{Error: "access denied"})
				return
			}
		}
		next(w, r)
	}
}
