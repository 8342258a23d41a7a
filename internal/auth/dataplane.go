package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/dunia/mcp-gateway/internal/database"
)

var (
	// ErrUserDisabled is returned when a dataplane token resolves to a user
	// whose status is not Enabled.
	ErrUserDisabled = errors.New("user account is disabled")
	// ErrUserExpired is returned when a dataplane token resolves to a user
	// past its ExpiresAt.
	ErrUserExpired = errors.New("user account has expired")
)

var legacyTokenPattern = regexp.MustCompile(`^[0-9a-fA-F]{128}$`)

// AuthContextKey is the context key AuthenticateDataplane stores the
// resolved AuthContext under.
const AuthContextKey contextKey = "auth_context"

// AuthContextRefreshInterval is the minimum interval between authContext
// refreshes on a long-lived session, per the admission contract's session
// attachment rule.
const AuthContextRefreshInterval = 5 * time.Minute

// AuthContext is the identity and entitlement snapshot produced by
// authenticating a dataplane (/mcp) request. It carries everything the
// Capability Service and Request Router need without a repeated user
// lookup on every forward call, and is refreshed at least every
// AuthContextRefreshInterval while a session stays attached.
type AuthContext struct {
	UserID          uuid.UUID
	MaskedToken     string
	Role            string
	Groups          []string
	Status          database.UserStatus
	Permissions     map[string]database.ServerPermissionSet
	Preferences     map[string]database.ServerPermissionSet
	LaunchConfigs   map[string]string
	AuthenticatedAt time.Time
	ExpiresAt       *time.Time
	RateLimit       int
}

func maskToken(token string) string {
	if len(token) <= 16 {
		return strings.Repeat("*", len(token))
	}
	return token[:8] + "…" + token[len(token)-8:]
}

// AuthenticateDataplane validates the two token formats accepted on the MCP
// dataplane: a 128-hex legacy token and a three-segment JWT. Detection is
// by format; an ambiguous token is tried as JWT first, then as legacy.
func (m *Middleware) AuthenticateDataplane(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := bearerToken(r)
		if tokenString == "" {
			writeDataplaneAuthError(w, "invalid_token", "Authorization header required")
			return
		}

		authCtx, err := m.authenticateDataplaneToken(r.Context(), tokenString)
		if err != nil {
			switch err {
			case ErrUserDisabled, ErrUserExpired:
				http.Error(w, err.Error(), http.StatusForbidden)
			default:
				writeDataplaneAuthError(w, "invalid_token", "Invalid token")
			}
			return
		}

		ctx := context.WithValue(r.Context(), AuthContextKey, authCtx)
		ctx = context.WithValue(ctx, UserIDKey, authCtx.UserID)
		ctx = context.WithValue(ctx, UserRoleKey, authCtx.Role)
		ctx = context.WithValue(ctx, UserGroupsKey, authCtx.Groups)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Middleware) authenticateDataplaneToken(ctx context.Context, tokenString string) (*AuthContext, error) {
	if claims, jerr := m.jwtManager.ValidateToken(tokenString); jerr == nil {
		userID, uerr := claims.GetUserID()
		if uerr != nil {
			return nil, ErrInvalidToken
		}
		return m.buildAuthContext(ctx, userID, tokenString)
	}

	if !legacyTokenPattern.MatchString(tokenString) {
		return nil, ErrInvalidToken
	}

	sum := sha256.Sum256([]byte(tokenString))
	userID, perr := uuid.Parse(hex.EncodeToString(sum[:16]))
	if perr != nil {
		return nil, ErrInvalidToken
	}
	return m.buildAuthContext(ctx, userID, tokenString)
}

func (m *Middleware) buildAuthContext(ctx context.Context, userID uuid.UUID, tokenString string) (*AuthContext, error) {
	user, err := m.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if user.Status != database.UserStatusEnabled {
		return nil, ErrUserDisabled
	}
	if user.IsExpired(time.Now()) {
		return nil, ErrUserExpired
	}

	return &AuthContext{
		UserID:          user.ID,
		MaskedToken:     maskToken(tokenString),
		Role:            user.Role,
		Groups:          user.Groups,
		Status:          user.Status,
		Permissions:     user.Permissions,
		Preferences:     user.UserPreferences,
		LaunchConfigs:   user.LaunchConfigs,
		AuthenticatedAt: time.Now(),
		ExpiresAt:       user.ExpiresAt,
		RateLimit:       user.RateLimit,
	}, nil
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func writeDataplaneAuthError(w http.ResponseWriter, errCode, msg string) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="mcp-gateway", error=%q, error_description=%q`, errCode, msg))
	http.Error(w, msg, http.StatusUnauthorized)
}

// GetAuthContext extracts the AuthContext a dataplane request authenticated with.
func GetAuthContext(ctx context.Context) (*AuthContext, bool) {
	authCtx, ok := ctx.Value(AuthContextKey).(*AuthContext)
	return authCtx, ok
}
