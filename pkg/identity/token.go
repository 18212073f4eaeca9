package identity

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/crewplane/core/pkg/contracts"
)

// EngineClaims extends standard JWT claims with the engine authorization
// surface: the workspace the engine may act in, optionally restricted
// rooms, and an action allowlist.
type EngineClaims struct {
	jwt.RegisteredClaims
	PrincipalID  string   `json:"principal_id"`
	WorkspaceID  string   `json:"workspace_id"`
	AllowedRooms []string `json:"allowed_rooms,omitempty"`
	Actions      []string `json:"actions,omitempty"`
}

// EngineTokenManager mints and verifies engine tokens with an HMAC secret.
type EngineTokenManager struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
}

// NewEngineTokenManager creates a manager. ttl bounds the token lifetime;
// zero means tokens do not expire.
func NewEngineTokenManager(secret []byte, ttl time.Duration) *EngineTokenManager {
	return &EngineTokenManager{secret: secret, ttl: ttl, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (tm *EngineTokenManager) WithClock(clock func() time.Time) *EngineTokenManager {
	tm.clock = clock
	return tm
}

// Mint creates a signed engine token for a registered engine.
func (tm *EngineTokenManager) Mint(engine *Engine, allowedRooms, actions []string) (string, error) {
	now := tm.clock().UTC()
	claims := EngineClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       engine.EngineID,
			Subject:  engine.EngineID,
			IssuedAt: jwt.NewNumericDate(now),
			Issuer:   "crewplane/identity",
			Audience: jwt.ClaimStrings{"crewplane.engine"},
		},
		PrincipalID:  engine.PrincipalID,
		WorkspaceID:  engine.WorkspaceID,
		AllowedRooms: allowedRooms,
		Actions:      actions,
	}
	if tm.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(tm.ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
}

// Verify parses and validates an engine token. Expiry maps to
// engine_token_expired, every other parse failure to engine_token_invalid;
// both are 401 at the API boundary.
func (tm *EngineTokenManager) Verify(tokenString string) (*EngineClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &EngineClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return tm.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return tm.clock().UTC() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, contracts.NewError(contracts.ReasonEngineTokenExpired, "engine token expired")
		}
		return nil, contracts.NewError(contracts.ReasonEngineTokenInvalid, "engine token invalid")
	}
	claims, ok := token.Claims.(*EngineClaims)
	if !ok || !token.Valid {
		return nil, contracts.NewError(contracts.ReasonEngineTokenInvalid, "engine token invalid")
	}
	return claims, nil
}

// Authorize checks a verified claim set against the workspace and action
// the request targets.
func (tm *EngineTokenManager) Authorize(claims *EngineClaims, workspaceID, action string) error {
	if claims.WorkspaceID != workspaceID {
		return contracts.NewError(contracts.ReasonUnauthorizedWorkspace, "engine token not valid for workspace")
	}
	if len(claims.Actions) > 0 && !contains(claims.Actions, action) {
		return contracts.NewError(contracts.ReasonUnauthorizedWorkspace, "engine token does not allow "+action)
	}
	return nil
}
