package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidCredential is wrapped by every token or header failure.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrAccountDisabled is returned when a valid token or login resolves to an inactive account.
	ErrAccountDisabled = errors.New("user account is disabled")
)

// Identity holds the caller identity resolved from a token.
type Identity struct {
	UserID string
	// Username is only populated for tokens issued by an external OIDC provider.
	Username string
	External bool
}

// Gate issues and verifies the service's signed access tokens.
type Gate struct {
	secret    []byte
	method    jwt.SigningMethod
	verifyExp bool
	leeway    time.Duration
	ttl       time.Duration
	verifier  *oidc.IDTokenVerifier
	now       func() time.Time
}

// NewGate builds a Gate from config. When OIDCIssuer is set the provider is
// discovered once and used as a fallback verifier.
func NewGate(cfg *config.Config) (*Gate, error) {
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	method := jwt.GetSigningMethod(strings.ToUpper(cfg.JWTAlgorithm))
	if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unsupported jwt algorithm %q; valid: [HS256 HS384 HS512]", cfg.JWTAlgorithm)
	}
	return &Gate{
		secret:    []byte(cfg.JWTSecret),
		method:    method,
		verifyExp: cfg.JWTVerifyExpiration,
		leeway:    cfg.JWTLeeway,
		ttl:       cfg.JWTExpirationDelta,
		verifier:  newOIDCVerifier(cfg),
		now:       time.Now,
	}, nil
}

// Issue signs a token carrying the user id.
func (g *Gate) Issue(userID string) (string, error) {
	now := g.now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"iat":     now.Unix(),
		"exp":     now.Add(g.ttl).Unix(),
	}
	signed, err := jwt.NewWithClaims(g.method, claims).SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the token signature and expiry and returns the caller identity.
func (g *Gate) Verify(ctx context.Context, token string) (*Identity, error) {
	id, err := g.verifyLocal(token)
	if err == nil {
		return id, nil
	}
	if g.verifier != nil && strings.Count(token, ".") >= 2 {
		if ext, oidcErr := g.verifyOIDC(ctx, token); oidcErr == nil {
			return ext, nil
		}
	}
	return nil, err
}

func (g *Gate) verifyLocal(token string) (*Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{g.method.Alg()}),
		jwt.WithLeeway(g.leeway),
		jwt.WithJSONNumber(),
		jwt.WithTimeFunc(g.now),
	}
	if g.verifyExp {
		opts = append(opts, jwt.WithExpirationRequired())
	} else {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return g.secret, nil
	}, opts...)
	if err != nil {
		return nil, errors.Join(ErrInvalidCredential, err)
	}
	userID, ok := normalizeUserID(claims["user_id"])
	if !ok {
		return nil, fmt.Errorf("%w: token has no user_id claim", ErrInvalidCredential)
	}
	return &Identity{UserID: userID}, nil
}

func (g *Gate) verifyOIDC(ctx context.Context, token string) (*Identity, error) {
	idToken, err := g.verifier.Verify(ctx, token)
	if err != nil {
		return nil, errors.Join(ErrInvalidCredential, err)
	}
	// Prefer "preferred_username", then "upn", then "sub".
	var claims struct {
		Sub               string `json:"sub"`
		PreferredUsername string `json:"preferred_username"`
		UPN               string `json:"upn"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, errors.Join(ErrInvalidCredential, err)
	}
	userID := claims.PreferredUsername
	if userID == "" {
		userID = claims.UPN
	}
	if userID == "" {
		userID = claims.Sub
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: token missing identity claims", ErrInvalidCredential)
	}
	return &Identity{UserID: userID, Username: userID, External: true}, nil
}

// normalizeUserID accepts string and integral numeric claims.
func normalizeUserID(v any) (string, bool) {
	switch id := v.(type) {
	case string:
		return id, id != ""
	case json.Number:
		if i, err := id.Int64(); err == nil {
			return strconv.FormatInt(i, 10), true
		}
		return "", false
	case float64:
		if id != math.Trunc(id) {
			return "", false
		}
		return strconv.FormatInt(int64(id), 10), true
	default:
		return "", false
	}
}

func newOIDCVerifier(cfg *config.Config) *oidc.IDTokenVerifier {
	oidcIssuer := cfg.OIDCIssuer
	if oidcIssuer == "" {
		return nil
	}
	ctx := context.Background()
	expectedIssuer := oidcIssuer
	discoveryURL := cfg.OIDCDiscoveryURL
	if discoveryURL != "" && discoveryURL != oidcIssuer {
		// NewProvider fetches from its issuer arg, so pass the discovery URL there and
		// accept the mismatched issuer in the discovery document.
		ctx = oidc.InsecureIssuerURLContext(ctx, oidcIssuer)
		oidcIssuer = discoveryURL
	}
	provider, err := oidc.NewProvider(ctx, oidcIssuer)
	if err != nil {
		log.Error("Failed to initialize OIDC provider; only local tokens will be accepted", "issuer", oidcIssuer, "err", err)
		return nil
	}
	var verifier *oidc.IDTokenVerifier
	if expectedIssuer != oidcIssuer {
		var providerClaims struct {
			JWKSURI string `json:"jwks_uri"`
		}
		if err := provider.Claims(&providerClaims); err == nil && providerClaims.JWKSURI != "" {
			keySet := oidc.NewRemoteKeySet(ctx, providerClaims.JWKSURI)
			verifier = oidc.NewVerifier(expectedIssuer, keySet, &oidc.Config{SkipClientIDCheck: true})
		}
	}
	if verifier == nil {
		verifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	}
	log.Info("OIDC auth enabled", "issuer", expectedIssuer)
	return verifier
}
