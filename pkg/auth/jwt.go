package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jwalitptl/teletherapy-api/internal/model"
)

var ErrBadToken = errors.New("invalid token")

// Claims are carried by bearer access tokens. Subject is the user id.
type Claims struct {
	Role        model.Role `json:"role"`
	Name        string     `json:"name,omitempty"`
	TherapistID string     `json:"therapist_id,omitempty"`
	jwt.RegisteredClaims
}

// ChannelClaims authorize one user to join one call's video channel.
type ChannelClaims struct {
	CallID  string `json:"call_id"`
	Channel string `json:"channel"`
	jwt.RegisteredClaims
}

type ChannelGrant struct {
	Token     string    `json:"token"`
	Channel   string    `json:"channel"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Config struct {
	Secret        string
	Issuer        string
	GrantAudience string
	GrantTTL      time.Duration
}

type TokenService struct {
	secret   []byte
	issuer   string
	audience string
	grantTTL time.Duration
	now      func() time.Time
}

func NewTokenService(cfg Config) *TokenService {
	return &TokenService{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.GrantAudience,
		grantTTL: cfg.GrantTTL,
		now:      time.Now,
	}
}

func (s *TokenService) keyFunc(t *jwt.Token) (interface{}, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, ErrBadToken
	}
	return s.secret, nil
}

func (s *TokenService) parserOptions() []jwt.ParserOption {
	return []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
}

// IssueAccessToken signs a bearer token for actor.
func (s *TokenService) IssueAccessToken(actor model.Actor, ttl time.Duration) (string, error) {
	now := s.now()
	claims := Claims{
		Role: actor.Role,
		Name: actor.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.UserID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if actor.TherapistID != uuid.Nil {
		claims.TherapistID = actor.TherapistID.String()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ParseAccessToken verifies raw and returns the actor it names. Channel
// grants are rejected.
func (s *TokenService) ParseAccessToken(raw string) (model.Actor, error) {
	tok, err := jwt.ParseWithClaims(raw, &Claims{}, s.keyFunc, s.parserOptions()...)
	if err != nil {
		return model.Actor{}, fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	c, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return model.Actor{}, ErrBadToken
	}
	if slices.Contains(c.Audience, s.audience) {
		return model.Actor{}, fmt.Errorf("%w: channel grant used as access token", ErrBadToken)
	}
	role, err := model.ParseRole(string(c.Role))
	if err != nil {
		return model.Actor{}, fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	if c.Subject == "" || role == model.RoleSystem {
		return model.Actor{}, fmt.Errorf("%w: bad subject or role", ErrBadToken)
	}

	actor := model.Actor{UserID: c.Subject, Role: role, Name: c.Name}
	if c.TherapistID != "" {
		id, err := uuid.Parse(c.TherapistID)
		if err != nil {
			return model.Actor{}, fmt.Errorf("%w: bad therapist id", ErrBadToken)
		}
		actor.TherapistID = id
	}
	return actor, nil
}

// IssueChannelGrant signs a short-lived grant for userID to join the call's
// channel.
func (s *TokenService) IssueChannelGrant(call *model.CallDocument, userID string) (ChannelGrant, error) {
	now := s.now()
	expires := now.Add(s.grantTTL)
	claims := ChannelClaims{
		CallID:  call.ID,
		Channel: call.ChannelName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return ChannelGrant{}, fmt.Errorf("failed to sign channel grant: %w", err)
	}
	return ChannelGrant{Token: token, Channel: call.ChannelName, UserID: userID, ExpiresAt: expires}, nil
}

func (s *TokenService) ParseChannelGrant(raw string) (*ChannelClaims, error) {
	opts := append(s.parserOptions(), jwt.WithAudience(s.audience))
	tok, err := jwt.ParseWithClaims(raw, &ChannelClaims{}, s.keyFunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	c, ok := tok.Claims.(*ChannelClaims)
	if !ok || !tok.Valid {
		return nil, ErrBadToken
	}
	return c, nil
}
