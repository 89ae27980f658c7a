package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tradematch/authority/internal/auth/cache"
	"github.com/tradematch/authority/internal/auth/domain"
	"github.com/tradematch/authority/internal/auth/store"
	"github.com/tradematch/authority/pkg/cryptox"
	"github.com/tradematch/authority/pkg/idx"
	"github.com/tradematch/authority/pkg/jwtx"
	"github.com/tradematch/authority/pkg/slogx"
)

const requestURIPrefix = "urn:request_uri:"

var (
	ErrLoginRequired  = errors.New("login_required")
	ErrInvalidRequest = errors.New("invalid_request")
)

// OIDCService implements the relying-party surface: pushed authorization
// requests, the authorization-code grant with PKCE, introspection and
// userinfo.
type OIDCService struct {
	Store      store.Store
	Cache      cache.Cache
	Tokens     *TokenService
	Sessions   *SessionService
	DPoP       *DPoPVerifier
	Verifier   jwtx.Verifier
	Audit      *slog.Logger
	CodeTTL    time.Duration
	PARTTL     time.Duration
	RequirePAR bool

	// RequireDPoP rejects code exchanges that arrive without a proof, so
	// every issued pair is sender-constrained.
	RequireDPoP bool
}

// PARRequest is the parameter set a client pushes ahead of /authorize.
type PARRequest struct {
	ResponseType        string
	ClientID            string
	ClientSecret        string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	ACRValues           string
}

// AuthorizeRequest is what /authorize resolves after authentication. Either
// RequestURI points at a pushed request, or the parameters arrive inline.
type AuthorizeRequest struct {
	RequestURI          string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string

	// Authenticated caller context.
	UserID    string
	SessionID string
	ACR       string
	AMR       []string
}

// AuthorizeCodeResponse carries what the redirect needs.
type AuthorizeCodeResponse struct {
	Code        string
	RedirectURI string
	State       string
}

// TokenRequest is the authorization_code exchange input.
type TokenRequest struct {
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	CodeVerifier string
}

// IntrospectionResponse follows RFC 7662, extended with the session and
// assurance claims relying parties need.
type IntrospectionResponse struct {
	Active    bool     `json:"active"`
	Sub       string   `json:"sub,omitempty"`
	Scope     string   `json:"scope,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
	Exp       int64    `json:"exp,omitempty"`
	Iat       int64    `json:"iat,omitempty"`
	SID       string   `json:"sid,omitempty"`
	ACR       string   `json:"acr,omitempty"`
	AMR       []string `json:"amr,omitempty"`
	Username  string   `json:"username,omitempty"`
}

// UserInfoResponse is the OIDC userinfo payload.
type UserInfoResponse struct {
	Sub               string `json:"sub"`
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email,omitempty"`
	EmailVerified     bool   `json:"email_verified"`
}

// Push validates and stores a pushed authorization request, returning the
// request_uri handle the client forwards to /authorize.
func (s *OIDCService) Push(ctx context.Context, req PARRequest) (string, int64, error) {
	if !strings.EqualFold(strings.TrimSpace(req.ResponseType), "code") {
		return "", 0, ErrInvalidRequest
	}

	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return "", 0, err
	}
	if !client.AllowsRedirect(req.RedirectURI) {
		return "", 0, ErrInvalidRequest
	}
	if req.CodeChallengeMethod != "S256" || req.CodeChallenge == "" {
		return "", 0, ErrInvalidRequest
	}

	handle, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return "", 0, err
	}
	requestURI := requestURIPrefix + handle

	pushed := domain.PushedRequest{
		RequestURI:          requestURI,
		ClientID:            client.ID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		State:               req.State,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ACRValues:           req.ACRValues,
		ExpiresAt:           time.Now().Add(s.PARTTL).Unix(),
	}
	blob, err := json.Marshal(pushed)
	if err != nil {
		return "", 0, err
	}
	if err := s.Cache.Set(ctx, requestURI, string(blob), s.PARTTL); err != nil {
		return "", 0, err
	}

	return requestURI, int64(s.PARTTL.Seconds()), nil
}

// Authorize mints a one-time authorization code for an authenticated user.
// A request_uri is consumed on use; inline parameters are rejected when PAR
// is enforced.
func (s *OIDCService) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeCodeResponse, error) {
	if req.UserID == "" {
		return nil, ErrLoginRequired
	}

	if req.RequestURI != "" {
		pushed, err := s.consumePushed(ctx, req.RequestURI)
		if err != nil {
			return nil, err
		}
		req.ClientID = pushed.ClientID
		req.RedirectURI = pushed.RedirectURI
		req.Scope = pushed.Scope
		req.State = pushed.State
		req.Nonce = pushed.Nonce
		req.CodeChallenge = pushed.CodeChallenge
		req.CodeChallengeMethod = pushed.CodeChallengeMethod
	} else if s.RequirePAR {
		return nil, ErrInvalidRequest
	}

	client, err := s.Store.Clients().GetClientByID(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidClient
		}
		return nil, err
	}
	if !client.AllowsRedirect(req.RedirectURI) {
		return nil, ErrInvalidRequest
	}
	if req.CodeChallengeMethod != "S256" || req.CodeChallenge == "" {
		return nil, ErrInvalidRequest
	}

	code, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return nil, err
	}

	if err := s.Store.AuthorizationCodes().CreateAuthorizationCode(ctx, domain.AuthorizationCode{
		ID:                  idx.New().String(),
		UserID:              req.UserID,
		ClientID:            client.ID,
		CodeHash:            cryptox.FingerprintToken(code),
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		SessionID:           req.SessionID,
		ACR:                 req.ACR,
		AMR:                 req.AMR,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ExpiresAt:           time.Now().Add(s.CodeTTL),
	}); err != nil {
		return nil, err
	}

	s.Audit.Info("authorization code issued",
		slog.String("user_id", req.UserID),
		slog.String("client_id", client.ID),
	)

	return &AuthorizeCodeResponse{
		Code:        code,
		RedirectURI: req.RedirectURI,
		State:       req.State,
	}, nil
}

// ExchangeCode implements the authorization_code grant. The code is consumed
// on first read regardless of outcome, so a failed exchange burns it. When a
// DPoP proof accompanies the request, the issued token is bound to the
// proof's key and reported as token_type DPoP.
func (s *OIDCService) ExchangeCode(ctx context.Context, req TokenRequest, r *http.Request) (*domain.TokenPair, error) {
	l := slogx.FromContext(ctx)

	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	code := strings.TrimSpace(req.Code)
	if code == "" || strings.TrimSpace(req.RedirectURI) == "" {
		return nil, ErrInvalidGrant
	}

	authCode, err := s.Store.AuthorizationCodes().ConsumeAuthorizationCode(ctx, cryptox.FingerprintToken(code))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidGrant
		}
		return nil, err
	}

	if authCode.ClientID != client.ID {
		return nil, ErrInvalidClient
	}
	if authCode.RedirectURI != req.RedirectURI {
		return nil, ErrInvalidGrant
	}
	if !verifyCodeVerifier(authCode.CodeChallenge, req.CodeVerifier) {
		return nil, ErrInvalidGrant
	}

	user, err := s.Store.Users().GetUserByID(ctx, authCode.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidGrant
		}
		return nil, err
	}

	var jkt string
	tokenType := "Bearer"
	if proof := r.Header.Get("DPoP"); proof != "" {
		jkt, err = s.DPoP.VerifyProof(ctx, proof, r, "", "")
		if err != nil {
			l.Info("dpop proof rejected at token endpoint", slog.Any("error", err))
			return nil, err
		}
		tokenType = "DPoP"
	} else if s.RequireDPoP {
		return nil, ErrDPoPInvalidProof
	}

	// amr is derived from the code's acr. The two-case mapping is a policy
	// placeholder, not a protocol requirement.
	amr := []string{jwtx.AMRPassword}
	if authCode.ACR == jwtx.ACRAAL2 {
		amr = []string{jwtx.AMRHardware, jwtx.AMRUser}
	}

	pair, err := s.Tokens.Issue(ctx, IssueParams{
		User:     user,
		ClientID: client.ID,
		Scope:    authCode.Scope,
		ACR:      authCode.ACR,
		AMR:      amr,
		JKT:      jkt,
	})
	if err != nil {
		return nil, err
	}
	pair.TokenType = tokenType
	return pair, nil
}

// Introspect re-verifies the access token against the signing keys and
// cross-checks the session registry, so revocation shows up before the JWT
// itself expires.
func (s *OIDCService) Introspect(ctx context.Context, token string) (IntrospectionResponse, error) {
	claims, err := s.Verifier.Verify(token)
	if err != nil {
		return IntrospectionResponse{Active: false}, nil
	}

	active := true
	if claims.SID != "" {
		ok, err := s.Sessions.IsActive(ctx, claims.SID)
		if err != nil {
			return IntrospectionResponse{}, err
		}
		active = ok
	}
	if !active {
		return IntrospectionResponse{Active: false}, nil
	}

	tokenType := "Bearer"
	if claims.Cnf != nil && claims.Cnf.Jkt != "" {
		tokenType = "DPoP"
	}

	resp := IntrospectionResponse{
		Active:    true,
		Sub:       claims.Subject,
		Scope:     claims.Scope,
		TokenType: tokenType,
		SID:       claims.SID,
		ACR:       claims.ACR,
		AMR:       claims.AMR,
		Username:  claims.Username,
	}
	if claims.ExpiresAt != nil {
		resp.Exp = claims.ExpiresAt.Unix()
	}
	if claims.IssuedAt != nil {
		resp.Iat = claims.IssuedAt.Unix()
	}
	if len(claims.Audience) > 0 {
		resp.ClientID = claims.Audience[0]
	}
	return resp, nil
}

// UserInfo resolves the standard claims for the token's subject.
func (s *OIDCService) UserInfo(ctx context.Context, userID string) (UserInfoResponse, error) {
	user, err := s.Store.Users().GetUserByID(ctx, userID)
	if err != nil {
		return UserInfoResponse{}, err
	}
	return UserInfoResponse{
		Sub:               user.ID,
		PreferredUsername: user.Username,
		Email:             user.Email,
		EmailVerified:     user.EmailVerified != nil,
	}, nil
}

func (s *OIDCService) authenticateClient(ctx context.Context, clientID, clientSecret string) (domain.Client, error) {
	client, err := s.Store.Clients().GetClientByID(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Client{}, ErrInvalidClient
		}
		return domain.Client{}, err
	}
	if client.SecretHash != "" {
		if clientSecret == "" || cryptox.VerifyPassword(clientSecret, client.SecretHash) != nil {
			return domain.Client{}, ErrInvalidClient
		}
	}
	return client, nil
}

func (s *OIDCService) consumePushed(ctx context.Context, requestURI string) (domain.PushedRequest, error) {
	if !strings.HasPrefix(requestURI, requestURIPrefix) {
		return domain.PushedRequest{}, ErrInvalidRequest
	}
	blob, err := s.Cache.Consume(ctx, requestURI)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return domain.PushedRequest{}, ErrInvalidRequest
		}
		return domain.PushedRequest{}, err
	}
	var pushed domain.PushedRequest
	if err := json.Unmarshal([]byte(blob), &pushed); err != nil {
		return domain.PushedRequest{}, ErrInvalidRequest
	}
	if time.Now().Unix() > pushed.ExpiresAt {
		return domain.PushedRequest{}, ErrInvalidRequest
	}
	return pushed, nil
}

// verifyCodeVerifier enforces PKCE S256: the stored challenge must equal the
// base64url SHA-256 of the presented verifier.
func verifyCodeVerifier(challenge, verifier string) bool {
	challenge = strings.TrimSpace(challenge)
	verifier = strings.TrimSpace(verifier)
	if challenge == "" || verifier == "" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	expected := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(challenge), []byte(expected)) == 1
}
