package usertoken

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	// GoogleSecureTokenJWKSURL publishes the keys that sign Firebase ID tokens.
	GoogleSecureTokenJWKSURL = "https://www.googleapis.com/service_accounts/v1/jwk/securetoken@system.gserviceaccount.com"

	secureTokenIssuerPrefix = "https://securetoken.google.com/"
	defaultLeeway           = 30 * time.Second
	defaultJWKSCacheTTL     = 5 * time.Minute
	defaultMinRefresh       = 30 * time.Second
)

var (
	// ErrMalformed is returned when the Authorization header is missing or is
	// not of the form "Bearer <token>".
	ErrMalformed = errors.New("authorization token is missing or invalid")
	// ErrInvalid is returned for tokens that fail signature, expiry, issuer,
	// audience or subject checks.
	ErrInvalid = errors.New("invalid token")

	errUnknownKey = errors.New("unknown token key")
)

// Claims is the verified identity attached to one request.
type Claims struct {
	Subject     string
	PhoneNumber string
}

// Config configures ID-token verification.
type Config struct {
	// ProjectID derives Firebase issuer/audience defaults when set.
	ProjectID  string
	JWKSURL    string
	Issuer     string
	Audience   string
	Leeway     time.Duration
	HTTPClient *http.Client
	// MinRefreshInterval bounds how often unknown kids or expired keys may
	// trigger a JWKS fetch. Defaults to 30s.
	MinRefreshInterval time.Duration
}

// Verifier validates bearer ID tokens (RS256 + JWKS) and extracts claims.
// The key set is shared by all requests and refreshed on unknown kid or expiry.
type Verifier struct {
	issuer     string
	audience   string
	leeway     time.Duration
	jwksURL    string
	httpClient *http.Client
	minRefresh time.Duration

	refreshMu sync.Mutex

	mu           sync.RWMutex
	rsaKeys      map[string]any
	keysExpire   time.Time
	lastFetchTry time.Time
}

type idTokenClaims struct {
	jwt.RegisteredClaims
	UserID      string `json:"user_id,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

// NewVerifier creates a token verifier and loads the initial key set.
func NewVerifier(cfg Config) (*Verifier, error) {
	projectID := strings.TrimSpace(cfg.ProjectID)
	issuer := strings.TrimSpace(cfg.Issuer)
	audience := strings.TrimSpace(cfg.Audience)
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if projectID != "" {
		if issuer == "" {
			issuer = secureTokenIssuerPrefix + projectID
		}
		if audience == "" {
			audience = projectID
		}
		if jwksURL == "" {
			jwksURL = GoogleSecureTokenJWKSURL
		}
	}
	if issuer == "" || audience == "" {
		return nil, errors.New("token verifier requires projectID or issuer and audience")
	}
	if jwksURL == "" {
		return nil, errors.New("token verifier requires jwksURL")
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}

	minRefresh := cfg.MinRefreshInterval
	if minRefresh <= 0 {
		minRefresh = defaultMinRefresh
	}

	v := &Verifier{
		issuer:     issuer,
		audience:   audience,
		leeway:     leeway,
		jwksURL:    jwksURL,
		minRefresh: minRefresh,
	}
	if cfg.HTTPClient != nil {
		v.httpClient = cfg.HTTPClient
	} else {
		v.httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	if err := v.refreshJWKS(context.Background()); err != nil {
		return nil, err
	}
	return v, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if !strings.HasPrefix(header, "Bearer ") {
		return "", ErrMalformed
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", ErrMalformed
	}
	return token, nil
}

// Verify checks a raw Authorization header value and returns the caller's claims.
func (v *Verifier) Verify(ctx context.Context, header string) (Claims, error) {
	token, err := BearerToken(header)
	if err != nil {
		return Claims{}, err
	}
	return v.VerifyToken(ctx, token)
}

// VerifyToken validates a bare token.
func (v *Verifier) VerifyToken(ctx context.Context, token string) (Claims, error) {
	claims, err := v.verifyJWKS(ctx, token)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		subject = strings.TrimSpace(claims.UserID)
	}
	if subject == "" {
		return Claims{}, fmt.Errorf("%w: token subject missing", ErrInvalid)
	}
	return Claims{
		Subject:     subject,
		PhoneNumber: strings.TrimSpace(claims.PhoneNumber),
	}, nil
}

func (v *Verifier) verifyJWKS(ctx context.Context, token string) (idTokenClaims, error) {
	claims, err := v.parseJWKS(token)
	if err == nil {
		return claims, nil
	}
	if !errors.Is(err, errUnknownKey) && !v.keysExpired() {
		return claims, err
	}
	refreshed, refreshErr := v.refreshThrottled(ctx)
	if refreshErr != nil {
		return claims, refreshErr
	}
	if !refreshed {
		return claims, err
	}
	return v.parseJWKS(token)
}

// refreshThrottled refetches the key set at most once per minRefresh.
// It reports whether a fetch happened.
func (v *Verifier) refreshThrottled(ctx context.Context) (bool, error) {
	v.refreshMu.Lock()
	defer v.refreshMu.Unlock()
	v.mu.RLock()
	recent := time.Since(v.lastFetchTry) < v.minRefresh
	v.mu.RUnlock()
	if recent {
		return false, nil
	}
	return true, v.refreshJWKS(ctx)
}

func (v *Verifier) parseJWKS(token string) (idTokenClaims, error) {
	claims := idTokenClaims{}
	keys := v.copyKeys()
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		kid = strings.TrimSpace(kid)
		if kid == "" {
			return nil, errUnknownKey
		}
		key, ok := keys[kid]
		if !ok {
			return nil, errUnknownKey
		}
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil || !parsed.Valid {
		if err == nil {
			err = errors.New("invalid token")
		}
		return claims, err
	}
	return claims, nil
}

func (v *Verifier) keysExpired() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return time.Now().UTC().After(v.keysExpire)
}

func (v *Verifier) copyKeys() map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]any, len(v.rsaKeys))
	for kid, key := range v.rsaKeys {
		out[kid] = key
	}
	return out
}

func (v *Verifier) refreshJWKS(ctx context.Context) error {
	v.mu.Lock()
	v.lastFetchTry = time.Now()
	v.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return err
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}

	var payload struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]any, len(payload.Keys))
	for _, k := range payload.Keys {
		if strings.ToUpper(strings.TrimSpace(k.Kty)) != "RSA" {
			continue
		}
		kid := strings.TrimSpace(k.Kid)
		if kid == "" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			continue
		}
		keys[kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("jwks contains no usable rsa keys")
	}

	ttl := parseCacheMaxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = defaultJWKSCacheTTL
	}

	v.mu.Lock()
	v.rsaKeys = keys
	v.keysExpire = time.Now().UTC().Add(ttl)
	v.mu.Unlock()
	return nil
}

func parseRSAPublicKey(nRaw, eRaw string) (any, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(nRaw))
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(eRaw))
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nBytes)
	eBig := new(big.Int).SetBytes(eBytes)
	if n.Sign() <= 0 || !eBig.IsInt64() {
		return nil, errors.New("invalid rsa key")
	}
	e := int(eBig.Int64())
	if e <= 0 {
		return nil, errors.New("invalid rsa exponent")
	}
	return &rsa.PublicKey{N: n, E: e}, nil
}

func parseCacheMaxAge(cacheControl string) time.Duration {
	cacheControl = strings.TrimSpace(cacheControl)
	if cacheControl == "" {
		return 0
	}
	for _, part := range strings.Split(cacheControl, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if !strings.HasPrefix(part, "max-age=") {
			continue
		}
		raw := strings.TrimSpace(strings.TrimPrefix(part, "max-age="))
		secs, err := time.ParseDuration(raw + "s")
		if err != nil {
			return 0
		}
		return secs
	}
	return 0
}
