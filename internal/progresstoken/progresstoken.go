// Package progresstoken issues and verifies the opaque progress tokens
// handed back alongside a job id, so a caller can authenticate to the
// SSE stream and job_status endpoints without a KB round trip. Tokens
// are symmetric HS256-signed JWTs since there is no external IdP in
// this deployment.
package progresstoken

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/deepresearch/orchestrator/internal/errs"
)

// Issuer mints and verifies progress tokens bound to a single job id.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// New constructs an Issuer. secret must be non-empty; ttl defaults to 2h.
func New(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

type claims struct {
	JobID string `json:"jobId"`
	jwt.RegisteredClaims
}

// Issue mints a signed token binding jobID to the issuance time.
func (i *Issuer) Issue(jobID string) (string, error) {
	now := time.Now().UTC()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		JobID: jobID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	})
	signed, err := tok.SignedString(i.secret)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, "sign progress token", err)
	}
	return signed, nil
}

// Verify checks a token's signature and expiry, returning the bound job
// id. It does not check the token against the jobID the caller expects;
// callers compare the returned id themselves so a mismatch reads as a
// clear validation error rather than a generic auth failure.
func (i *Issuer) Verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	if err != nil || !parsed.Valid {
		return "", errs.Validationf("invalid or expired progress token")
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || c.JobID == "" {
		return "", errs.Validationf("progress token missing jobId claim")
	}
	return c.JobID, nil
}
