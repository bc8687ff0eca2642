package delayed

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

const signatureIssuer = "Upstash"

// SignatureHeader carries the JWT on callbacks.
const SignatureHeader = "Upstash-Signature"

type signatureClaims struct {
	Body string `json:"body"`
	jwt.RegisteredClaims
}

// Verifier checks callback signatures against the current signing key and
// falls back to the next one during key rotation.
type Verifier struct {
	current []byte
	next    []byte
	url     string
}

// NewVerifier returns nil when no keys are set. When url is non-empty the
// token subject must equal it.
func NewVerifier(current, next, url string) *Verifier {
	if current == "" && next == "" {
		return nil
	}
	return &Verifier{current: []byte(current), next: []byte(next), url: url}
}

func (v *Verifier) Verify(signature string, body []byte) error {
	if v == nil {
		return nil
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return fmt.Errorf("%w: %s header missing", ErrBadSignature, SignatureHeader)
	}
	var errs []error
	for _, key := range [][]byte{v.current, v.next} {
		if len(key) == 0 {
			continue
		}
		err := v.verifyWith(key, signature, body)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return fmt.Errorf("%w: %w", ErrBadSignature, errors.Join(errs...))
}

func (v *Verifier) verifyWith(key []byte, signature string, body []byte) error {
	var claims signatureClaims
	_, err := jwt.ParseWithClaims(signature, &claims, func(*jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return err
	}
	if claims.Issuer != signatureIssuer {
		return fmt.Errorf("issuer %q", claims.Issuer)
	}
	if v.url != "" && claims.Subject != v.url {
		return fmt.Errorf("subject %q does not match %q", claims.Subject, v.url)
	}
	if strings.TrimRight(claims.Body, "=") != bodyHash(body) {
		return errors.New("body hash mismatch")
	}
	return nil
}

func bodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Sign produces a token in the same format the delivery service uses. It
// lets a local publisher or a test stand in for it.
func Sign(key, url string, body []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := signatureClaims{
		Body: bodyHash(body),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    signatureIssuer,
			Subject:   url,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
}
