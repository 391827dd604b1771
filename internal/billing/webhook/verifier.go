package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	billingdomain "github.com/fanhive/fanhive/internal/billing/domain"
	"github.com/fanhive/fanhive/internal/clock"
	"go.uber.org/zap"
)

// SecretPolicy decides what happens when no signing secret is configured.
// Production must never silently accept unsigned events; local and test
// environments have no trusted secret to verify against.
type SecretPolicy int

const (
	// PolicyPermissive logs and accepts unsigned events.
	PolicyPermissive SecretPolicy = iota
	// PolicyEnforce treats a missing secret as a fatal configuration error.
	PolicyEnforce
)

// maxSignatureSkew bounds how far a signed timestamp may drift from the
// server clock. Replays outside this window are rejected.
const maxSignatureSkew = 5 * time.Minute

// Verifier checks the timestamped HMAC signature on inbound event bodies.
type Verifier struct {
	secret string
	policy SecretPolicy
	clock  clock.Clock
	log    *zap.Logger
}

func NewVerifier(secret string, policy SecretPolicy, clk clock.Clock, log *zap.Logger) *Verifier {
	return &Verifier{
		secret: strings.TrimSpace(secret),
		policy: policy,
		clock:  clk,
		log:    log.Named("billing.webhook.verifier"),
	}
}

// Verify recomputes the HMAC-SHA256 digest of "{timestamp}.{body}" and
// compares it in constant time against the signatures in the header.
func (v *Verifier) Verify(payload []byte, signatureHeader string) error {
	if v.secret == "" {
		if v.policy == PolicyEnforce {
			return billingdomain.ErrSecretMissing
		}
		v.log.Warn("webhook secret not configured, accepting event unverified")
		return nil
	}

	timestamp, signatures, err := parseSignatureHeader(signatureHeader)
	if err != nil {
		return billingdomain.ErrInvalidSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return billingdomain.ErrInvalidSignature
	}
	signedAt := time.Unix(ts, 0)
	now := v.clock.Now()
	if signedAt.Before(now.Add(-maxSignatureSkew)) || signedAt.After(now.Add(maxSignatureSkew)) {
		return billingdomain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(v.secret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return billingdomain.ErrInvalidSignature
}

func parseSignatureHeader(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}
