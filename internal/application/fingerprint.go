package application

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"

	"github.com/ericfisherdev/impactescrow/internal/domain/model"
)

// EvidenceFingerprint identifies evidence content for duplicate detection.
// It hashes the RFC 8785 canonical form of the escrow ID, the trimmed
// evidence reference, and the payload digest. The category hint is not part
// of the content.
func EvidenceFingerprint(escrowID string, sub model.EvidenceSubmission) (string, error) {
	payload := sha256.Sum256(sub.Payload)

	doc := map[string]string{
		"escrow_id":      escrowID,
		"evidence_ref":   strings.TrimSpace(sub.EvidenceRef),
		"payload_sha256": hex.EncodeToString(payload[:]),
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal evidence fingerprint: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize evidence fingerprint: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
