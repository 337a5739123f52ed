// Package idempotency derives deterministic identifiers for attestation
// requests, so resubmitting the same request hits the same store row and
// artifact keys.
package idempotency

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// RequestIDV1 computes the attestation request id:
// keccak256("FDC_ATTESTATION_V1" || abiEncodedRequest).
func RequestIDV1(abiEncodedRequest []byte) common.Hash {
	if len(abiEncodedRequest) == 0 {
		return common.Hash{}
	}
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte("FDC_ATTESTATION_V1"))
	_, _ = h.Write(abiEncodedRequest)
	return common.BytesToHash(h.Sum(nil))
}

// ArtifactKey builds the blob key for a workflow artifact of one request.
func ArtifactKey(requestID common.Hash, name string) string {
	return fmt.Sprintf("attestations/%s/%s", requestID.Hex(), name)
}
