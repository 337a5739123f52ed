package attestation

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestJobMessageRoundTrip(t *testing.T) {
	t.Parallel()

	txID := common.HexToHash("0x3b7e9f0c2f5b5f1e6d4a8c9b0e1f2a3b4c5d6e7f8091a2b3c4d5e6f708192a3b")
	payload, err := EncodeJobMessage(JobMessage{TransactionID: txID})
	if err != nil {
		t.Fatalf("EncodeJobMessage: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw["version"] != TopicRequest {
		t.Fatalf("version: got %v want %s", raw["version"], TopicRequest)
	}

	got, err := DecodeJobMessage(payload)
	if err != nil {
		t.Fatalf("DecodeJobMessage: %v", err)
	}
	if got.TransactionID != txID {
		t.Fatalf("transaction id: got %s want %s", got.TransactionID, txID)
	}
}

func TestDecodeJobMessageRejectsBadInput(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: "nope"},
		{name: "missing tx id", payload: `{"version":"attestation.request.v1"}`},
		{name: "short hash", payload: `{"transaction_id":"0x1234"}`},
		{name: "wrong version", payload: `{"version":"attestation.request.v2","transaction_id":"0x3b7e9f0c2f5b5f1e6d4a8c9b0e1f2a3b4c5d6e7f8091a2b3c4d5e6f708192a3b"}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := DecodeJobMessage([]byte(tc.payload)); !errors.Is(err, ErrInvalidMessage) {
				t.Fatalf("expected ErrInvalidMessage, got %v", err)
			}
		})
	}
}

func TestResultMessageRoundTrip(t *testing.T) {
	t.Parallel()

	msg := ResultMessage{
		RequestID:     common.HexToHash("0x01"),
		TransactionID: common.HexToHash("0x02"),
		Round:         1002931,
		SubmitTxHash:  common.HexToHash("0x03"),
		Response:      []byte{0xde, 0xad, 0xbe, 0xef},
		MerkleProof:   []common.Hash{common.HexToHash("0x04"), common.HexToHash("0x05")},
	}
	payload, err := EncodeResultMessage(msg)
	if err != nil {
		t.Fatalf("EncodeResultMessage: %v", err)
	}
	got, err := DecodeResultMessage(payload)
	if err != nil {
		t.Fatalf("DecodeResultMessage: %v", err)
	}
	if got.Round != msg.Round || got.RequestID != msg.RequestID || len(got.MerkleProof) != 2 {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
	if string(got.Response) != string(msg.Response) {
		t.Fatalf("response mismatch: got %x", got.Response)
	}
}

func TestEncodeFailureMessageOmitsZeroHashes(t *testing.T) {
	t.Parallel()

	payload, err := EncodeFailureMessage(FailureMessage{
		ErrorCode: "invalid_payload",
		Message:   "  bad input  ",
	})
	if err != nil {
		t.Fatalf("EncodeFailureMessage: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := raw["request_id"]; ok {
		t.Fatalf("zero request id should be omitted")
	}
	if raw["message"] != "bad input" {
		t.Fatalf("message: got %v", raw["message"])
	}
	if raw["retryable"] != false {
		t.Fatalf("retryable: got %v", raw["retryable"])
	}
}
