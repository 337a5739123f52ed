package attestation

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidMessage = errors.New("attestation: invalid message")

// Topic names for the queue-driven worker.
const (
	TopicRequest = "attestation.request.v1"
	TopicResult  = "attestation.result.v1"
	TopicFailure = "attestation.failure.v1"
)

// JobMessage asks the worker to attest one XRP Ledger payment.
type JobMessage struct {
	TransactionID common.Hash
}

func (m JobMessage) Validate() error {
	if (m.TransactionID == common.Hash{}) {
		return fmt.Errorf("%w: missing transaction_id", ErrInvalidMessage)
	}
	return nil
}

func EncodeJobMessage(msg JobMessage) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	out := struct {
		Version       string `json:"version"`
		TransactionID string `json:"transaction_id"`
	}{
		Version:       TopicRequest,
		TransactionID: msg.TransactionID.Hex(),
	}
	return json.Marshal(out)
}

func DecodeJobMessage(payload []byte) (JobMessage, error) {
	var raw struct {
		Version       string `json:"version"`
		TransactionID string `json:"transaction_id"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return JobMessage{}, fmt.Errorf("%w: decode payload: %v", ErrInvalidMessage, err)
	}
	if v := strings.TrimSpace(raw.Version); v != "" && v != TopicRequest {
		return JobMessage{}, fmt.Errorf("%w: unsupported version %q", ErrInvalidMessage, v)
	}
	txID, err := decodeHash32(raw.TransactionID)
	if err != nil {
		return JobMessage{}, err
	}
	msg := JobMessage{TransactionID: txID}
	if err := msg.Validate(); err != nil {
		return JobMessage{}, err
	}
	return msg, nil
}

// ResultMessage reports a verified attestation.
type ResultMessage struct {
	RequestID     common.Hash
	TransactionID common.Hash
	Round         uint64
	SubmitTxHash  common.Hash
	Response      []byte
	MerkleProof   []common.Hash
}

func EncodeResultMessage(msg ResultMessage) ([]byte, error) {
	proof := make([]string, 0, len(msg.MerkleProof))
	for _, h := range msg.MerkleProof {
		proof = append(proof, h.Hex())
	}
	out := struct {
		Version       string   `json:"version"`
		RequestID     string   `json:"request_id"`
		TransactionID string   `json:"transaction_id"`
		Round         uint64   `json:"voting_round"`
		SubmitTxHash  string   `json:"submit_tx_hash"`
		Response      string   `json:"response"`
		MerkleProof   []string `json:"merkle_proof"`
	}{
		Version:       TopicResult,
		RequestID:     msg.RequestID.Hex(),
		TransactionID: msg.TransactionID.Hex(),
		Round:         msg.Round,
		SubmitTxHash:  msg.SubmitTxHash.Hex(),
		Response:      "0x" + hex.EncodeToString(msg.Response),
		MerkleProof:   proof,
	}
	return json.Marshal(out)
}

func DecodeResultMessage(payload []byte) (ResultMessage, error) {
	var raw struct {
		Version       string   `json:"version"`
		RequestID     string   `json:"request_id"`
		TransactionID string   `json:"transaction_id"`
		Round         uint64   `json:"voting_round"`
		SubmitTxHash  string   `json:"submit_tx_hash"`
		Response      string   `json:"response"`
		MerkleProof   []string `json:"merkle_proof"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return ResultMessage{}, fmt.Errorf("%w: decode payload: %v", ErrInvalidMessage, err)
	}
	requestID, err := decodeHash32(raw.RequestID)
	if err != nil {
		return ResultMessage{}, err
	}
	txID, err := decodeHash32(raw.TransactionID)
	if err != nil {
		return ResultMessage{}, err
	}
	submitHash, err := decodeHash32(raw.SubmitTxHash)
	if err != nil {
		return ResultMessage{}, err
	}
	response, err := decodeHexBytes(raw.Response)
	if err != nil {
		return ResultMessage{}, err
	}
	proof := make([]common.Hash, 0, len(raw.MerkleProof))
	for _, s := range raw.MerkleProof {
		h, err := decodeHash32(s)
		if err != nil {
			return ResultMessage{}, err
		}
		proof = append(proof, h)
	}
	return ResultMessage{
		RequestID:     requestID,
		TransactionID: txID,
		Round:         raw.Round,
		SubmitTxHash:  submitHash,
		Response:      response,
		MerkleProof:   proof,
	}, nil
}

// FailureMessage reports a failed attestation attempt.
type FailureMessage struct {
	RequestID     common.Hash
	TransactionID common.Hash
	ErrorCode     string
	Retryable     bool
	Message       string
}

func EncodeFailureMessage(msg FailureMessage) ([]byte, error) {
	out := struct {
		Version       string `json:"version"`
		RequestID     string `json:"request_id,omitempty"`
		TransactionID string `json:"transaction_id,omitempty"`
		ErrorCode     string `json:"error_code"`
		Retryable     bool   `json:"retryable"`
		Message       string `json:"message,omitempty"`
	}{
		Version:   TopicFailure,
		ErrorCode: strings.TrimSpace(msg.ErrorCode),
		Retryable: msg.Retryable,
		Message:   strings.TrimSpace(msg.Message),
	}
	if (msg.RequestID != common.Hash{}) {
		out.RequestID = msg.RequestID.Hex()
	}
	if (msg.TransactionID != common.Hash{}) {
		out.TransactionID = msg.TransactionID.Hex()
	}
	return json.Marshal(out)
}

func decodeHash32(v string) (common.Hash, error) {
	s := strings.TrimSpace(v)
	if !strings.HasPrefix(s, "0x") || len(s) != 66 {
		return common.Hash{}, fmt.Errorf("%w: hash must be 32-byte 0x hex", ErrInvalidMessage)
	}
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: invalid hash", ErrInvalidMessage)
	}
	return common.BytesToHash(b), nil
}

func decodeHexBytes(v string) ([]byte, error) {
	s := strings.TrimSpace(strings.TrimPrefix(v, "0x"))
	if s == "" {
		return nil, fmt.Errorf("%w: empty hex bytes", ErrInvalidMessage)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid hex bytes", ErrInvalidMessage)
	}
	return b, nil
}
