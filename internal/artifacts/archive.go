package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/fassko/fdc-demo-dapp/internal/idempotency"
)

const (
	preparedRequestName = "request.json"
	proofName           = "proof.json"
	resultName          = "result.json"

	jsonContentType = "application/json"
)

// PreparedRequestRecord is the artifact written after the verifier prepares a
// request.
type PreparedRequestRecord struct {
	TransactionID     common.Hash   `json:"transaction_id"`
	AttestationType   string        `json:"attestation_type"`
	SourceID          string        `json:"source_id"`
	ABIEncodedRequest hexutil.Bytes `json:"abi_encoded_request"`
	PreparedAt        time.Time     `json:"prepared_at"`
}

// ProofRecord is the artifact written once the DA Layer returns a proof.
type ProofRecord struct {
	Round       uint64        `json:"voting_round"`
	Response    hexutil.Bytes `json:"response"`
	MerkleProof []common.Hash `json:"merkle_proof"`
	RetrievedAt time.Time     `json:"retrieved_at"`
}

// ResultRecord is the artifact written after the on-chain verification call.
type ResultRecord struct {
	Verified     bool        `json:"verified"`
	SubmitTxHash common.Hash `json:"submit_tx_hash"`
	VerifiedAt   time.Time   `json:"verified_at"`
}

// Archive writes workflow records under the request's artifact keys.
type Archive struct {
	store Store
}

func NewArchive(store Store) (*Archive, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return &Archive{store: store}, nil
}

func (a *Archive) SavePreparedRequest(ctx context.Context, requestID common.Hash, rec PreparedRequestRecord) error {
	return a.save(ctx, requestID, preparedRequestName, rec)
}

func (a *Archive) SaveProof(ctx context.Context, requestID common.Hash, rec ProofRecord) error {
	return a.save(ctx, requestID, proofName, rec)
}

func (a *Archive) SaveResult(ctx context.Context, requestID common.Hash, rec ResultRecord) error {
	return a.save(ctx, requestID, resultName, rec)
}

func (a *Archive) LoadPreparedRequest(ctx context.Context, requestID common.Hash) (PreparedRequestRecord, error) {
	var rec PreparedRequestRecord
	err := a.load(ctx, requestID, preparedRequestName, &rec)
	return rec, err
}

func (a *Archive) LoadProof(ctx context.Context, requestID common.Hash) (ProofRecord, error) {
	var rec ProofRecord
	err := a.load(ctx, requestID, proofName, &rec)
	return rec, err
}

func (a *Archive) LoadResult(ctx context.Context, requestID common.Hash) (ResultRecord, error) {
	var rec ResultRecord
	err := a.load(ctx, requestID, resultName, &rec)
	return rec, err
}

func (a *Archive) save(ctx context.Context, requestID common.Hash, name string, rec any) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("artifacts: marshal %s: %w", name, err)
	}
	key := idempotency.ArtifactKey(requestID, name)
	opts := PutOptions{
		ContentType: jsonContentType,
		Metadata:    map[string]string{"request-id": requestID.Hex()},
	}
	if err := a.store.Put(ctx, key, payload, opts); err != nil {
		return fmt.Errorf("artifacts: save %s: %w", name, err)
	}
	return nil
}

func (a *Archive) load(ctx context.Context, requestID common.Hash, name string, out any) error {
	obj, err := a.store.Get(ctx, idempotency.ArtifactKey(requestID, name))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(obj.Data, out); err != nil {
		return fmt.Errorf("artifacts: decode %s: %w", name, err)
	}
	return nil
}
