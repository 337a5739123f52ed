package attestation

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/fassko/fdc-demo-dapp/internal/artifacts"
	"github.com/fassko/fdc-demo-dapp/internal/attstore"
	"github.com/fassko/fdc-demo-dapp/internal/dalayer"
	"github.com/fassko/fdc-demo-dapp/internal/fdc"
	"github.com/fassko/fdc-demo-dapp/internal/fdcabi"
	"github.com/fassko/fdc-demo-dapp/internal/flare"
	"github.com/fassko/fdc-demo-dapp/internal/idempotency"
	"github.com/fassko/fdc-demo-dapp/internal/verifier"
	"github.com/fassko/fdc-demo-dapp/internal/xrpl"
)

const (
	firstRoundStart = uint64(1658429955)
	roundDuration   = uint64(90)
)

var (
	feeAddr     = common.HexToAddress("0x0000000000000000000000000000000000000f0e")
	hubAddr     = common.HexToAddress("0x0000000000000000000000000000000000000Bb1")
	systemsAddr = common.HexToAddress("0x00000000000000000000000000000000000005f5")
	relayAddr   = common.HexToAddress("0x0000000000000000000000000000000000000e1a")
	verifyAddr  = common.HexToAddress("0x0000000000000000000000000000000000000dc2")
)

type fakePreparer struct {
	prepared verifier.PreparedRequest
	err      error
}

func (f *fakePreparer) PreparePaymentRequest(_ context.Context, txID common.Hash) (verifier.PreparedRequest, error) {
	if f.err != nil {
		return verifier.PreparedRequest{}, f.err
	}
	out := f.prepared
	out.TransactionID = txID
	return out, nil
}

type fakeProofs struct {
	proof dalayer.Proof
	err   error
	calls int
}

func (f *fakeProofs) WaitForProof(_ context.Context, round uint64, _ []byte, _ time.Duration, _ int) (dalayer.Proof, error) {
	f.calls++
	if f.err != nil {
		return dalayer.Proof{}, f.err
	}
	out := f.proof
	out.Round = round
	return out, nil
}

type fakeResolver struct{}

func (fakeResolver) Resolve(_ context.Context, name string) (common.Address, error) {
	switch name {
	case fdc.ContractFdcRequestFeeConfigs:
		return feeAddr, nil
	case fdc.ContractFdcHub:
		return hubAddr, nil
	case fdc.ContractSystemsManager:
		return systemsAddr, nil
	case fdc.ContractRelay:
		return relayAddr, nil
	case fdc.ContractFdcVerification:
		return verifyAddr, nil
	}
	return common.Address{}, errors.New("unknown contract " + name)
}

type fakeSubmitter struct {
	mu   sync.Mutex
	reqs []flare.TxRequest

	txHash      common.Hash
	blockNumber *big.Int
	err         error
}

func (f *fakeSubmitter) SubmitAndWait(_ context.Context, req flare.TxRequest) (flare.SendResult, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.err != nil {
		return flare.SendResult{}, f.err
	}
	return flare.SendResult{
		From:   common.HexToAddress("0x1111111111111111111111111111111111111111"),
		TxHash: f.txHash,
		Receipt: &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			TxHash:      f.txHash,
			BlockNumber: f.blockNumber,
		},
	}, nil
}

func (f *fakeSubmitter) From() common.Address {
	return common.HexToAddress("0x1111111111111111111111111111111111111111")
}

// fakeCaller routes read-only calls by target contract.
type fakeCaller struct {
	fee *big.Int

	headerTime uint64

	mu             sync.Mutex
	finalizedAfter int
	relayCalls     int

	verifyResult bool
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	switch *msg.To {
	case feeAddr:
		return common.LeftPadBytes(f.fee.Bytes(), 32), nil
	case systemsAddr:
		firstData, _ := fdcabi.PackFirstVotingRoundStartTs()
		if string(msg.Data) == string(firstData) {
			return common.LeftPadBytes(new(big.Int).SetUint64(firstRoundStart).Bytes(), 32), nil
		}
		return common.LeftPadBytes(new(big.Int).SetUint64(roundDuration).Bytes(), 32), nil
	case relayAddr:
		f.mu.Lock()
		f.relayCalls++
		ready := f.relayCalls > f.finalizedAfter
		f.mu.Unlock()
		if ready {
			return common.LeftPadBytes([]byte{1}, 32), nil
		}
		return make([]byte, 32), nil
	case verifyAddr:
		if f.verifyResult {
			return common.LeftPadBytes([]byte{1}, 32), nil
		}
		return make([]byte, 32), nil
	}
	return nil, errors.New("unexpected call target")
}

func (f *fakeCaller) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: number, Time: f.headerTime}, nil
}

type fakePayments struct {
	tx  xrpl.Tx
	err error
}

func (f *fakePayments) CheckPayment(_ context.Context, _ string) (xrpl.Tx, error) {
	if f.err != nil {
		return xrpl.Tx{}, f.err
	}
	return f.tx, nil
}

func encodedResponse(t *testing.T, txID common.Hash, round uint64) []byte {
	t.Helper()
	resp := fdcabi.PaymentResponse{
		AttestationType:     fdc.AttestationTypePayment(),
		SourceId:            fdc.SourceTestXRP(),
		VotingRound:         round,
		LowestUsedTimestamp: 1717000000,
		RequestBody: fdcabi.PaymentRequestBody{
			TransactionId: txID,
			InUtxo:        big.NewInt(0),
			Utxo:          big.NewInt(0),
		},
		ResponseBody: fdcabi.PaymentResponseBody{
			BlockNumber:                  4021887,
			BlockTimestamp:               1717000123,
			SourceAddressHash:            common.HexToHash("0x11"),
			SourceAddressesRoot:          common.HexToHash("0x12"),
			ReceivingAddressHash:         common.HexToHash("0x13"),
			IntendedReceivingAddressHash: common.HexToHash("0x13"),
			SpentAmount:                  big.NewInt(1_000_012),
			IntendedSpentAmount:          big.NewInt(1_000_012),
			ReceivedAmount:               big.NewInt(1_000_000),
			IntendedReceivedAmount:       big.NewInt(1_000_000),
			StandardPaymentReference:     common.Hash{},
			OneToOne:                     true,
			Status:                       0,
		},
	}
	b, err := fdcabi.EncodePaymentResponse(resp)
	if err != nil {
		t.Fatalf("EncodePaymentResponse: %v", err)
	}
	return b
}

func testWorkflow(t *testing.T, cfg Config, proofs *fakeProofs, caller *fakeCaller, submitter *fakeSubmitter, prepared []byte) *Workflow {
	t.Helper()
	preparer := &fakePreparer{prepared: verifier.PreparedRequest{
		AttestationType:   fdc.AttestationTypePayment(),
		SourceID:          fdc.SourceTestXRP(),
		ABIEncodedRequest: prepared,
	}}
	w, err := New(cfg, preparer, proofs, fakeResolver{}, submitter, caller, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w
}

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func TestAttestFullWorkflow(t *testing.T) {
	t.Parallel()

	txID := common.HexToHash("0x3b7e9f0c2f5b5f1e6d4a8c9b0e1f2a3b4c5d6e7f8091a2b3c4d5e6f708192a3b")
	encodedReq := []byte{0x50, 0x61, 0x79, 0x6d, 0x65, 0x6e, 0x74, 0x01}
	const round = uint64(5)

	proofs := &fakeProofs{proof: dalayer.Proof{
		Response: encodedResponse(t, txID, round),
		MerkleProof: []common.Hash{
			common.HexToHash("0xa1"),
			common.HexToHash("0xa2"),
		},
	}}
	caller := &fakeCaller{
		fee:            big.NewInt(500_000_000_000_000),
		headerTime:     firstRoundStart + round*roundDuration + 10,
		finalizedAfter: 2,
		verifyResult:   true,
	}
	submitter := &fakeSubmitter{
		txHash:      common.HexToHash("0xbeef"),
		blockNumber: big.NewInt(12_345_678),
	}

	w := testWorkflow(t, Config{Sleep: noSleep, FinalityPollInterval: time.Millisecond, ProofPollInterval: time.Millisecond}, proofs, caller, submitter, encodedReq)

	store := attstore.NewMemoryStore()
	blob, err := artifacts.New(artifacts.Config{Driver: artifacts.DriverMemory})
	if err != nil {
		t.Fatalf("artifacts.New: %v", err)
	}
	archive, err := artifacts.NewArchive(blob)
	if err != nil {
		t.Fatalf("NewArchive: %v", err)
	}
	w.WithStore(store).WithArchive(archive).WithPaymentCheck(&fakePayments{tx: xrpl.Tx{
		Hash:            txID.Hex(),
		TransactionType: "Payment",
		Validated:       true,
		EngineResult:    "tesSUCCESS",
	}})

	res, err := w.Attest(context.Background(), txID.Hex())
	if err != nil {
		t.Fatalf("Attest: %v", err)
	}

	wantRequestID := idempotency.RequestIDV1(encodedReq)
	if res.RequestID != wantRequestID {
		t.Fatalf("request id: got %s want %s", res.RequestID, wantRequestID)
	}
	if res.Round != round {
		t.Fatalf("round: got %d want %d", res.Round, round)
	}
	if !res.Verified {
		t.Fatalf("expected verified result")
	}
	if res.Fee.Cmp(big.NewInt(500_000_000_000_000)) != 0 {
		t.Fatalf("fee: got %v", res.Fee)
	}
	if res.Response.ResponseBody.ReceivedAmount.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("received amount: got %v", res.Response.ResponseBody.ReceivedAmount)
	}

	// The fee rode along as tx value.
	if len(submitter.reqs) != 1 {
		t.Fatalf("expected one submission, got %d", len(submitter.reqs))
	}
	if submitter.reqs[0].To != hubAddr {
		t.Fatalf("submit target: got %s want %s", submitter.reqs[0].To, hubAddr)
	}
	if submitter.reqs[0].Value.Cmp(big.NewInt(500_000_000_000_000)) != 0 {
		t.Fatalf("submit value: got %v", submitter.reqs[0].Value)
	}

	// The relay was polled until the round finalized.
	if caller.relayCalls != 3 {
		t.Fatalf("relay calls: got %d want 3", caller.relayCalls)
	}

	stored, err := store.Get(context.Background(), wantRequestID)
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if stored.State != attstore.StateVerified {
		t.Fatalf("store state: got %s want %s", stored.State, attstore.StateVerified)
	}
	if stored.Round != round || stored.SubmitTxHash != submitter.txHash {
		t.Fatalf("store record mismatch: %+v", stored)
	}

	proofRec, err := archive.LoadProof(context.Background(), wantRequestID)
	if err != nil {
		t.Fatalf("LoadProof: %v", err)
	}
	if proofRec.Round != round || len(proofRec.MerkleProof) != 2 {
		t.Fatalf("proof artifact mismatch: %+v", proofRec)
	}
	resultRec, err := archive.LoadResult(context.Background(), wantRequestID)
	if err != nil {
		t.Fatalf("LoadResult: %v", err)
	}
	if !resultRec.Verified {
		t.Fatalf("result artifact not verified")
	}
}

func TestAttestRejectsUnsettledPayment(t *testing.T) {
	t.Parallel()

	txID := common.HexToHash("0x01")
	proofs := &fakeProofs{}
	caller := &fakeCaller{fee: big.NewInt(1), headerTime: firstRoundStart}
	submitter := &fakeSubmitter{blockNumber: big.NewInt(1)}

	w := testWorkflow(t, Config{Sleep: noSleep}, proofs, caller, submitter, []byte{0x01})
	w.WithPaymentCheck(&fakePayments{tx: xrpl.Tx{
		Hash:            txID.Hex(),
		TransactionType: "Payment",
		Validated:       false,
		EngineResult:    "tesSUCCESS",
	}})

	_, err := w.Attest(context.Background(), txID.Hex())
	if !errors.Is(err, ErrPaymentUnsettled) {
		t.Fatalf("expected ErrPaymentUnsettled, got %v", err)
	}
	if len(submitter.reqs) != 0 {
		t.Fatalf("expected no submission for unsettled payment")
	}
}

func TestAttestFinalityTimeout(t *testing.T) {
	t.Parallel()

	txID := common.HexToHash("0x02")
	proofs := &fakeProofs{}
	caller := &fakeCaller{
		fee:            big.NewInt(1),
		headerTime:     firstRoundStart + 10,
		finalizedAfter: 1 << 30,
	}
	submitter := &fakeSubmitter{txHash: common.HexToHash("0x03"), blockNumber: big.NewInt(1)}

	w := testWorkflow(t, Config{
		Sleep:                noSleep,
		FinalityPollInterval: time.Millisecond,
		FinalityMaxAttempts:  3,
	}, proofs, caller, submitter, []byte{0x02})

	_, err := w.Attest(context.Background(), txID.Hex())
	if !errors.Is(err, ErrRoundUnfinalized) {
		t.Fatalf("expected ErrRoundUnfinalized, got %v", err)
	}
	if caller.relayCalls != 3 {
		t.Fatalf("relay calls: got %d want 3", caller.relayCalls)
	}
	if proofs.calls != 0 {
		t.Fatalf("proof fetch before finalization")
	}
}

func TestAttestRoundMismatchIsTerminal(t *testing.T) {
	t.Parallel()

	txID := common.HexToHash("0x04")
	const round = uint64(7)
	proofs := &fakeProofs{proof: dalayer.Proof{
		// Proof claims a different round than the one requested.
		Response:    encodedResponse(t, txID, round+1),
		MerkleProof: []common.Hash{common.HexToHash("0xa1")},
	}}
	caller := &fakeCaller{
		fee:          big.NewInt(1),
		headerTime:   firstRoundStart + round*roundDuration,
		verifyResult: true,
	}
	submitter := &fakeSubmitter{txHash: common.HexToHash("0x05"), blockNumber: big.NewInt(1)}

	w := testWorkflow(t, Config{Sleep: noSleep, FinalityPollInterval: time.Millisecond, ProofPollInterval: time.Millisecond}, proofs, caller, submitter, []byte{0x04})

	_, err := w.Attest(context.Background(), txID.Hex())
	if !errors.Is(err, ErrRoundMismatch) {
		t.Fatalf("expected ErrRoundMismatch, got %v", err)
	}
}

func TestAttestVerificationRejection(t *testing.T) {
	t.Parallel()

	txID := common.HexToHash("0x06")
	const round = uint64(2)
	encodedReq := []byte{0x06, 0x07}
	proofs := &fakeProofs{proof: dalayer.Proof{
		Response:    encodedResponse(t, txID, round),
		MerkleProof: []common.Hash{common.HexToHash("0xa1")},
	}}
	caller := &fakeCaller{
		fee:          big.NewInt(1),
		headerTime:   firstRoundStart + round*roundDuration,
		verifyResult: false,
	}
	submitter := &fakeSubmitter{txHash: common.HexToHash("0x07"), blockNumber: big.NewInt(1)}

	w := testWorkflow(t, Config{Sleep: noSleep, FinalityPollInterval: time.Millisecond, ProofPollInterval: time.Millisecond}, proofs, caller, submitter, encodedReq)
	store := attstore.NewMemoryStore()
	w.WithStore(store)

	res, err := w.Attest(context.Background(), txID.Hex())
	if !errors.Is(err, ErrNotVerified) {
		t.Fatalf("expected ErrNotVerified, got %v", err)
	}
	if res.Verified {
		t.Fatalf("result should not be verified")
	}

	stored, err := store.Get(context.Background(), idempotency.RequestIDV1(encodedReq))
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if stored.State != attstore.StateFailed {
		t.Fatalf("store state: got %s want %s", stored.State, attstore.StateFailed)
	}
}

func TestAttestNormalizesBareTxID(t *testing.T) {
	t.Parallel()

	const bare = "3B7E9F0C2F5B5F1E6D4A8C9B0E1F2A3B4C5D6E7F8091A2B3C4D5E6F708192A3B"
	txID := common.HexToHash("0x" + bare)
	const round = uint64(1)
	proofs := &fakeProofs{proof: dalayer.Proof{
		Response:    encodedResponse(t, txID, round),
		MerkleProof: []common.Hash{common.HexToHash("0xa1")},
	}}
	caller := &fakeCaller{
		fee:          big.NewInt(1),
		headerTime:   firstRoundStart + round*roundDuration,
		verifyResult: true,
	}
	submitter := &fakeSubmitter{txHash: common.HexToHash("0x08"), blockNumber: big.NewInt(1)}

	w := testWorkflow(t, Config{Sleep: noSleep, FinalityPollInterval: time.Millisecond, ProofPollInterval: time.Millisecond}, proofs, caller, submitter, []byte{0x08})

	res, err := w.Attest(context.Background(), bare)
	if err != nil {
		t.Fatalf("Attest: %v", err)
	}
	if res.TransactionID != txID {
		t.Fatalf("tx id: got %s want %s", res.TransactionID, txID)
	}
}

func TestAttestDuplicateJobDoesNotResubmit(t *testing.T) {
	t.Parallel()

	txID := common.HexToHash("0x0a")
	const round = uint64(3)
	encodedReq := []byte{0x0a, 0x0b}
	proofs := &fakeProofs{proof: dalayer.Proof{
		Response:    encodedResponse(t, txID, round),
		MerkleProof: []common.Hash{common.HexToHash("0xa1")},
	}}
	caller := &fakeCaller{
		fee:          big.NewInt(1_000),
		headerTime:   firstRoundStart + round*roundDuration,
		verifyResult: true,
	}
	submitter := &fakeSubmitter{txHash: common.HexToHash("0x0b"), blockNumber: big.NewInt(1)}

	w := testWorkflow(t, Config{Sleep: noSleep, FinalityPollInterval: time.Millisecond, ProofPollInterval: time.Millisecond}, proofs, caller, submitter, encodedReq)
	store := attstore.NewMemoryStore()
	w.WithStore(store)

	if _, err := w.Attest(context.Background(), txID.Hex()); err != nil {
		t.Fatalf("first Attest: %v", err)
	}

	// A redelivered job for the verified request returns the stored outcome
	// without paying the fee again.
	res, err := w.Attest(context.Background(), txID.Hex())
	if err != nil {
		t.Fatalf("second Attest: %v", err)
	}
	if !res.Verified {
		t.Fatalf("expected verified result on redelivery")
	}
	if res.Round != round || res.SubmitTxHash != submitter.txHash {
		t.Fatalf("redelivered result mismatch: %+v", res)
	}
	if len(submitter.reqs) != 1 {
		t.Fatalf("submissions: got %d want 1", len(submitter.reqs))
	}
	if proofs.calls != 1 {
		t.Fatalf("proof fetches: got %d want 1", proofs.calls)
	}
}

func TestAttestResumesSubmittedRequest(t *testing.T) {
	t.Parallel()

	txID := common.HexToHash("0x0c")
	const round = uint64(9)
	encodedReq := []byte{0x0c, 0x0d}
	requestID := idempotency.RequestIDV1(encodedReq)
	seededTx := common.HexToHash("0x0d")

	proofs := &fakeProofs{proof: dalayer.Proof{
		Response:    encodedResponse(t, txID, round),
		MerkleProof: []common.Hash{common.HexToHash("0xa1")},
	}}
	caller := &fakeCaller{fee: big.NewInt(1), verifyResult: true}
	submitter := &fakeSubmitter{txHash: common.HexToHash("0xdead"), blockNumber: big.NewInt(1)}

	store := attstore.NewMemoryStore()
	if _, err := store.Upsert(context.Background(), attstore.Request{
		RequestID:         requestID,
		TransactionID:     txID,
		ABIEncodedRequest: encodedReq,
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := store.MarkSubmitted(context.Background(), requestID, seededTx, round, big.NewInt(42)); err != nil {
		t.Fatalf("MarkSubmitted: %v", err)
	}

	w := testWorkflow(t, Config{Sleep: noSleep, FinalityPollInterval: time.Millisecond, ProofPollInterval: time.Millisecond}, proofs, caller, submitter, encodedReq)
	w.WithStore(store)

	res, err := w.Attest(context.Background(), txID.Hex())
	if err != nil {
		t.Fatalf("Attest: %v", err)
	}
	if len(submitter.reqs) != 0 {
		t.Fatalf("resumed run must not resubmit, got %d submissions", len(submitter.reqs))
	}
	if res.SubmitTxHash != seededTx || res.Round != round {
		t.Fatalf("resumed result mismatch: %+v", res)
	}
	if res.Fee == nil || res.Fee.Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("fee: got %v want 42", res.Fee)
	}
	if !res.Verified {
		t.Fatalf("expected verified result")
	}

	stored, err := store.Get(context.Background(), requestID)
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if stored.State != attstore.StateVerified {
		t.Fatalf("store state: got %s want %s", stored.State, attstore.StateVerified)
	}
}

func TestAttestRefusesClaimedRequest(t *testing.T) {
	t.Parallel()

	txID := common.HexToHash("0x0e")
	encodedReq := []byte{0x0e, 0x0f}
	requestID := idempotency.RequestIDV1(encodedReq)

	store := attstore.NewMemoryStore()
	if _, err := store.Upsert(context.Background(), attstore.Request{
		RequestID:         requestID,
		TransactionID:     txID,
		ABIEncodedRequest: encodedReq,
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, ok, err := store.Claim(context.Background(), requestID, "other-worker", time.Hour); err != nil || !ok {
		t.Fatalf("seed claim: ok=%v err=%v", ok, err)
	}

	proofs := &fakeProofs{}
	caller := &fakeCaller{fee: big.NewInt(1), headerTime: firstRoundStart}
	submitter := &fakeSubmitter{blockNumber: big.NewInt(1)}

	w := testWorkflow(t, Config{Sleep: noSleep}, proofs, caller, submitter, encodedReq)
	w.WithStore(store)

	_, err := w.Attest(context.Background(), txID.Hex())
	if !errors.Is(err, ErrRequestBusy) {
		t.Fatalf("expected ErrRequestBusy, got %v", err)
	}
	if len(submitter.reqs) != 0 {
		t.Fatalf("claimed request must not submit")
	}
}

func TestAttestRecordsRetryableFailure(t *testing.T) {
	t.Parallel()

	txID := common.HexToHash("0x10")
	encodedReq := []byte{0x10, 0x11}
	requestID := idempotency.RequestIDV1(encodedReq)

	proofs := &fakeProofs{}
	caller := &fakeCaller{
		fee:            big.NewInt(1),
		headerTime:     firstRoundStart + 10,
		finalizedAfter: 1 << 30,
	}
	submitter := &fakeSubmitter{txHash: common.HexToHash("0x11"), blockNumber: big.NewInt(1)}

	w := testWorkflow(t, Config{
		Sleep:                noSleep,
		FinalityPollInterval: time.Millisecond,
		FinalityMaxAttempts:  2,
	}, proofs, caller, submitter, encodedReq)
	store := attstore.NewMemoryStore()
	w.WithStore(store)

	_, err := w.Attest(context.Background(), txID.Hex())
	if !errors.Is(err, ErrRoundUnfinalized) {
		t.Fatalf("expected ErrRoundUnfinalized, got %v", err)
	}

	stored, err := store.Get(context.Background(), requestID)
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if stored.State != attstore.StatePending {
		t.Fatalf("store state: got %s want %s", stored.State, attstore.StatePending)
	}
	if stored.AttemptCount != 1 {
		t.Fatalf("attempt count: got %d want 1", stored.AttemptCount)
	}
	if stored.LastError == "" {
		t.Fatalf("last error not recorded")
	}
}
