// Package attestation sequences the FDC attestation workflow for an XRP
// Ledger payment: prepare the request at a verifier server, submit it to
// FdcHub with the configured fee, wait for the voting round to finalize,
// fetch the Merkle proof from the DA Layer and verify it on chain.
package attestation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
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

var (
	ErrInvalidConfig    = errors.New("attestation: invalid config")
	ErrPaymentUnsettled = errors.New("attestation: payment not settled on source ledger")
	ErrRoundUnfinalized = errors.New("attestation: voting round not finalized")
	ErrRoundMismatch    = errors.New("attestation: proof voting round mismatch")
	ErrProofMismatch    = errors.New("attestation: proof transaction mismatch")
	ErrNotVerified      = errors.New("attestation: proof rejected by verification contract")
	ErrRequestBusy      = errors.New("attestation: request claimed by another worker")
	ErrRequestFailed    = errors.New("attestation: request already failed terminally")
)

// Preparer turns a transaction id into a verifier-approved request.
type Preparer interface {
	PreparePaymentRequest(ctx context.Context, txID common.Hash) (verifier.PreparedRequest, error)
}

// ProofSource polls the DA Layer for a Merkle proof.
type ProofSource interface {
	WaitForProof(ctx context.Context, round uint64, requestBytes []byte, interval time.Duration, maxAttempts int) (dalayer.Proof, error)
}

// AddressResolver maps Flare contract names to addresses.
type AddressResolver interface {
	Resolve(ctx context.Context, name string) (common.Address, error)
}

// Submitter sends the FdcHub transaction and waits for its receipt.
type Submitter interface {
	SubmitAndWait(ctx context.Context, req flare.TxRequest) (flare.SendResult, error)
	From() common.Address
}

// Caller performs read-only contract calls and header lookups.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// PaymentChecker prechecks the payment on the XRP Ledger before any fee is
// spent.
type PaymentChecker interface {
	CheckPayment(ctx context.Context, txHash string) (xrpl.Tx, error)
}

type Config struct {
	// Finality polling against the Relay contract.
	FinalityPollInterval time.Duration
	FinalityMaxAttempts  int

	// Proof polling against the DA Layer.
	ProofPollInterval time.Duration
	ProofMaxAttempts  int

	// Owner and ClaimTTL scope the store lease taken before any fee is
	// spent; they are unused without a store.
	Owner    string
	ClaimTTL time.Duration

	Sleep func(ctx context.Context, d time.Duration) error
}

// Result carries everything learned about one attested payment.
type Result struct {
	RequestID         common.Hash
	TransactionID     common.Hash
	ABIEncodedRequest []byte

	Fee          *big.Int
	SubmitTxHash common.Hash
	Round        uint64

	Proof    dalayer.Proof
	Response fdcabi.PaymentResponse
	Verified bool
}

// Workflow drives one attestation end to end. Store, archive and payment
// precheck are optional; without them the workflow is stateless.
type Workflow struct {
	cfg Config

	preparer  Preparer
	proofs    ProofSource
	resolver  AddressResolver
	submitter Submitter
	caller    Caller

	store    attstore.Store
	archive  *artifacts.Archive
	payments PaymentChecker

	log *slog.Logger

	timingMu sync.Mutex
	timing   *fdc.RoundTiming
}

func New(cfg Config, preparer Preparer, proofs ProofSource, resolver AddressResolver, submitter Submitter, caller Caller, log *slog.Logger) (*Workflow, error) {
	if preparer == nil || proofs == nil || resolver == nil || submitter == nil || caller == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.FinalityPollInterval <= 0 {
		cfg.FinalityPollInterval = 10 * time.Second
	}
	if cfg.FinalityMaxAttempts <= 0 {
		cfg.FinalityMaxAttempts = 90
	}
	if cfg.ProofPollInterval <= 0 {
		cfg.ProofPollInterval = 10 * time.Second
	}
	if cfg.ProofMaxAttempts <= 0 {
		cfg.ProofMaxAttempts = 60
	}
	if cfg.Owner == "" {
		cfg.Owner = "attestation-workflow"
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 30 * time.Minute
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Workflow{
		cfg:       cfg,
		preparer:  preparer,
		proofs:    proofs,
		resolver:  resolver,
		submitter: submitter,
		caller:    caller,
		log:       log,
	}, nil
}

// WithStore configures lifecycle persistence.
func (w *Workflow) WithStore(store attstore.Store) *Workflow {
	w.store = store
	return w
}

// WithArchive configures artifact persistence.
func (w *Workflow) WithArchive(archive *artifacts.Archive) *Workflow {
	w.archive = archive
	return w
}

// WithPaymentCheck configures an XRPL precheck that runs before the verifier
// call.
func (w *Workflow) WithPaymentCheck(payments PaymentChecker) *Workflow {
	w.payments = payments
	return w
}

// Attest runs the whole workflow for one XRP Ledger transaction id. With a
// store configured the request is claimed before any fee is spent and the
// run resumes from the persisted state, so a redelivered job never pays the
// FdcHub fee twice.
func (w *Workflow) Attest(ctx context.Context, txID string) (Result, error) {
	txHash, err := fdc.NormalizeTxID(txID)
	if err != nil {
		return Result{}, err
	}

	if w.payments != nil {
		tx, err := w.payments.CheckPayment(ctx, txID)
		if err != nil {
			return Result{}, err
		}
		if !tx.Settled() {
			return Result{}, fmt.Errorf("%w: %s (%s)", ErrPaymentUnsettled, tx.Hash, tx.EngineResult)
		}
	}

	prepared, err := w.preparer.PreparePaymentRequest(ctx, txHash)
	if err != nil {
		return Result{}, err
	}
	requestID := idempotency.RequestIDV1(prepared.ABIEncodedRequest)
	res := Result{
		RequestID:         requestID,
		TransactionID:     txHash,
		ABIEncodedRequest: prepared.ABIEncodedRequest,
	}

	w.log.Info("prepared attestation request",
		"tx_id", txHash,
		"request_id", requestID,
		"request_bytes", len(prepared.ABIEncodedRequest),
	)

	state := attstore.StatePending
	var stored attstore.Request
	if w.store != nil {
		if _, err := w.store.Upsert(ctx, attstore.Request{
			RequestID:         requestID,
			TransactionID:     txHash,
			ABIEncodedRequest: prepared.ABIEncodedRequest,
		}); err != nil {
			return res, err
		}
		claimed := false
		stored, claimed, err = w.store.Claim(ctx, requestID, w.cfg.Owner, w.cfg.ClaimTTL)
		if err != nil {
			return res, err
		}
		if !claimed {
			return res, fmt.Errorf("%w: %s", ErrRequestBusy, requestID)
		}
		if stored.State != "" {
			state = stored.State
		}
		if state == attstore.StateFailed {
			return res, fmt.Errorf("%w: %s", ErrRequestFailed, stored.LastError)
		}
		if state != attstore.StatePending {
			w.log.Info("resuming attestation request", "request_id", requestID, "state", state)
		}
	}

	res, err = w.run(ctx, res, prepared, state, stored)
	if err != nil && w.store != nil {
		w.recordFailure(ctx, requestID, err)
	}
	return res, err
}

// run executes the workflow stages from state onward, skipping the stages a
// resumed request already completed.
func (w *Workflow) run(ctx context.Context, res Result, prepared verifier.PreparedRequest, state attstore.State, stored attstore.Request) (Result, error) {
	requestID := res.RequestID
	txHash := res.TransactionID

	if state == attstore.StatePending {
		if w.archive != nil {
			rec := artifacts.PreparedRequestRecord{
				TransactionID:     txHash,
				AttestationType:   fdc.DecodeName(prepared.AttestationType),
				SourceID:          fdc.DecodeName(prepared.SourceID),
				ABIEncodedRequest: prepared.ABIEncodedRequest,
				PreparedAt:        time.Now().UTC(),
			}
			if err := w.archive.SavePreparedRequest(ctx, requestID, rec); err != nil {
				return res, err
			}
		}

		fee, err := w.requestFee(ctx, prepared.ABIEncodedRequest)
		if err != nil {
			return res, err
		}
		res.Fee = fee

		sent, round, err := w.submit(ctx, prepared.ABIEncodedRequest, fee)
		if err != nil {
			return res, err
		}
		res.SubmitTxHash = sent.TxHash
		res.Round = round

		w.log.Info("submitted attestation request",
			"request_id", requestID,
			"tx_hash", sent.TxHash,
			"fee_wei", fee,
			"voting_round", round,
		)

		if w.store != nil {
			if err := w.store.MarkSubmitted(ctx, requestID, sent.TxHash, round, fee); err != nil {
				return res, err
			}
		}
		state = attstore.StateSubmitted
	} else {
		res.SubmitTxHash = stored.SubmitTxHash
		res.Round = stored.Round
		if stored.Fee != nil {
			res.Fee = new(big.Int).Set(stored.Fee)
		}
	}

	if state == attstore.StateSubmitted {
		if err := w.waitFinalized(ctx, res.Round); err != nil {
			return res, err
		}
		if w.store != nil {
			if err := w.store.MarkFinalized(ctx, requestID); err != nil {
				return res, err
			}
		}
		w.log.Info("voting round finalized", "request_id", requestID, "voting_round", res.Round)
		state = attstore.StateFinalized
	}

	if state == attstore.StateFinalized {
		proof, err := w.proofs.WaitForProof(ctx, res.Round, prepared.ABIEncodedRequest, w.cfg.ProofPollInterval, w.cfg.ProofMaxAttempts)
		if err != nil {
			return res, err
		}
		res.Proof = proof
		if w.store != nil {
			if err := w.store.MarkProven(ctx, requestID, proof.Response, proof.MerkleProof); err != nil {
				return res, err
			}
		}
		if w.archive != nil {
			rec := artifacts.ProofRecord{
				Round:       proof.Round,
				Response:    proof.Response,
				MerkleProof: proof.MerkleProof,
				RetrievedAt: time.Now().UTC(),
			}
			if err := w.archive.SaveProof(ctx, requestID, rec); err != nil {
				return res, err
			}
		}
		state = attstore.StateProven
	} else {
		res.Proof = dalayer.Proof{
			Round:       stored.Round,
			Response:    append([]byte(nil), stored.Response...),
			MerkleProof: append([]common.Hash(nil), stored.MerkleProof...),
		}
	}

	decoded, err := fdcabi.DecodePaymentResponse(res.Proof.Response)
	if err != nil {
		return res, err
	}
	res.Response = decoded
	if decoded.VotingRound != res.Round {
		return res, fmt.Errorf("%w: requested %d, proof carries %d", ErrRoundMismatch, res.Round, decoded.VotingRound)
	}
	if common.Hash(decoded.RequestBody.TransactionId) != txHash {
		return res, fmt.Errorf("%w: attested %x", ErrProofMismatch, decoded.RequestBody.TransactionId)
	}

	if state == attstore.StateVerified {
		res.Verified = true
		return res, nil
	}

	verified, err := w.verifyOnChain(ctx, res.Proof, decoded)
	if err != nil {
		return res, err
	}
	res.Verified = verified

	if w.archive != nil {
		rec := artifacts.ResultRecord{
			Verified:     verified,
			SubmitTxHash: res.SubmitTxHash,
			VerifiedAt:   time.Now().UTC(),
		}
		if err := w.archive.SaveResult(ctx, requestID, rec); err != nil {
			return res, err
		}
	}
	if !verified {
		if w.store != nil {
			if err := w.store.MarkFailed(ctx, requestID, ErrNotVerified.Error(), false); err != nil {
				return res, err
			}
		}
		return res, ErrNotVerified
	}
	if w.store != nil {
		if err := w.store.MarkVerified(ctx, requestID); err != nil {
			return res, err
		}
	}

	w.log.Info("payment attested",
		"request_id", requestID,
		"voting_round", res.Round,
		"received_amount", decoded.ResponseBody.ReceivedAmount,
	)
	return res, nil
}

// recordFailure persists a failed run so retryable errors return the request
// to pending with the attempt counted. Busy requests belong to another
// worker, and ErrNotVerified is already marked terminal by the verify stage.
func (w *Workflow) recordFailure(ctx context.Context, requestID common.Hash, runErr error) {
	if errors.Is(runErr, ErrRequestBusy) || errors.Is(runErr, ErrRequestFailed) || errors.Is(runErr, ErrNotVerified) {
		return
	}
	retryable := !terminalError(runErr)
	if err := w.store.MarkFailed(ctx, requestID, runErr.Error(), retryable); err != nil && !errors.Is(err, attstore.ErrInvalidTransition) {
		w.log.Error("record attestation failure", "request_id", requestID, "err", err)
	}
}

// terminalError reports errors that will fail identically on retry.
func terminalError(err error) bool {
	var statusErr *verifier.StatusError
	if errors.As(err, &statusErr) {
		return true
	}
	return errors.Is(err, ErrPaymentUnsettled) ||
		errors.Is(err, ErrRoundMismatch) ||
		errors.Is(err, ErrProofMismatch) ||
		errors.Is(err, ErrNotVerified) ||
		errors.Is(err, ErrRequestFailed)
}

func (w *Workflow) requestFee(ctx context.Context, abiEncodedRequest []byte) (*big.Int, error) {
	feeAddr, err := w.resolver.Resolve(ctx, fdc.ContractFdcRequestFeeConfigs)
	if err != nil {
		return nil, err
	}
	data, err := fdcabi.PackGetRequestFee(abiEncodedRequest)
	if err != nil {
		return nil, err
	}
	ret, err := w.caller.CallContract(ctx, ethereum.CallMsg{To: &feeAddr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("attestation: read request fee: %w", err)
	}
	return fdcabi.UnpackRequestFee(ret)
}

func (w *Workflow) submit(ctx context.Context, abiEncodedRequest []byte, fee *big.Int) (flare.SendResult, uint64, error) {
	hubAddr, err := w.resolver.Resolve(ctx, fdc.ContractFdcHub)
	if err != nil {
		return flare.SendResult{}, 0, err
	}
	data, err := fdcabi.PackRequestAttestation(abiEncodedRequest)
	if err != nil {
		return flare.SendResult{}, 0, err
	}
	sent, err := w.submitter.SubmitAndWait(ctx, flare.TxRequest{
		To:    hubAddr,
		Data:  data,
		Value: fee,
	})
	if err != nil {
		return flare.SendResult{}, 0, err
	}
	if sent.Receipt == nil || sent.Receipt.BlockNumber == nil {
		return flare.SendResult{}, 0, fmt.Errorf("attestation: submit receipt missing block number")
	}

	header, err := w.caller.HeaderByNumber(ctx, sent.Receipt.BlockNumber)
	if err != nil {
		return flare.SendResult{}, 0, fmt.Errorf("attestation: read submit block header: %w", err)
	}
	timing, err := w.roundTiming(ctx)
	if err != nil {
		return flare.SendResult{}, 0, err
	}
	round, err := timing.RoundOf(time.Unix(int64(header.Time), 0).UTC())
	if err != nil {
		return flare.SendResult{}, 0, err
	}
	return sent, round, nil
}

// roundTiming reads the voting epoch schedule from FlareSystemsManager once
// and caches it; the values never change on a network.
func (w *Workflow) roundTiming(ctx context.Context) (fdc.RoundTiming, error) {
	w.timingMu.Lock()
	defer w.timingMu.Unlock()
	if w.timing != nil {
		return *w.timing, nil
	}

	addr, err := w.resolver.Resolve(ctx, fdc.ContractSystemsManager)
	if err != nil {
		return fdc.RoundTiming{}, err
	}

	firstData, err := fdcabi.PackFirstVotingRoundStartTs()
	if err != nil {
		return fdc.RoundTiming{}, err
	}
	firstRet, err := w.caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: firstData}, nil)
	if err != nil {
		return fdc.RoundTiming{}, fmt.Errorf("attestation: read firstVotingRoundStartTs: %w", err)
	}
	first, err := fdcabi.UnpackUint64("firstVotingRoundStartTs", firstRet)
	if err != nil {
		return fdc.RoundTiming{}, err
	}

	durData, err := fdcabi.PackVotingEpochDurationSeconds()
	if err != nil {
		return fdc.RoundTiming{}, err
	}
	durRet, err := w.caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: durData}, nil)
	if err != nil {
		return fdc.RoundTiming{}, fmt.Errorf("attestation: read votingEpochDurationSeconds: %w", err)
	}
	dur, err := fdcabi.UnpackUint64("votingEpochDurationSeconds", durRet)
	if err != nil {
		return fdc.RoundTiming{}, err
	}

	timing, err := fdc.NewRoundTiming(first, dur)
	if err != nil {
		return fdc.RoundTiming{}, err
	}
	w.timing = &timing
	return timing, nil
}

func (w *Workflow) waitFinalized(ctx context.Context, round uint64) error {
	relayAddr, err := w.resolver.Resolve(ctx, fdc.ContractRelay)
	if err != nil {
		return err
	}
	data, err := fdcabi.PackIsFinalized(fdc.ProtocolID, round)
	if err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		ret, err := w.caller.CallContract(ctx, ethereum.CallMsg{To: &relayAddr, Data: data}, nil)
		if err != nil {
			return fmt.Errorf("attestation: relay isFinalized: %w", err)
		}
		finalized, err := fdcabi.UnpackIsFinalized(ret)
		if err != nil {
			return err
		}
		if finalized {
			return nil
		}
		if attempt >= w.cfg.FinalityMaxAttempts {
			return fmt.Errorf("%w: round %d after %d attempts", ErrRoundUnfinalized, round, attempt)
		}
		if err := w.cfg.Sleep(ctx, w.cfg.FinalityPollInterval); err != nil {
			return err
		}
	}
}

func (w *Workflow) verifyOnChain(ctx context.Context, proof dalayer.Proof, decoded fdcabi.PaymentResponse) (bool, error) {
	addr, err := w.resolver.Resolve(ctx, fdc.ContractFdcVerification)
	if err != nil {
		return false, err
	}
	merkle := make([][32]byte, len(proof.MerkleProof))
	for i, h := range proof.MerkleProof {
		merkle[i] = h
	}
	data, err := fdcabi.PackVerifyPayment(fdcabi.PaymentProof{
		MerkleProof: merkle,
		Data:        decoded,
	})
	if err != nil {
		return false, err
	}
	ret, err := w.caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("attestation: verifyPayment: %w", err)
	}
	return fdcabi.UnpackVerifyPayment(ret)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
