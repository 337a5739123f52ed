package attestation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fassko/fdc-demo-dapp/internal/queue"
	"github.com/fassko/fdc-demo-dapp/internal/verifier"
)

type WorkerConfig struct {
	InputTopic   string
	ResultTopic  string
	FailureTopic string

	MaxInflight int
	AckTimeout  time.Duration
}

// Worker consumes attestation jobs from a queue, runs the workflow for each
// and publishes the outcome.
type Worker struct {
	cfg WorkerConfig

	workflow *Workflow
	consumer queue.Consumer
	producer queue.Producer
	log      *slog.Logger

	inflight     atomic.Int64
	successCount atomic.Uint64
	failureCount atomic.Uint64
}

func NewWorker(cfg WorkerConfig, workflow *Workflow, consumer queue.Consumer, producer queue.Producer, log *slog.Logger) (*Worker, error) {
	if workflow == nil || consumer == nil || producer == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 1
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if cfg.InputTopic == "" || cfg.ResultTopic == "" || cfg.FailureTopic == "" {
		return nil, fmt.Errorf("%w: input/result/failure topics are required", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		cfg:      cfg,
		workflow: workflow,
		consumer: consumer,
		producer: producer,
		log:      log,
	}, nil
}

func (w *Worker) Run(ctx context.Context) error {
	sem := make(chan struct{}, w.cfg.MaxInflight)
	var wg sync.WaitGroup

	msgCh := w.consumer.Messages()
	errCh := w.consumer.Errors()

	var firstErr error
	var firstErrMu sync.Mutex
	setFirstErr := func(err error) {
		if err == nil {
			return
		}
		firstErrMu.Lock()
		defer firstErrMu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return firstErr
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				w.log.Error("attestation queue consume error", "err", err)
				setFirstErr(err)
			}
		case msg, ok := <-msgCh:
			if !ok {
				wg.Wait()
				return firstErr
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(qmsg queue.Message) {
				defer wg.Done()
				defer func() { <-sem }()

				w.inflight.Add(1)
				defer w.inflight.Add(-1)
				if err := w.handleMessage(ctx, qmsg); err != nil {
					setFirstErr(err)
					w.log.Error("attestation handle message", "err", err)
				}
			}(msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg queue.Message) error {
	job, err := DecodeJobMessage(msg.Value)
	if err != nil {
		if perr := w.publishFailure(ctx, FailureMessage{
			ErrorCode: "invalid_payload",
			Retryable: false,
			Message:   err.Error(),
		}, nil); perr != nil {
			return perr
		}
		w.failureCount.Add(1)
		w.emitMetrics(msg.Timestamp, false)
		ackMessage(msg, w.cfg.AckTimeout, w.log)
		return nil
	}

	res, err := w.workflow.Attest(ctx, job.TransactionID.Hex())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		code, retryable := classifyError(err)
		w.log.Error("attestation failed",
			"tx_id", job.TransactionID.Hex(),
			"request_id", res.RequestID.Hex(),
			"error_code", code,
			"retryable", retryable,
			"err", err,
		)
		if perr := w.publishFailure(ctx, FailureMessage{
			RequestID:     res.RequestID,
			TransactionID: job.TransactionID,
			ErrorCode:     code,
			Retryable:     retryable,
			Message:       err.Error(),
		}, res.TransactionID.Bytes()); perr != nil {
			return perr
		}
		w.failureCount.Add(1)
		w.emitMetrics(msg.Timestamp, false)
		ackMessage(msg, w.cfg.AckTimeout, w.log)
		return nil
	}

	payload, err := EncodeResultMessage(ResultMessage{
		RequestID:     res.RequestID,
		TransactionID: res.TransactionID,
		Round:         res.Round,
		SubmitTxHash:  res.SubmitTxHash,
		Response:      res.Proof.Response,
		MerkleProof:   res.Proof.MerkleProof,
	})
	if err != nil {
		return err
	}
	if err := w.producer.Publish(ctx, w.cfg.ResultTopic, res.TransactionID.Bytes(), payload); err != nil {
		return err
	}
	w.successCount.Add(1)
	w.emitMetrics(msg.Timestamp, true)
	ackMessage(msg, w.cfg.AckTimeout, w.log)
	return nil
}

func (w *Worker) publishFailure(ctx context.Context, msg FailureMessage, key []byte) error {
	payload, err := EncodeFailureMessage(msg)
	if err != nil {
		return err
	}
	return w.producer.Publish(ctx, w.cfg.FailureTopic, key, payload)
}

// classifyError maps workflow errors to queue failure codes. Terminal codes
// mean the same request will fail the same way if retried.
func classifyError(err error) (code string, retryable bool) {
	retryable = !terminalError(err)
	var statusErr *verifier.StatusError
	switch {
	case errors.As(err, &statusErr):
		code = "verifier_rejected"
	case errors.Is(err, ErrPaymentUnsettled):
		code = "payment_unsettled"
	case errors.Is(err, ErrRoundMismatch):
		code = "round_mismatch"
	case errors.Is(err, ErrProofMismatch):
		code = "proof_mismatch"
	case errors.Is(err, ErrNotVerified):
		code = "not_verified"
	case errors.Is(err, ErrRequestFailed):
		code = "request_failed"
	case errors.Is(err, ErrRequestBusy):
		code = "request_busy"
	case errors.Is(err, ErrRoundUnfinalized):
		code = "round_unfinalized"
	default:
		code = "workflow_internal_error"
	}
	return code, retryable
}

func (w *Worker) emitMetrics(ts time.Time, success bool) {
	lagSeconds := float64(0)
	if !ts.IsZero() {
		lag := time.Since(ts)
		if lag > 0 {
			lagSeconds = lag.Seconds()
		}
	}
	w.log.Info("attestation worker metrics",
		"queue_lag_seconds", lagSeconds,
		"in_flight_requests", w.inflight.Load(),
		"attestation_success_count", w.successCount.Load(),
		"attestation_failure_count", w.failureCount.Load(),
		"success", success,
	)
}

func ackMessage(msg queue.Message, timeout time.Duration, log *slog.Logger) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := msg.Ack(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("attestation ack message", "err", err)
	}
}
