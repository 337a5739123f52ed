package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/fassko/fdc-demo-dapp/internal/attestation"
	"github.com/fassko/fdc-demo-dapp/internal/dalayer"
	"github.com/fassko/fdc-demo-dapp/internal/fdc"
	"github.com/fassko/fdc-demo-dapp/internal/flare"
	"github.com/fassko/fdc-demo-dapp/internal/registry"
	"github.com/fassko/fdc-demo-dapp/internal/secrets"
	"github.com/fassko/fdc-demo-dapp/internal/verifier"
	"github.com/fassko/fdc-demo-dapp/internal/xrpl"
)

type attestPayload struct {
	Version           string   `json:"version"`
	RequestID         string   `json:"requestId"`
	TransactionID     string   `json:"transactionId"`
	ABIEncodedRequest string   `json:"abiEncodedRequest"`
	Fee               string   `json:"fee"`
	SubmitTxHash      string   `json:"submitTxHash"`
	VotingRound       uint64   `json:"votingRound"`
	MerkleProof       []string `json:"merkleProof"`
	Verified          bool     `json:"verified"`
}

func main() {
	if err := runMain(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("fdc-attest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	rpcURL := fs.String("rpc-url", "", "Flare RPC URL")
	chainID := fs.Uint64("chain-id", 0, "Flare chain ID")
	verifierURL := fs.String("verifier-url", "", "FDC verifier base URL")
	verifierKeyRef := fs.String("verifier-api-key-ref", "FDC_VERIFIER_API_KEY", "verifier API key secret reference")
	daLayerURL := fs.String("da-layer-url", "", "DA Layer base URL")
	daLayerKeyRef := fs.String("da-layer-api-key-ref", "FDC_DA_LAYER_API_KEY", "DA Layer API key secret reference")
	xrplURL := fs.String("xrpl-url", "", "optional XRPL JSON-RPC URL for a payment precheck")
	secretsDriver := fs.String("secrets-driver", "env", "secrets driver: aws|env|aws+env")
	signerKeyFile := fs.String("signer-key-file", "", "fee signer private key file")
	signerKeyHex := fs.String("signer-key-hex", "", "fee signer private key hex")
	signerKeyRef := fs.String("signer-key-ref", "", "fee signer private key secret reference")
	txID := fs.String("tx-id", "", "XRP Ledger payment transaction id (64 hex chars)")
	source := fs.String("source", "testXRP", "attestation source: XRP|testXRP")
	finalityPoll := fs.Duration("finality-poll-interval", 10*time.Second, "relay finality poll interval")
	finalityAttempts := fs.Int("finality-max-attempts", 90, "relay finality poll attempts")
	proofPoll := fs.Duration("proof-poll-interval", 10*time.Second, "DA Layer proof poll interval")
	proofAttempts := fs.Int("proof-max-attempts", 60, "DA Layer proof poll attempts")
	outputPath := fs.String("output", "-", "output file path or '-' for stdout")
	timeout := fs.Duration("timeout", 30*time.Minute, "overall workflow timeout")
	verbose := fs.Bool("verbose", false, "log workflow progress to stderr")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*rpcURL) == "" {
		return errors.New("--rpc-url is required")
	}
	if *chainID == 0 {
		return errors.New("--chain-id is required")
	}
	if strings.TrimSpace(*verifierURL) == "" {
		return errors.New("--verifier-url is required")
	}
	if strings.TrimSpace(*daLayerURL) == "" {
		return errors.New("--da-layer-url is required")
	}
	if strings.TrimSpace(*txID) == "" {
		return errors.New("--tx-id is required")
	}
	if *timeout <= 0 {
		return errors.New("--timeout must be > 0")
	}
	if countSet(*signerKeyFile, *signerKeyHex, *signerKeyRef) != 1 {
		return errors.New("exactly one of --signer-key-file, --signer-key-hex or --signer-key-ref is required")
	}
	sourceID, err := resolveSource(*source)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	provider, err := secrets.NewFromDriver(ctx, *secretsDriver)
	if err != nil {
		return err
	}

	privateKeyHex := strings.TrimSpace(*signerKeyHex)
	switch {
	case strings.TrimSpace(*signerKeyFile) != "":
		b, err := os.ReadFile(strings.TrimSpace(*signerKeyFile))
		if err != nil {
			return fmt.Errorf("read signer key file: %w", err)
		}
		privateKeyHex = strings.TrimSpace(string(b))
	case strings.TrimSpace(*signerKeyRef) != "":
		privateKeyHex, err = provider.Get(ctx, strings.TrimSpace(*signerKeyRef))
		if err != nil {
			return fmt.Errorf("load signer key: %w", err)
		}
	}
	privateKey, err := flare.ParsePrivateKeyHex(privateKeyHex)
	if err != nil {
		return err
	}
	signer, err := flare.NewLocalSigner(privateKey)
	if err != nil {
		return err
	}

	verifierKey, err := provider.Get(ctx, strings.TrimSpace(*verifierKeyRef))
	if err != nil {
		return fmt.Errorf("load verifier api key: %w", err)
	}
	daLayerKey, err := provider.Get(ctx, strings.TrimSpace(*daLayerKeyRef))
	if err != nil {
		return fmt.Errorf("load da layer api key: %w", err)
	}

	client, err := ethclient.DialContext(ctx, *rpcURL)
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}
	defer client.Close()

	verifierClient, err := verifier.New(*verifierURL, verifierKey, verifier.WithSource(sourceID))
	if err != nil {
		return err
	}
	daLayerClient, err := dalayer.New(*daLayerURL, daLayerKey)
	if err != nil {
		return err
	}
	resolver, err := registry.New(client)
	if err != nil {
		return err
	}
	submitter, err := flare.NewSubmitter(client, signer, flare.SubmitterConfig{
		ChainID: new(big.Int).SetUint64(*chainID),
	})
	if err != nil {
		return err
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if *verbose {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	workflow, err := attestation.New(attestation.Config{
		FinalityPollInterval: *finalityPoll,
		FinalityMaxAttempts:  *finalityAttempts,
		ProofPollInterval:    *proofPoll,
		ProofMaxAttempts:     *proofAttempts,
	}, verifierClient, daLayerClient, resolver, submitter, client, log)
	if err != nil {
		return err
	}
	if strings.TrimSpace(*xrplURL) != "" {
		payments, err := xrpl.New(strings.TrimSpace(*xrplURL))
		if err != nil {
			return err
		}
		workflow = workflow.WithPaymentCheck(payments)
	}

	res, err := workflow.Attest(ctx, strings.TrimSpace(*txID))
	if err != nil {
		return err
	}

	payload := attestPayload{
		Version:           "fdc-attest/v1",
		RequestID:         res.RequestID.Hex(),
		TransactionID:     res.TransactionID.Hex(),
		ABIEncodedRequest: hexutil.Encode(res.ABIEncodedRequest),
		Fee:               res.Fee.String(),
		SubmitTxHash:      res.SubmitTxHash.Hex(),
		VotingRound:       res.Round,
		MerkleProof:       hashesToHex(res.Proof.MerkleProof),
		Verified:          res.Verified,
	}
	return writeJSON(stdout, *outputPath, payload)
}

func countSet(values ...string) int {
	n := 0
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			n++
		}
	}
	return n
}

func resolveSource(name string) (common.Hash, error) {
	switch strings.TrimSpace(name) {
	case "XRP":
		return fdc.SourceXRP(), nil
	case "testXRP":
		return fdc.SourceTestXRP(), nil
	default:
		return common.Hash{}, fmt.Errorf("unsupported --source %q (want XRP or testXRP)", name)
	}
}

func hashesToHex(hashes []common.Hash) []string {
	out := make([]string, 0, len(hashes))
	for _, h := range hashes {
		out = append(out, h.Hex())
	}
	return out
}

func writeJSON(stdout io.Writer, outputPath string, payload any) error {
	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	b = append(b, '\n')
	if strings.TrimSpace(outputPath) == "" || outputPath == "-" {
		_, err = stdout.Write(b)
		return err
	}
	if err := os.WriteFile(outputPath, b, 0o600); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
