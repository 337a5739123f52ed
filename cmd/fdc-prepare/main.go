package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/fassko/fdc-demo-dapp/internal/fdc"
	"github.com/fassko/fdc-demo-dapp/internal/fdcabi"
	"github.com/fassko/fdc-demo-dapp/internal/idempotency"
	"github.com/fassko/fdc-demo-dapp/internal/registry"
	"github.com/fassko/fdc-demo-dapp/internal/secrets"
	"github.com/fassko/fdc-demo-dapp/internal/verifier"
)

type preparedPayload struct {
	Version           string `json:"version"`
	RequestID         string `json:"requestId"`
	TransactionID     string `json:"transactionId"`
	AttestationType   string `json:"attestationType"`
	SourceID          string `json:"sourceId"`
	ABIEncodedRequest string `json:"abiEncodedRequest"`
	Fee               string `json:"fee,omitempty"`
}

func main() {
	if err := runMain(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("fdc-prepare", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	verifierURL := fs.String("verifier-url", "", "FDC verifier base URL")
	rpcURL := fs.String("rpc-url", "", "optional Flare RPC URL to read the request fee")
	apiKeyRef := fs.String("verifier-api-key-ref", "FDC_VERIFIER_API_KEY", "verifier API key secret reference")
	secretsDriver := fs.String("secrets-driver", "env", "secrets driver: aws|env|aws+env")
	txID := fs.String("tx-id", "", "XRP Ledger payment transaction id (64 hex chars)")
	source := fs.String("source", "testXRP", "attestation source: XRP|testXRP")
	outputPath := fs.String("output", "-", "output file path or '-' for stdout")
	timeout := fs.Duration("timeout", time.Minute, "request timeout")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*verifierURL) == "" {
		return errors.New("--verifier-url is required")
	}
	if strings.TrimSpace(*txID) == "" {
		return errors.New("--tx-id is required")
	}
	if *timeout <= 0 {
		return errors.New("--timeout must be > 0")
	}
	sourceID, err := resolveSource(*source)
	if err != nil {
		return err
	}
	txHash, err := fdc.NormalizeTxID(*txID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	provider, err := secrets.NewFromDriver(ctx, *secretsDriver)
	if err != nil {
		return err
	}
	apiKey, err := provider.Get(ctx, strings.TrimSpace(*apiKeyRef))
	if err != nil {
		return fmt.Errorf("load verifier api key: %w", err)
	}

	client, err := verifier.New(*verifierURL, apiKey, verifier.WithSource(sourceID))
	if err != nil {
		return err
	}

	prepared, err := client.PreparePaymentRequest(ctx, txHash)
	if err != nil {
		return err
	}

	payload := preparedPayload{
		Version:           "fdc-prepare/v1",
		RequestID:         idempotency.RequestIDV1(prepared.ABIEncodedRequest).Hex(),
		TransactionID:     prepared.TransactionID.Hex(),
		AttestationType:   fdc.DecodeName(prepared.AttestationType),
		SourceID:          fdc.DecodeName(prepared.SourceID),
		ABIEncodedRequest: hexutil.Encode(prepared.ABIEncodedRequest),
	}

	if strings.TrimSpace(*rpcURL) != "" {
		fee, err := readRequestFee(ctx, strings.TrimSpace(*rpcURL), prepared.ABIEncodedRequest)
		if err != nil {
			return err
		}
		payload.Fee = fee.String()
	}

	return writeJSON(stdout, *outputPath, payload)
}

func readRequestFee(ctx context.Context, rpcURL string, encodedRequest []byte) (*big.Int, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	defer client.Close()

	resolver, err := registry.New(client)
	if err != nil {
		return nil, err
	}
	addr, err := resolver.Resolve(ctx, fdc.ContractFdcRequestFeeConfigs)
	if err != nil {
		return nil, err
	}
	data, err := fdcabi.PackGetRequestFee(encodedRequest)
	if err != nil {
		return nil, err
	}
	ret, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call getRequestFee: %w", err)
	}
	return fdcabi.UnpackRequestFee(ret)
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
