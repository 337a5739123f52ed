package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/fassko/fdc-demo-dapp/internal/dalayer"
	"github.com/fassko/fdc-demo-dapp/internal/fdc"
	"github.com/fassko/fdc-demo-dapp/internal/fdcabi"
	"github.com/fassko/fdc-demo-dapp/internal/idempotency"
	"github.com/fassko/fdc-demo-dapp/internal/registry"
	"github.com/fassko/fdc-demo-dapp/internal/secrets"
)

type proofPayload struct {
	Version       string   `json:"version"`
	RequestID     string   `json:"requestId"`
	VotingRound   uint64   `json:"votingRound"`
	Response      string   `json:"response"`
	MerkleProof   []string `json:"merkleProof"`
	TransactionID string   `json:"transactionId"`
	SourceID      string   `json:"sourceId"`
	SpentAmount   string   `json:"spentAmount"`
	Verified      *bool    `json:"verified,omitempty"`
}

func main() {
	if err := runMain(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("fdc-proof", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	daLayerURL := fs.String("da-layer-url", "", "DA Layer base URL")
	daLayerKeyRef := fs.String("da-layer-api-key-ref", "FDC_DA_LAYER_API_KEY", "DA Layer API key secret reference")
	secretsDriver := fs.String("secrets-driver", "env", "secrets driver: aws|env|aws+env")
	round := fs.Uint64("round", 0, "voting round id")
	requestHex := fs.String("request-hex", "", "ABI-encoded attestation request hex")
	requestFile := fs.String("request-file", "", "file holding the ABI-encoded attestation request hex")
	rpcURL := fs.String("rpc-url", "", "optional Flare RPC URL to verify the proof on chain")
	wait := fs.Bool("wait", false, "poll until the DA Layer serves the proof")
	pollInterval := fs.Duration("poll-interval", 10*time.Second, "proof poll interval with --wait")
	maxAttempts := fs.Int("max-attempts", 60, "proof poll attempts with --wait")
	outputPath := fs.String("output", "-", "output file path or '-' for stdout")
	timeout := fs.Duration("timeout", 15*time.Minute, "request timeout")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*daLayerURL) == "" {
		return errors.New("--da-layer-url is required")
	}
	if *round == 0 {
		return errors.New("--round is required")
	}
	if strings.TrimSpace(*requestHex) != "" && strings.TrimSpace(*requestFile) != "" {
		return errors.New("use only one of --request-hex or --request-file")
	}
	if strings.TrimSpace(*requestHex) == "" && strings.TrimSpace(*requestFile) == "" {
		return errors.New("attestation request is required (--request-hex or --request-file)")
	}
	if *timeout <= 0 {
		return errors.New("--timeout must be > 0")
	}

	encoded := strings.TrimSpace(*requestHex)
	if strings.TrimSpace(*requestFile) != "" {
		b, err := os.ReadFile(strings.TrimSpace(*requestFile))
		if err != nil {
			return fmt.Errorf("read request file: %w", err)
		}
		encoded = strings.TrimSpace(string(b))
	}
	requestBytes, err := hexutil.Decode(ensureHexPrefix(encoded))
	if err != nil {
		return fmt.Errorf("decode attestation request: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	provider, err := secrets.NewFromDriver(ctx, *secretsDriver)
	if err != nil {
		return err
	}
	daLayerKey, err := provider.Get(ctx, strings.TrimSpace(*daLayerKeyRef))
	if err != nil {
		return fmt.Errorf("load da layer api key: %w", err)
	}

	client, err := dalayer.New(*daLayerURL, daLayerKey)
	if err != nil {
		return err
	}

	var proof dalayer.Proof
	if *wait {
		proof, err = client.WaitForProof(ctx, *round, requestBytes, *pollInterval, *maxAttempts)
	} else {
		proof, err = client.GetProof(ctx, *round, requestBytes)
	}
	if err != nil {
		return err
	}

	resp, err := fdcabi.DecodePaymentResponse(proof.Response)
	if err != nil {
		return fmt.Errorf("decode proof response: %w", err)
	}

	payload := proofPayload{
		Version:       "fdc-proof/v1",
		RequestID:     idempotency.RequestIDV1(requestBytes).Hex(),
		VotingRound:   proof.Round,
		Response:      hexutil.Encode(proof.Response),
		MerkleProof:   hashesToHex(proof.MerkleProof),
		TransactionID: common.Hash(resp.RequestBody.TransactionId).Hex(),
		SourceID:      fdc.DecodeName(common.Hash(resp.SourceId)),
		SpentAmount:   resp.ResponseBody.SpentAmount.String(),
	}

	if strings.TrimSpace(*rpcURL) != "" {
		verified, err := verifyOnChain(ctx, strings.TrimSpace(*rpcURL), proof, resp)
		if err != nil {
			return err
		}
		payload.Verified = &verified
	}

	return writeJSON(stdout, *outputPath, payload)
}

func verifyOnChain(ctx context.Context, rpcURL string, proof dalayer.Proof, resp fdcabi.PaymentResponse) (bool, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return false, fmt.Errorf("dial rpc: %w", err)
	}
	defer client.Close()

	resolver, err := registry.New(client)
	if err != nil {
		return false, err
	}
	addr, err := resolver.Resolve(ctx, fdc.ContractFdcVerification)
	if err != nil {
		return false, err
	}

	merkle := make([][32]byte, len(proof.MerkleProof))
	for i, h := range proof.MerkleProof {
		merkle[i] = h
	}
	data, err := fdcabi.PackVerifyPayment(fdcabi.PaymentProof{MerkleProof: merkle, Data: resp})
	if err != nil {
		return false, err
	}
	ret, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("call verifyPayment: %w", err)
	}
	return fdcabi.UnpackVerifyPayment(ret)
}

func ensureHexPrefix(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
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
