// Package fdcabi packs and unpacks calldata for the FDC contract surface:
// the FlareContractRegistry, FdcHub, FdcRequestFeeConfigurations, Relay,
// FlareSystemsManager and FdcVerification contracts.
package fdcabi

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidInput  = errors.New("fdcabi: invalid input")
	ErrInvalidReturn = errors.New("fdcabi: invalid return data")
)

var (
	initOnce sync.Once
	initErr  error

	registryABI     abi.ABI
	hubABI          abi.ABI
	feeConfigABI    abi.ABI
	relayABI        abi.ABI
	systemsABI      abi.ABI
	verificationABI abi.ABI

	paymentResponseArgs abi.Arguments
)

func initABI() error {
	initOnce.Do(func() {
		parse := func(name, src string) (abi.ABI, bool) {
			parsed, err := abi.JSON(strings.NewReader(src))
			if err != nil {
				initErr = fmt.Errorf("fdcabi: parse %s ABI: %w", name, err)
				return abi.ABI{}, false
			}
			return parsed, true
		}

		var ok bool
		if registryABI, ok = parse("registry", registryABIJSON); !ok {
			return
		}
		if hubABI, ok = parse("fdcHub", hubABIJSON); !ok {
			return
		}
		if feeConfigABI, ok = parse("feeConfig", feeConfigABIJSON); !ok {
			return
		}
		if relayABI, ok = parse("relay", relayABIJSON); !ok {
			return
		}
		if systemsABI, ok = parse("systemsManager", systemsABIJSON); !ok {
			return
		}
		if verificationABI, ok = parse("fdcVerification", verificationABIJSON); !ok {
			return
		}

		responseType, err := abi.NewType("tuple", "", paymentResponseComponents())
		if err != nil {
			initErr = fmt.Errorf("fdcabi: build IPayment.Response ABI type: %w", err)
			return
		}
		paymentResponseArgs = abi.Arguments{{Name: "data", Type: responseType}}
	})
	return initErr
}

func paymentResponseComponents() []abi.ArgumentMarshaling {
	return []abi.ArgumentMarshaling{
		{Name: "attestationType", Type: "bytes32"},
		{Name: "sourceId", Type: "bytes32"},
		{Name: "votingRound", Type: "uint64"},
		{Name: "lowestUsedTimestamp", Type: "uint64"},
		{Name: "requestBody", Type: "tuple", Components: []abi.ArgumentMarshaling{
			{Name: "transactionId", Type: "bytes32"},
			{Name: "inUtxo", Type: "uint256"},
			{Name: "utxo", Type: "uint256"},
		}},
		{Name: "responseBody", Type: "tuple", Components: []abi.ArgumentMarshaling{
			{Name: "blockNumber", Type: "uint64"},
			{Name: "blockTimestamp", Type: "uint64"},
			{Name: "sourceAddressHash", Type: "bytes32"},
			{Name: "sourceAddressesRoot", Type: "bytes32"},
			{Name: "receivingAddressHash", Type: "bytes32"},
			{Name: "intendedReceivingAddressHash", Type: "bytes32"},
			{Name: "spentAmount", Type: "int256"},
			{Name: "intendedSpentAmount", Type: "int256"},
			{Name: "receivedAmount", Type: "int256"},
			{Name: "intendedReceivedAmount", Type: "int256"},
			{Name: "standardPaymentReference", Type: "bytes32"},
			{Name: "oneToOne", Type: "bool"},
			{Name: "status", Type: "uint8"},
		}},
	}
}

// PaymentRequestBody mirrors IPayment.RequestBody.
type PaymentRequestBody struct {
	TransactionId [32]byte
	InUtxo        *big.Int
	Utxo          *big.Int
}

// PaymentResponseBody mirrors IPayment.ResponseBody.
type PaymentResponseBody struct {
	BlockNumber                  uint64
	BlockTimestamp               uint64
	SourceAddressHash            [32]byte
	SourceAddressesRoot          [32]byte
	ReceivingAddressHash         [32]byte
	IntendedReceivingAddressHash [32]byte
	SpentAmount                  *big.Int
	IntendedSpentAmount          *big.Int
	ReceivedAmount               *big.Int
	IntendedReceivedAmount       *big.Int
	StandardPaymentReference     [32]byte
	OneToOne                     bool
	Status                       uint8
}

// PaymentResponse mirrors IPayment.Response, the tuple the DA Layer returns
// ABI-encoded in the proof response_hex field.
type PaymentResponse struct {
	AttestationType     [32]byte
	SourceId            [32]byte
	VotingRound         uint64
	LowestUsedTimestamp uint64
	RequestBody         PaymentRequestBody
	ResponseBody        PaymentResponseBody
}

// PaymentProof mirrors IPayment.Proof, the argument of verifyPayment.
type PaymentProof struct {
	MerkleProof [][32]byte
	Data        PaymentResponse
}

// DecodePaymentResponse decodes the ABI-encoded IPayment.Response tuple.
func DecodePaymentResponse(encoded []byte) (PaymentResponse, error) {
	if err := initABI(); err != nil {
		return PaymentResponse{}, err
	}
	if len(encoded) == 0 {
		return PaymentResponse{}, fmt.Errorf("%w: empty response", ErrInvalidInput)
	}
	vals, err := paymentResponseArgs.Unpack(encoded)
	if err != nil {
		return PaymentResponse{}, fmt.Errorf("fdcabi: unpack IPayment.Response: %w", err)
	}
	if len(vals) != 1 {
		return PaymentResponse{}, fmt.Errorf("%w: unexpected value count %d", ErrInvalidReturn, len(vals))
	}
	out := abi.ConvertType(vals[0], new(PaymentResponse)).(*PaymentResponse)
	return *out, nil
}

// EncodePaymentResponse is the inverse of DecodePaymentResponse.
func EncodePaymentResponse(resp PaymentResponse) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := paymentResponseArgs.Pack(resp)
	if err != nil {
		return nil, fmt.Errorf("fdcabi: pack IPayment.Response: %w", err)
	}
	return b, nil
}

// PackGetContractAddressByName packs FlareContractRegistry.getContractAddressByName.
func PackGetContractAddressByName(name string) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty contract name", ErrInvalidInput)
	}
	b, err := registryABI.Pack("getContractAddressByName", name)
	if err != nil {
		return nil, fmt.Errorf("fdcabi: pack getContractAddressByName: %w", err)
	}
	return b, nil
}

// UnpackAddress unpacks a single address return value.
func UnpackAddress(ret []byte) (common.Address, error) {
	if err := initABI(); err != nil {
		return common.Address{}, err
	}
	vals, err := registryABI.Unpack("getContractAddressByName", ret)
	if err != nil {
		return common.Address{}, fmt.Errorf("fdcabi: unpack address: %w", err)
	}
	if len(vals) != 1 {
		return common.Address{}, fmt.Errorf("%w: unexpected value count %d", ErrInvalidReturn, len(vals))
	}
	addr, ok := vals[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: expected address, got %T", ErrInvalidReturn, vals[0])
	}
	return addr, nil
}

// PackRequestAttestation packs FdcHub.requestAttestation calldata.
func PackRequestAttestation(abiEncodedRequest []byte) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if len(abiEncodedRequest) == 0 {
		return nil, fmt.Errorf("%w: empty encoded request", ErrInvalidInput)
	}
	b, err := hubABI.Pack("requestAttestation", abiEncodedRequest)
	if err != nil {
		return nil, fmt.Errorf("fdcabi: pack requestAttestation: %w", err)
	}
	return b, nil
}

// PackGetRequestFee packs FdcRequestFeeConfigurations.getRequestFee calldata.
func PackGetRequestFee(abiEncodedRequest []byte) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if len(abiEncodedRequest) == 0 {
		return nil, fmt.Errorf("%w: empty encoded request", ErrInvalidInput)
	}
	b, err := feeConfigABI.Pack("getRequestFee", abiEncodedRequest)
	if err != nil {
		return nil, fmt.Errorf("fdcabi: pack getRequestFee: %w", err)
	}
	return b, nil
}

// UnpackRequestFee unpacks the getRequestFee return value.
func UnpackRequestFee(ret []byte) (*big.Int, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	vals, err := feeConfigABI.Unpack("getRequestFee", ret)
	if err != nil {
		return nil, fmt.Errorf("fdcabi: unpack getRequestFee: %w", err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("%w: unexpected value count %d", ErrInvalidReturn, len(vals))
	}
	fee, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: expected uint256, got %T", ErrInvalidReturn, vals[0])
	}
	if fee.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative fee", ErrInvalidReturn)
	}
	return fee, nil
}

// PackIsFinalized packs Relay.isFinalized calldata.
func PackIsFinalized(protocolID uint64, votingRound uint64) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := relayABI.Pack("isFinalized", new(big.Int).SetUint64(protocolID), new(big.Int).SetUint64(votingRound))
	if err != nil {
		return nil, fmt.Errorf("fdcabi: pack isFinalized: %w", err)
	}
	return b, nil
}

// UnpackIsFinalized unpacks the isFinalized return value.
func UnpackIsFinalized(ret []byte) (bool, error) {
	if err := initABI(); err != nil {
		return false, err
	}
	vals, err := relayABI.Unpack("isFinalized", ret)
	if err != nil {
		return false, fmt.Errorf("fdcabi: unpack isFinalized: %w", err)
	}
	if len(vals) != 1 {
		return false, fmt.Errorf("%w: unexpected value count %d", ErrInvalidReturn, len(vals))
	}
	finalized, ok := vals[0].(bool)
	if !ok {
		return false, fmt.Errorf("%w: expected bool, got %T", ErrInvalidReturn, vals[0])
	}
	return finalized, nil
}

// PackFirstVotingRoundStartTs and PackVotingEpochDurationSeconds pack the
// FlareSystemsManager timing getters.
func PackFirstVotingRoundStartTs() ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := systemsABI.Pack("firstVotingRoundStartTs")
	if err != nil {
		return nil, fmt.Errorf("fdcabi: pack firstVotingRoundStartTs: %w", err)
	}
	return b, nil
}

func PackVotingEpochDurationSeconds() ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := systemsABI.Pack("votingEpochDurationSeconds")
	if err != nil {
		return nil, fmt.Errorf("fdcabi: pack votingEpochDurationSeconds: %w", err)
	}
	return b, nil
}

// UnpackUint64 unpacks a single uint64 return value from either timing getter.
func UnpackUint64(method string, ret []byte) (uint64, error) {
	if err := initABI(); err != nil {
		return 0, err
	}
	vals, err := systemsABI.Unpack(method, ret)
	if err != nil {
		return 0, fmt.Errorf("fdcabi: unpack %s: %w", method, err)
	}
	if len(vals) != 1 {
		return 0, fmt.Errorf("%w: unexpected value count %d", ErrInvalidReturn, len(vals))
	}
	v, ok := vals[0].(uint64)
	if !ok {
		return 0, fmt.Errorf("%w: expected uint64, got %T", ErrInvalidReturn, vals[0])
	}
	return v, nil
}

// PackVerifyPayment packs FdcVerification.verifyPayment calldata.
func PackVerifyPayment(proof PaymentProof) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if len(proof.MerkleProof) == 0 {
		return nil, fmt.Errorf("%w: empty merkle proof", ErrInvalidInput)
	}
	if proof.Data.RequestBody.InUtxo == nil || proof.Data.RequestBody.Utxo == nil {
		return nil, fmt.Errorf("%w: request body utxo fields must be non-nil", ErrInvalidInput)
	}
	rb := proof.Data.ResponseBody
	for _, v := range []*big.Int{rb.SpentAmount, rb.IntendedSpentAmount, rb.ReceivedAmount, rb.IntendedReceivedAmount} {
		if v == nil {
			return nil, fmt.Errorf("%w: response body amounts must be non-nil", ErrInvalidInput)
		}
	}
	b, err := verificationABI.Pack("verifyPayment", proof)
	if err != nil {
		return nil, fmt.Errorf("fdcabi: pack verifyPayment: %w", err)
	}
	return b, nil
}

// UnpackVerifyPayment unpacks the verifyPayment return value.
func UnpackVerifyPayment(ret []byte) (bool, error) {
	if err := initABI(); err != nil {
		return false, err
	}
	vals, err := verificationABI.Unpack("verifyPayment", ret)
	if err != nil {
		return false, fmt.Errorf("fdcabi: unpack verifyPayment: %w", err)
	}
	if len(vals) != 1 {
		return false, fmt.Errorf("%w: unexpected value count %d", ErrInvalidReturn, len(vals))
	}
	verified, ok := vals[0].(bool)
	if !ok {
		return false, fmt.Errorf("%w: expected bool, got %T", ErrInvalidReturn, vals[0])
	}
	return verified, nil
}
