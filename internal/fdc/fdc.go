package fdc

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidName   = errors.New("fdc: invalid name")
	ErrInvalidTiming = errors.New("fdc: invalid round timing")
)

// ProtocolID is the Flare Systems Protocol id under which FDC rounds are
// finalized on the Relay contract.
const ProtocolID = 200

// RegistryAddress is the FlareContractRegistry address. It is identical on
// every Flare network (flare, songbird, coston, coston2).
var RegistryAddress = common.HexToAddress("0xaD67FE66660Fb8dFE9d6b1b4240d8650e30F6019")

// Contract names resolved through the FlareContractRegistry.
const (
	ContractFdcHub               = "FdcHub"
	ContractFdcRequestFeeConfigs = "FdcRequestFeeConfigurations"
	ContractFdcVerification      = "FdcVerification"
	ContractRelay                = "Relay"
	ContractSystemsManager       = "FlareSystemsManager"
)

// EncodeName encodes an attestation type or source id name as UTF-8 bytes
// zero-padded on the right to 32 bytes, the convention used by FDC verifier
// servers and attestation contracts.
func EncodeName(name string) (common.Hash, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return common.Hash{}, fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if len(name) > 32 {
		return common.Hash{}, fmt.Errorf("%w: name %q longer than 32 bytes", ErrInvalidName, name)
	}
	var h common.Hash
	copy(h[:], name)
	return h, nil
}

// DecodeName reverses EncodeName, trimming trailing zero padding.
func DecodeName(h common.Hash) string {
	return string(bytesTrimRightZero(h[:]))
}

func bytesTrimRightZero(b []byte) []byte {
	i := len(b)
	for i > 0 && b[i-1] == 0 {
		i--
	}
	return b[:i]
}

// AttestationTypePayment is the encoded "Payment" attestation type.
func AttestationTypePayment() common.Hash {
	h, _ := EncodeName("Payment")
	return h
}

// SourceXRP and SourceTestXRP identify the XRP Ledger mainnet and testnet
// as FDC data sources.
func SourceXRP() common.Hash {
	h, _ := EncodeName("XRP")
	return h
}

func SourceTestXRP() common.Hash {
	h, _ := EncodeName("testXRP")
	return h
}

// NormalizeTxID canonicalizes an XRPL transaction hash into the 0x-prefixed
// 32-byte hex form the verifier API expects.
func NormalizeTxID(txID string) (common.Hash, error) {
	s := strings.TrimSpace(txID)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	if len(s) != 64 {
		return common.Hash{}, fmt.Errorf("%w: transaction id must be 32-byte hex, got %d chars", ErrInvalidName, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: transaction id is not hex", ErrInvalidName)
	}
	return common.BytesToHash(b), nil
}
