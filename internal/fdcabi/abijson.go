package fdcabi

const registryABIJSON = `[
  {
    "inputs": [{"internalType": "string", "name": "_name", "type": "string"}],
    "name": "getContractAddressByName",
    "outputs": [{"internalType": "address", "name": "", "type": "address"}],
    "stateMutability": "view",
    "type": "function"
  }
]`

const hubABIJSON = `[
  {
    "inputs": [{"internalType": "bytes", "name": "_data", "type": "bytes"}],
    "name": "requestAttestation",
    "outputs": [],
    "stateMutability": "payable",
    "type": "function"
  }
]`

const feeConfigABIJSON = `[
  {
    "inputs": [{"internalType": "bytes", "name": "_data", "type": "bytes"}],
    "name": "getRequestFee",
    "outputs": [{"internalType": "uint256", "name": "_fee", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  }
]`

const relayABIJSON = `[
  {
    "inputs": [
      {"internalType": "uint256", "name": "_protocolId", "type": "uint256"},
      {"internalType": "uint256", "name": "_votingRoundId", "type": "uint256"}
    ],
    "name": "isFinalized",
    "outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
    "stateMutability": "view",
    "type": "function"
  }
]`

const systemsABIJSON = `[
  {
    "inputs": [],
    "name": "firstVotingRoundStartTs",
    "outputs": [{"internalType": "uint64", "name": "", "type": "uint64"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "votingEpochDurationSeconds",
    "outputs": [{"internalType": "uint64", "name": "", "type": "uint64"}],
    "stateMutability": "view",
    "type": "function"
  }
]`

const verificationABIJSON = `[
  {
    "inputs": [
      {
        "components": [
          {"internalType": "bytes32[]", "name": "merkleProof", "type": "bytes32[]"},
          {
            "components": [
              {"internalType": "bytes32", "name": "attestationType", "type": "bytes32"},
              {"internalType": "bytes32", "name": "sourceId", "type": "bytes32"},
              {"internalType": "uint64", "name": "votingRound", "type": "uint64"},
              {"internalType": "uint64", "name": "lowestUsedTimestamp", "type": "uint64"},
              {
                "components": [
                  {"internalType": "bytes32", "name": "transactionId", "type": "bytes32"},
                  {"internalType": "uint256", "name": "inUtxo", "type": "uint256"},
                  {"internalType": "uint256", "name": "utxo", "type": "uint256"}
                ],
                "internalType": "struct IPayment.RequestBody",
                "name": "requestBody",
                "type": "tuple"
              },
              {
                "components": [
                  {"internalType": "uint64", "name": "blockNumber", "type": "uint64"},
                  {"internalType": "uint64", "name": "blockTimestamp", "type": "uint64"},
                  {"internalType": "bytes32", "name": "sourceAddressHash", "type": "bytes32"},
                  {"internalType": "bytes32", "name": "sourceAddressesRoot", "type": "bytes32"},
                  {"internalType": "bytes32", "name": "receivingAddressHash", "type": "bytes32"},
                  {"internalType": "bytes32", "name": "intendedReceivingAddressHash", "type": "bytes32"},
                  {"internalType": "int256", "name": "spentAmount", "type": "int256"},
                  {"internalType": "int256", "name": "intendedSpentAmount", "type": "int256"},
                  {"internalType": "int256", "name": "receivedAmount", "type": "int256"},
                  {"internalType": "int256", "name": "intendedReceivedAmount", "type": "int256"},
                  {"internalType": "bytes32", "name": "standardPaymentReference", "type": "bytes32"},
                  {"internalType": "bool", "name": "oneToOne", "type": "bool"},
                  {"internalType": "uint8", "name": "status", "type": "uint8"}
                ],
                "internalType": "struct IPayment.ResponseBody",
                "name": "responseBody",
                "type": "tuple"
              }
            ],
            "internalType": "struct IPayment.Response",
            "name": "data",
            "type": "tuple"
          }
        ],
        "internalType": "struct IPayment.Proof",
        "name": "_proof",
        "type": "tuple"
      }
    ],
    "name": "verifyPayment",
    "outputs": [{"internalType": "bool", "name": "_proved", "type": "bool"}],
    "stateMutability": "view",
    "type": "function"
  }
]`
