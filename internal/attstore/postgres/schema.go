package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS attestation_requests (
	request_id BYTEA PRIMARY KEY,
	transaction_id BYTEA NOT NULL,
	abi_encoded_request BYTEA NOT NULL,

	state TEXT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,

	submit_tx_hash BYTEA,
	voting_round BIGINT,
	fee_wei TEXT,

	response BYTEA,
	merkle_proof BYTEA,

	processing_owner TEXT,
	processing_expires_at TIMESTAMPTZ,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT attestation_requests_id_len CHECK (octet_length(request_id) = 32),
	CONSTRAINT attestation_requests_txid_len CHECK (octet_length(transaction_id) = 32),
	CONSTRAINT attestation_requests_encoded_nonempty CHECK (octet_length(abi_encoded_request) > 0),
	CONSTRAINT attestation_requests_state_known CHECK (
		state IN ('pending','submitted','finalized','proven','verified','failed')
	),
	CONSTRAINT attestation_requests_attempt_nonneg CHECK (attempt_count >= 0),
	CONSTRAINT attestation_requests_round_nonneg CHECK (voting_round IS NULL OR voting_round >= 0),
	CONSTRAINT attestation_requests_proof_words CHECK (
		merkle_proof IS NULL OR octet_length(merkle_proof) % 32 = 0
	),
	CONSTRAINT attestation_requests_owner_nonempty CHECK (
		processing_owner IS NULL OR processing_owner <> ''
	)
);

CREATE INDEX IF NOT EXISTS attestation_requests_state_idx ON attestation_requests (state);
CREATE INDEX IF NOT EXISTS attestation_requests_processing_idx ON attestation_requests (processing_expires_at);
`
