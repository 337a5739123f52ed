package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var testTxID = common.HexToHash("0xa30b44a9117e9f2de7f0c7a016f4d7d9be109eef8d0d7a2c2b59e27f0c19e3a1")

func TestPreparePaymentRequest(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method: got %s want POST", r.Method)
		}
		if got, want := r.URL.Path, "/verifier/xrp/Payment/prepareRequest"; got != want {
			t.Errorf("path: got %s want %s", got, want)
		}
		if got := r.Header.Get("X-API-KEY"); got != "secret" {
			t.Errorf("api key header: got %q want %q", got, "secret")
		}
		var body struct {
			AttestationType string `json:"attestationType"`
			SourceID        string `json:"sourceId"`
			RequestBody     struct {
				TransactionID string `json:"transactionId"`
				InUtxo        string `json:"inUtxo"`
				Utxo          string `json:"utxo"`
			} `json:"requestBody"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		if got, want := body.AttestationType, "0x5061796d656e7400000000000000000000000000000000000000000000000000"; got != want {
			t.Errorf("attestationType: got %s want %s", got, want)
		}
		if got, want := body.SourceID, "0x7465737458525000000000000000000000000000000000000000000000000000"; got != want {
			t.Errorf("sourceId: got %s want %s", got, want)
		}
		if got, want := body.RequestBody.TransactionID, testTxID.Hex(); got != want {
			t.Errorf("transactionId: got %s want %s", got, want)
		}
		if body.RequestBody.InUtxo != "0" || body.RequestBody.Utxo != "0" {
			t.Errorf("utxo fields: got %q/%q want 0/0", body.RequestBody.InUtxo, body.RequestBody.Utxo)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"VALID","abiEncodedRequest":"0x01020304"}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, "secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	prep, err := c.PreparePaymentRequest(context.Background(), testTxID)
	if err != nil {
		t.Fatalf("PreparePaymentRequest: %v", err)
	}
	if len(prep.ABIEncodedRequest) != 4 || prep.ABIEncodedRequest[0] != 0x01 {
		t.Fatalf("abiEncodedRequest: got %x", prep.ABIEncodedRequest)
	}
	if prep.TransactionID != testTxID {
		t.Fatalf("transaction id: got %s want %s", prep.TransactionID, testTxID)
	}
}

func TestPreparePaymentRequest_InvalidStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"INVALID"}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, "secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.PreparePaymentRequest(context.Background(), testTxID)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error: got %v want StatusError", err)
	}
	if se.Status != "INVALID" {
		t.Fatalf("status: got %q want INVALID", se.Status)
	}
	if !errors.Is(err, ErrRequest) {
		t.Fatalf("StatusError must unwrap to ErrRequest, got %v", err)
	}
}

func TestPreparePaymentRequest_HTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad api key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "wrong")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.PreparePaymentRequest(context.Background(), testTxID); !errors.Is(err, ErrRequest) {
		t.Fatalf("error: got %v want ErrRequest", err)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "k"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("empty url: got %v want ErrInvalidConfig", err)
	}
	if _, err := New("ftp://verifier", "k"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("bad scheme: got %v want ErrInvalidConfig", err)
	}
	if _, err := New("https://verifier.test", "  "); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("blank key: got %v want ErrInvalidConfig", err)
	}
	if _, err := New("https://verifier.test", "k", WithMaxResponseBytes(0)); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("zero max bytes: got %v want ErrInvalidConfig", err)
	}
}
