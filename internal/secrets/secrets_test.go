package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type fakeAWSClient struct {
	out *secretsmanager.GetSecretValueOutput
	err error
}

func (c *fakeAWSClient) GetSecretValue(_ context.Context, _ *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.out, nil
}

func TestEnvProvider(t *testing.T) {
	const key = "FDC_SECRET_TEST_ENV"
	t.Setenv(key, "  verifier-api-key  ")
	p := NewEnv()
	got, err := p.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "verifier-api-key" {
		t.Fatalf("value mismatch: got %q", got)
	}

	if _, err := p.Get(context.Background(), "MISSING_ENV_KEY_XYZ"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAWSProvider(t *testing.T) {
	t.Parallel()

	p, err := NewAWSWithClient(&fakeAWSClient{
		out: &secretsmanager.GetSecretValueOutput{
			SecretString: strPtr(" secret "),
		},
	})
	if err != nil {
		t.Fatalf("NewAWSWithClient: %v", err)
	}
	got, err := p.Get(context.Background(), "arn:aws:secretsmanager:us-east-1:123:secret:fdc-signer")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "secret" {
		t.Fatalf("secret mismatch: got %q", got)
	}

	if _, err := p.Get(context.Background(), "  "); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for blank key, got %v", err)
	}

	empty, err := NewAWSWithClient(&fakeAWSClient{out: &secretsmanager.GetSecretValueOutput{}})
	if err != nil {
		t.Fatalf("NewAWSWithClient: %v", err)
	}
	if _, err := empty.Get(context.Background(), "fdc-signer"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty secret, got %v", err)
	}
}

type staticProvider struct {
	values map[string]string
}

func (p *staticProvider) Get(_ context.Context, key string) (string, error) {
	v, ok := p.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func TestChainProvider(t *testing.T) {
	t.Parallel()

	first := &staticProvider{values: map[string]string{"a": "from-first"}}
	second := &staticProvider{values: map[string]string{"a": "from-second", "b": "from-second"}}

	chain, err := NewChain(first, second)
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}

	got, err := chain.Get(context.Background(), "a")
	if err != nil {
		t.Fatalf("Get a: %v", err)
	}
	if got != "from-first" {
		t.Fatalf("expected first provider to win, got %q", got)
	}

	got, err = chain.Get(context.Background(), "b")
	if err != nil {
		t.Fatalf("Get b: %v", err)
	}
	if got != "from-second" {
		t.Fatalf("expected fallback value, got %q", got)
	}

	if _, err := chain.Get(context.Background(), "c"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := NewChain(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for empty chain, got %v", err)
	}
}

func strPtr(v string) *string { return &v }
