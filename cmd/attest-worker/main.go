package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fassko/fdc-demo-dapp/internal/artifacts"
	"github.com/fassko/fdc-demo-dapp/internal/attestation"
	"github.com/fassko/fdc-demo-dapp/internal/attstore"
	"github.com/fassko/fdc-demo-dapp/internal/attstore/postgres"
	"github.com/fassko/fdc-demo-dapp/internal/dalayer"
	"github.com/fassko/fdc-demo-dapp/internal/fdc"
	"github.com/fassko/fdc-demo-dapp/internal/flare"
	"github.com/fassko/fdc-demo-dapp/internal/queue"
	"github.com/fassko/fdc-demo-dapp/internal/registry"
	"github.com/fassko/fdc-demo-dapp/internal/secrets"
	"github.com/fassko/fdc-demo-dapp/internal/verifier"
	"github.com/fassko/fdc-demo-dapp/internal/xrpl"
)

func main() {
	var (
		rpcURL  = flag.String("rpc-url", "", "Flare RPC URL (required)")
		chainID = flag.Uint64("chain-id", 0, "Flare chain ID (required)")

		verifierURL    = flag.String("verifier-url", "", "FDC verifier base URL (required)")
		verifierKeyRef = flag.String("verifier-api-key-ref", "FDC_VERIFIER_API_KEY", "verifier API key secret reference")
		daLayerURL     = flag.String("da-layer-url", "", "DA Layer base URL (required)")
		daLayerKeyRef  = flag.String("da-layer-api-key-ref", "FDC_DA_LAYER_API_KEY", "DA Layer API key secret reference")
		xrplURL        = flag.String("xrpl-url", "", "optional XRPL JSON-RPC URL for payment prechecks")
		source         = flag.String("source", "testXRP", "attestation source: XRP|testXRP")

		signerKeyRef  = flag.String("signer-key-ref", "FDC_SIGNER_KEY", "fee signer private key secret reference")
		secretsDriver = flag.String("secrets-driver", "env", "secrets driver: aws|env|aws+env")

		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required for postgres store)")
		storeDriver = flag.String("store-driver", "memory", "attestation store driver: postgres|memory")
		owner       = flag.String("owner", "", "unique worker instance id (required)")
		claimTTL    = flag.Duration("claim-ttl", 30*time.Minute, "processing lease duration per request")

		artifactsDriver = flag.String("artifacts-driver", "", "artifact store driver: s3|memory (empty disables archiving)")
		artifactsBucket = flag.String("artifacts-bucket", "", "S3 bucket for artifacts (required for s3 driver)")
		artifactsPrefix = flag.String("artifacts-prefix", "", "key prefix for archived artifacts")

		inputTopic   = flag.String("input-topic", attestation.TopicRequest, "attestation job input topic")
		resultTopic  = flag.String("result-topic", attestation.TopicResult, "attestation result output topic")
		failureTopic = flag.String("failure-topic", attestation.TopicFailure, "attestation failure output topic")

		queueDriver   = flag.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
		queueBrokers  = flag.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
		queueGroup    = flag.String("queue-group", "attest-worker", "queue consumer group")
		maxLineBytes  = flag.Int("max-line-bytes", 1<<20, "max stdin line bytes for stdio driver")
		queueMaxBytes = flag.Int("queue-max-bytes", 10<<20, "max kafka message size to consume")
		ackTimeout    = flag.Duration("queue-ack-timeout", 5*time.Second, "queue message ack timeout")

		maxInflight      = flag.Int("max-inflight-requests", 4, "maximum concurrent attestation workflows")
		finalityPoll     = flag.Duration("finality-poll-interval", 10*time.Second, "relay finality poll interval")
		finalityAttempts = flag.Int("finality-max-attempts", 90, "relay finality poll attempts")
		proofPoll        = flag.Duration("proof-poll-interval", 10*time.Second, "DA Layer proof poll interval")
		proofAttempts    = flag.Int("proof-max-attempts", 60, "DA Layer proof poll attempts")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if *rpcURL == "" || *chainID == 0 || *verifierURL == "" || *daLayerURL == "" || *owner == "" {
		fmt.Fprintln(os.Stderr, "error: --rpc-url, --chain-id, --verifier-url, --da-layer-url, and --owner are required")
		os.Exit(2)
	}
	if *claimTTL <= 0 {
		fmt.Fprintln(os.Stderr, "error: --claim-ttl must be > 0")
		os.Exit(2)
	}
	if *maxInflight <= 0 || *maxLineBytes <= 0 || *queueMaxBytes <= 0 {
		fmt.Fprintln(os.Stderr, "error: --max-inflight-requests, --max-line-bytes, and --queue-max-bytes must be > 0")
		os.Exit(2)
	}
	if *ackTimeout <= 0 || *finalityPoll <= 0 || *proofPoll <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeout/interval values must be > 0")
		os.Exit(2)
	}
	sourceID, err := resolveSourceID(*source)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	secretProvider, err := secrets.NewFromDriver(ctx, *secretsDriver)
	if err != nil {
		log.Error("init secrets provider", "err", err)
		os.Exit(2)
	}
	signerKeyHex, err := secretProvider.Get(ctx, *signerKeyRef)
	if err != nil {
		log.Error("load signer private key", "err", err, "ref", *signerKeyRef)
		os.Exit(2)
	}
	verifierKey, err := secretProvider.Get(ctx, *verifierKeyRef)
	if err != nil {
		log.Error("load verifier api key", "err", err, "ref", *verifierKeyRef)
		os.Exit(2)
	}
	daLayerKey, err := secretProvider.Get(ctx, *daLayerKeyRef)
	if err != nil {
		log.Error("load da layer api key", "err", err, "ref", *daLayerKeyRef)
		os.Exit(2)
	}

	privateKey, err := flare.ParsePrivateKeyHex(signerKeyHex)
	if err != nil {
		log.Error("parse signer private key", "err", err)
		os.Exit(2)
	}
	signer, err := flare.NewLocalSigner(privateKey)
	if err != nil {
		log.Error("init signer", "err", err)
		os.Exit(2)
	}

	client, err := ethclient.DialContext(ctx, *rpcURL)
	if err != nil {
		log.Error("dial flare rpc", "err", err)
		os.Exit(2)
	}
	defer client.Close()

	verifierClient, err := verifier.New(*verifierURL, verifierKey, verifier.WithSource(sourceID))
	if err != nil {
		log.Error("init verifier client", "err", err)
		os.Exit(2)
	}
	daLayerClient, err := dalayer.New(*daLayerURL, daLayerKey)
	if err != nil {
		log.Error("init da layer client", "err", err)
		os.Exit(2)
	}
	resolver, err := registry.New(client)
	if err != nil {
		log.Error("init contract registry", "err", err)
		os.Exit(2)
	}
	submitter, err := flare.NewSubmitter(client, signer, flare.SubmitterConfig{
		ChainID: new(big.Int).SetUint64(*chainID),
	})
	if err != nil {
		log.Error("init submitter", "err", err)
		os.Exit(2)
	}

	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:        *queueDriver,
		Brokers:       queue.SplitCommaList(*queueBrokers),
		Group:         *queueGroup,
		Topics:        []string{*inputTopic},
		KafkaMaxBytes: *queueMaxBytes,
		MaxLineBytes:  *maxLineBytes,
	})
	if err != nil {
		log.Error("init queue consumer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = consumer.Close() }()

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
	})
	if err != nil {
		log.Error("init queue producer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = producer.Close() }()

	var store attstore.Store
	switch strings.ToLower(strings.TrimSpace(*storeDriver)) {
	case "postgres":
		if *postgresDSN == "" {
			fmt.Fprintln(os.Stderr, "error: --postgres-dsn is required when --store-driver=postgres")
			os.Exit(2)
		}
		pool, err := pgxpool.New(ctx, *postgresDSN)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()

		pgStore, err := postgres.New(pool)
		if err != nil {
			log.Error("init attestation postgres store", "err", err)
			os.Exit(2)
		}
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Error("ensure attestation postgres schema", "err", err)
			os.Exit(2)
		}
		store = pgStore
	case "memory":
		store = attstore.NewMemoryStore()
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported --store-driver %q\n", *storeDriver)
		os.Exit(2)
	}

	archive, err := newArtifactArchive(ctx, *artifactsDriver, *artifactsBucket, *artifactsPrefix)
	if err != nil {
		log.Error("init artifact archive", "err", err)
		os.Exit(2)
	}

	workflow, err := attestation.New(attestation.Config{
		FinalityPollInterval: *finalityPoll,
		FinalityMaxAttempts:  *finalityAttempts,
		ProofPollInterval:    *proofPoll,
		ProofMaxAttempts:     *proofAttempts,
		Owner:                *owner,
		ClaimTTL:             *claimTTL,
	}, verifierClient, daLayerClient, resolver, submitter, client, log)
	if err != nil {
		log.Error("init attestation workflow", "err", err)
		os.Exit(2)
	}
	workflow = workflow.WithStore(store)
	if archive != nil {
		workflow = workflow.WithArchive(archive)
	}
	if strings.TrimSpace(*xrplURL) != "" {
		payments, err := xrpl.New(strings.TrimSpace(*xrplURL))
		if err != nil {
			log.Error("init xrpl client", "err", err)
			os.Exit(2)
		}
		workflow = workflow.WithPaymentCheck(payments)
	}

	worker, err := attestation.NewWorker(attestation.WorkerConfig{
		InputTopic:   *inputTopic,
		ResultTopic:  *resultTopic,
		FailureTopic: *failureTopic,
		MaxInflight:  *maxInflight,
		AckTimeout:   *ackTimeout,
	}, workflow, consumer, producer, log)
	if err != nil {
		log.Error("init attestation worker", "err", err)
		os.Exit(2)
	}

	log.Info("attest-worker started",
		"owner", *owner,
		"chain_id", *chainID,
		"source", *source,
		"signer", submitter.From().Hex(),
		"store_driver", *storeDriver,
		"artifacts_driver", *artifactsDriver,
		"input_topic", *inputTopic,
		"result_topic", *resultTopic,
		"failure_topic", *failureTopic,
		"max_inflight_requests", *maxInflight,
		"finality_poll_interval", finalityPoll.String(),
		"proof_poll_interval", proofPoll.String(),
	)

	if err := worker.Run(ctx); err != nil {
		log.Error("attest-worker exited with error", "err", err)
		os.Exit(1)
	}
}

func resolveSourceID(name string) (common.Hash, error) {
	switch strings.TrimSpace(name) {
	case "XRP":
		return fdc.SourceXRP(), nil
	case "testXRP":
		return fdc.SourceTestXRP(), nil
	default:
		return common.Hash{}, fmt.Errorf("unsupported --source %q", name)
	}
}

// newArtifactArchive returns nil when driver is empty, which disables
// archiving entirely.
func newArtifactArchive(ctx context.Context, driver, bucket, prefix string) (*artifacts.Archive, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "":
		return nil, nil
	case artifacts.DriverMemory:
		store, err := artifacts.New(artifacts.Config{Driver: artifacts.DriverMemory, Prefix: prefix})
		if err != nil {
			return nil, err
		}
		return artifacts.NewArchive(store)
	case artifacts.DriverS3:
		if strings.TrimSpace(bucket) == "" {
			return nil, fmt.Errorf("--artifacts-bucket is required when --artifacts-driver=s3")
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		store, err := artifacts.New(artifacts.Config{
			Driver:   artifacts.DriverS3,
			Prefix:   prefix,
			Bucket:   bucket,
			S3Client: awss3.NewFromConfig(awsCfg),
		})
		if err != nil {
			return nil, err
		}
		return artifacts.NewArchive(store)
	default:
		return nil, fmt.Errorf("unsupported --artifacts-driver %q", driver)
	}
}
