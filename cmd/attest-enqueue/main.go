package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fassko/fdc-demo-dapp/internal/attestation"
	"github.com/fassko/fdc-demo-dapp/internal/fdc"
	"github.com/fassko/fdc-demo-dapp/internal/queue"
)

type stringListFlag []string

func (f *stringListFlag) String() string {
	if f == nil {
		return ""
	}
	return strings.Join(*f, ",")
}

func (f *stringListFlag) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return errors.New("value must not be empty")
	}
	*f = append(*f, v)
	return nil
}

func main() {
	if err := runMain(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdin io.Reader, stdout io.Writer) error {
	var txIDs stringListFlag
	fs := flag.NewFlagSet("attest-enqueue", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	queueDriver := fs.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
	queueBrokers := fs.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
	topic := fs.String("topic", attestation.TopicRequest, "attestation job topic")
	fs.Var(&txIDs, "tx-id", "XRP Ledger payment transaction id (repeatable)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*topic) == "" {
		return errors.New("--topic is required")
	}

	ids, err := loadTxIDs(txIDs, stdin)
	if err != nil {
		return err
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		Writer:  stdout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()

	ctx := context.Background()
	for _, id := range ids {
		txHash, err := fdc.NormalizeTxID(id)
		if err != nil {
			return fmt.Errorf("tx id %q: %w", id, err)
		}
		payload, err := attestation.EncodeJobMessage(attestation.JobMessage{TransactionID: txHash})
		if err != nil {
			return err
		}
		if err := producer.Publish(ctx, *topic, txHash.Bytes(), payload); err != nil {
			return err
		}
	}
	return nil
}

func loadTxIDs(flagIDs []string, stdin io.Reader) ([]string, error) {
	if len(flagIDs) > 0 {
		return flagIDs, nil
	}
	if stdin == nil {
		return nil, errors.New("at least one transaction id is required via --tx-id or stdin")
	}
	var ids []string
	sc := bufio.NewScanner(stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		ids = append(ids, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	if len(ids) == 0 {
		return nil, errors.New("at least one transaction id is required via --tx-id or stdin")
	}
	return ids, nil
}
