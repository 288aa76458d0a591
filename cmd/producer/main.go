// Command producer is a thin Kinesis record producer used to exercise a
// stream the consumer binary reads; it has no part in the coordination
// layer itself, which treats record production as out of scope.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"

	"github.com/lifion/lifion-kinesis-sub001/internal/config"
	"github.com/lifion/lifion-kinesis-sub001/internal/logging"
)

// event is a sample payload for smoke-testing record flow end to end.
type event struct {
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Value     float64   `json:"value"`
	ShardKey  string    `json:"shard_key"`
}

var actions = []string{"login", "purchase", "view", "click", "logout", "search"}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the worker configuration file")
	batchSize := flag.Int("batch-size", 10, "records per batch")
	batchDelay := flag.Duration("batch-delay", time.Second, "delay between batches")
	numShards := flag.Int("num-shards", 1, "number of distinct partition keys to spread records across")
	total := flag.Int("total", 0, "total records to send before exiting (0 = unbounded)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "producer: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(logging.Config{Level: cfg.Logging.Level, LogFile: cfg.Logging.LogFile})
	entry := log.WithField("component", "producer")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWS.Region)}
	if cfg.AWS.Endpoint != "" {
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(
			aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{URL: cfg.AWS.Endpoint, HostnameImmutable: true, SigningRegion: region}, nil
			}),
		))
	}
	if cfg.AWS.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWS.AccessKey, cfg.AWS.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		entry.WithError(err).Fatal("failed to load AWS configuration")
	}
	client := kinesis.NewFromConfig(awsCfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		entry.Info("received shutdown signal")
		cancel()
	}()

	sent := 0
	start := time.Now()
	for {
		if *total > 0 && sent >= *total {
			break
		}
		select {
		case <-ctx.Done():
			entry.WithField("sent", sent).Info("producer stopped")
			return
		default:
		}

		for i := 0; i < *batchSize; i++ {
			if *total > 0 && sent >= *total {
				break
			}
			e := generateEvent(*numShards)
			data, err := json.Marshal(e)
			if err != nil {
				entry.WithError(err).Warn("failed to marshal event")
				continue
			}
			_, err = client.PutRecord(ctx, &kinesis.PutRecordInput{
				StreamName:   aws.String(cfg.Kinesis.StreamName),
				Data:         data,
				PartitionKey: aws.String(e.ShardKey),
			})
			if err != nil {
				entry.WithError(err).Warn("failed to put record")
				continue
			}
			sent++
		}

		entry.WithFields(map[string]interface{}{
			"sent":    sent,
			"elapsed": time.Since(start).String(),
		}).Info("batch sent")

		select {
		case <-ctx.Done():
			return
		case <-time.After(*batchDelay):
		}
	}
	entry.WithField("sent", sent).Info("reached total record limit")
}

func generateEvent(numShards int) event {
	return event{
		EventID:   fmt.Sprintf("evt_%d", time.Now().UnixNano()),
		Timestamp: time.Now(),
		Action:    actions[rand.Intn(len(actions))],
		Value:     rand.Float64() * 1000,
		ShardKey:  fmt.Sprintf("shard-key-%d", rand.Intn(numShards)),
	}
}
