// Command consumer boots one worker of a consumer group: it loads
// configuration, provisions the backing table, starts the state store
// and heartbeat manager, and runs a minimal shard-lease loop. Record
// fetching and decoding are out of scope: this binary only exercises
// the coordination layer, logging each lease it takes instead of
// reading records from it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/lifion/lifion-kinesis-sub001/internal/config"
	"github.com/lifion/lifion-kinesis-sub001/internal/heartbeat"
	"github.com/lifion/lifion-kinesis-sub001/internal/kvstore"
	"github.com/lifion/lifion-kinesis-sub001/internal/logging"
	"github.com/lifion/lifion-kinesis-sub001/internal/metrics"
	"github.com/lifion/lifion-kinesis-sub001/internal/model"
	"github.com/lifion/lifion-kinesis-sub001/internal/provisioner"
	"github.com/lifion/lifion-kinesis-sub001/internal/statestore"
	"github.com/lifion/lifion-kinesis-sub001/internal/streamclient"
	"github.com/lifion/lifion-kinesis-sub001/internal/topology"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the worker configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "consumer: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(logging.Config{Level: cfg.Logging.Level, LogFile: cfg.Logging.LogFile})
	entry := log.WithField("component", "consumer")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		entry.WithError(err).Fatal("failed to load AWS configuration")
	}

	consumerID := cfg.Consumer.ConsumerID
	if consumerID == "" {
		consumerID = uuid.NewString()
	}

	dynamoAPI := dynamodb.NewFromConfig(awsCfg)
	tableName := cfg.DynamoDB.TableName
	if tableName == "" {
		tableName = cfg.Consumer.AppName + "_state"
	}
	if err := provisioner.EnsureTable(ctx, dynamoAPI, provisioner.Spec{
		TableName:             tableName,
		Tags:                  cfg.DynamoDB.Tags,
		ProvisionedReadUnits:  cfg.DynamoDB.ProvisionedReadUnits,
		ProvisionedWriteUnits: cfg.DynamoDB.ProvisionedWriteUnits,
	}); err != nil {
		entry.WithError(err).Fatal("failed to provision state table")
	}

	kv := kvstore.NewDynamoDBClient(dynamoAPI, tableName)
	rec := metrics.NewLogRecorder(entry)

	kinesisAPI := kinesis.NewFromConfig(awsCfg)
	stream := streamclient.New(kinesisAPI, cfg.Kinesis.StreamName)

	streamCreatedOn := time.Now()
	if desc, derr := kinesisAPI.DescribeStream(ctx, &kinesis.DescribeStreamInput{StreamName: &cfg.Kinesis.StreamName}); derr == nil && desc.StreamDescription.StreamCreationTimestamp != nil {
		streamCreatedOn = *desc.StreamDescription.StreamCreationTimestamp
	}

	hostname, _ := os.Hostname()
	store := statestore.New(kv, statestore.Options{
		ConsumerGroup:          cfg.Consumer.ConsumerGroup,
		StreamName:             cfg.Kinesis.StreamName,
		StreamCreatedOn:        streamCreatedOn,
		ConsumerID:             consumerID,
		AppName:                cfg.Consumer.AppName,
		Host:                   hostname,
		PID:                    os.Getpid(),
		UseAutoShardAssignment: cfg.Consumer.UseAutoShardAssignment,
		UseEnhancedFanOut:      cfg.Consumer.UseEnhancedFanOut,
		Metrics:                rec,
		Logger:                 entry,
	})

	if err := store.Start(ctx); err != nil {
		entry.WithError(err).Fatal("failed to start state store")
	}
	if err := store.RegisterConsumer(ctx); err != nil {
		entry.WithError(err).Fatal("failed to register consumer")
	}

	k8sClient := newK8sClient(entry)
	entry.WithField("workerCount", topology.WorkerCount(ctx, k8sClient, entry)).Info("resolved replica topology")

	hm, err := heartbeat.NewManager(store, cfg.Consumer.HeartbeatPeriod, cfg.Consumer.HeartbeatFailureTimeout, entry, rec)
	if err != nil {
		entry.WithError(err).Fatal("invalid heartbeat configuration")
	}
	hm.Start(ctx)
	defer hm.Stop()

	var ready int32
	go runShardLeaseLoop(ctx, store, stream, cfg, entry, &ready)

	srv := newHealthServer(&ready)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			entry.WithError(err).Error("health server stopped unexpectedly")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	entry.Info("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	cancel()
}

func loadAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWS.Region),
	}
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
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

func newK8sClient(log *logrus.Entry) kubernetes.Interface {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		log.WithError(err).Debug("not running in a Kubernetes pod, topology reporting will fall back to 1")
		return nil
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		log.WithError(err).Warn("failed to build Kubernetes client")
		return nil
	}
	return client
}

// runShardLeaseLoop is a minimal exerciser of the shard-lease protocol:
// it periodically lists shards, takes a lease on any unowned one, and
// releases it shortly after, standing in for the per-shard reader loops
// that read and decode records, which stay outside the coordination
// layer.
func runShardLeaseLoop(ctx context.Context, store *statestore.Store, stream *streamclient.Client, cfg *config.Config, log *logrus.Entry, ready *int32) {
	ticker := time.NewTicker(cfg.Consumer.ShardLeaseDuration)
	defer ticker.Stop()

	atomic.StoreInt32(ready, 1)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		shards, err := stream.ListShards(ctx)
		if err != nil {
			log.WithError(err).Warn("failed to list shards")
			continue
		}

		for _, shard := range shards {
			entry, _, err := store.GetShardAndStreamState(ctx, shard.ShardID, shard.ParentShardID)
			if err != nil {
				log.WithError(err).WithField("shardId", shard.ShardID).Warn("failed to read shard state")
				continue
			}
			if entry.LeaseOwner != nil {
				continue
			}
			acquired, err := store.LockShardLease(ctx, shard.ShardID, cfg.Consumer.ShardLeaseDuration, entry.Version)
			if err != nil {
				log.WithError(err).WithField("shardId", shard.ShardID).Warn("failed to lock shard lease")
				continue
			}
			if acquired {
				log.WithField("shardId", shard.ShardID).Info("acquired shard lease")
				if _, err := store.ReleaseShardLease(ctx, shard.ShardID, model.NextVersion(entry.Version)); err != nil {
					log.WithError(err).WithField("shardId", shard.ShardID).Warn("failed to release shard lease")
				}
			}
		}
	}
}

func newHealthServer(ready *int32) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(ready) == 1 {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	return &http.Server{Addr: ":8080", Handler: mux}
}
