// Package awsbackend provides DynamoDB, SQS and S3 implementations of the
// invoicerelay storage and queue capabilities.
package awsbackend

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/agentworkforce/invoicerelay/internal/invoicerelay"
)

var registerOnce sync.Once

// Register installs the dynamodb://, sqs:// and s3:// schemes.
//
//	dynamodb://<table>?region=eu-west-1&endpoint=http://localhost:4566
//	sqs://?region=eu-west-1&wait=10s
//	s3://?region=eu-west-1&endpoint=http://localhost:4566
func Register() {
	registerOnce.Do(func() {
		invoicerelay.RegisterTrackingStoreFactory("dynamodb", buildTrackingStore)
		invoicerelay.RegisterMessageQueueFactory("sqs", buildMessageQueue)
		invoicerelay.RegisterObjectStoreFactory("s3", buildObjectStore)
	})
}

type dsnSettings struct {
	target   string
	region   string
	endpoint string
	query    url.Values
}

func parseDSN(dsn string) (dsnSettings, error) {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return dsnSettings{}, err
	}
	query := parsed.Query()
	return dsnSettings{
		target:   strings.Trim(parsed.Host+parsed.Path, "/"),
		region:   query.Get("region"),
		endpoint: query.Get("endpoint"),
		query:    query,
	}, nil
}

func loadConfig(settings dsnSettings) (aws.Config, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var opts []func(*config.LoadOptions) error
	if settings.region != "" {
		opts = append(opts, config.WithRegion(settings.region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}

func buildTrackingStore(dsn string) (invoicerelay.TrackingStore, error) {
	settings, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if settings.target == "" {
		return nil, fmt.Errorf("%w: dynamodb dsn needs a table name", invoicerelay.ErrInvalidInput)
	}
	cfg, err := loadConfig(settings)
	if err != nil {
		return nil, err
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if settings.endpoint != "" {
			o.BaseEndpoint = aws.String(settings.endpoint)
		}
	})
	return NewDynamoTrackingStore(client, settings.target)
}

func buildMessageQueue(dsn string, opts invoicerelay.QueueOptions) (invoicerelay.MessageQueue, error) {
	settings, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	queueOpts := SQSQueueOptions{VisibilityTimeout: opts.VisibilityTimeout}
	if raw := settings.query.Get("wait"); raw != "" {
		wait, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: sqs wait %q: %v", invoicerelay.ErrInvalidInput, raw, err)
		}
		queueOpts.WaitTime = wait
	}
	cfg, err := loadConfig(settings)
	if err != nil {
		return nil, err
	}
	client := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if settings.endpoint != "" {
			o.BaseEndpoint = aws.String(settings.endpoint)
		}
	})
	return NewSQSQueue(client, queueOpts)
}

func buildObjectStore(dsn string) (invoicerelay.ObjectStore, error) {
	settings, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(settings)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if settings.endpoint != "" {
			o.BaseEndpoint = aws.String(settings.endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3ObjectStore(client)
}
