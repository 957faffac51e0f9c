// Package snsnotify publishes notices to an Amazon SNS topic.
package snsnotify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/xenking/invoice-reconciler/internal/notify"
)

// API is the subset of the SNS client used by Notifier.
type API interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	GetTopicAttributes(ctx context.Context, in *sns.GetTopicAttributesInput, optFns ...func(*sns.Options)) (*sns.GetTopicAttributesOutput, error)
}

// Config of the SNS notifier.
type Config struct {
	TopicARN string
	Subject  string
	Endpoint string
}

// Notifier implements notify.Notifier on SNS.
type Notifier struct {
	api     API
	topic   string
	subject string
}

var _ notify.Notifier = (*Notifier)(nil)

// New creates a Notifier.
func New(api API, cfg Config) *Notifier {
	return &Notifier{api: api, topic: cfg.TopicARN, subject: cfg.Subject}
}

// NewFromConfig builds the SNS client from an AWS config.
func NewFromConfig(awsCfg aws.Config, cfg Config) *Notifier {
	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return New(client, cfg)
}

// Publish implements notify.Notifier.
func (n *Notifier) Publish(ctx context.Context, message string) error {
	in := &sns.PublishInput{
		TopicArn: aws.String(n.topic),
		Message:  aws.String(message),
	}
	if n.subject != "" {
		in.Subject = aws.String(n.subject)
	}
	if _, err := n.api.Publish(ctx, in); err != nil {
		return fmt.Errorf("sns publish: %w", err)
	}
	return nil
}

// Ping checks that the topic exists and is reachable.
func (n *Notifier) Ping(ctx context.Context) error {
	_, err := n.api.GetTopicAttributes(ctx, &sns.GetTopicAttributesInput{TopicArn: aws.String(n.topic)})
	if err != nil {
		return fmt.Errorf("sns get topic attributes: %w", err)
	}
	return nil
}
