/*
 * Vellum
 * Copyright (C) 2025  Vellum Labs, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/gravitational/trace"

	"github.com/vellumlabs/vellum"
	"github.com/vellumlabs/vellum/lib/defaults"
)

// TopicBypass is a magic value for TopicARN that makes the publisher send
// messages directly to the SQS queue instead of going through an SNS topic.
const TopicBypass = "bypass"

type snsPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type sqsClient interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQSConfig configures the SQS-backed generation queue.
//
// Dead lettering is the broker's job: the queue is expected to carry a
// redrive policy with maxReceiveCount equal to the worker's delivery budget.
// When publishing goes through SNS the subscription must enable raw message
// delivery so the consumer sees the JSON payload, not an SNS envelope.
type SQSConfig struct {
	// QueueURL is the SQS queue the consumer drains. When TopicARN is
	// TopicBypass or empty the publisher sends here directly.
	QueueURL string
	// TopicARN is the SNS topic to publish to, with the queue subscribed.
	TopicARN string
	// Region is the AWS region, used when no clients are supplied.
	Region string
	// WaitTime is the long poll duration of one Receive call.
	WaitTime time.Duration
	// VisibilityTimeout hides in-flight messages from other consumers.
	VisibilityTimeout time.Duration
	// SNS overrides the SNS client, for tests.
	SNS snsPublisher
	// SQS overrides the SQS client, for tests.
	SQS sqsClient
	// Logger emits queue diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *SQSConfig) CheckAndSetDefaults() error {
	if c.QueueURL == "" {
		return trace.BadParameter("missing parameter QueueURL")
	}
	if c.WaitTime <= 0 {
		c.WaitTime = defaults.QueueWaitTime
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = defaults.QueueVisibilityTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With(vellum.ComponentKey, vellum.ComponentQueue)
	}
	return nil
}

// SQSQueue is the durable generation queue. It implements both ends of the
// bus: Publish on the API side and Receive on the worker side.
type SQSQueue struct {
	cfg SQSConfig
}

var (
	_ Publisher = (*SQSQueue)(nil)
	_ Consumer  = (*SQSQueue)(nil)
)

// NewSQSQueue returns a queue backed by SQS, optionally publishing through
// an SNS topic.
func NewSQSQueue(ctx context.Context, cfg SQSConfig) (*SQSQueue, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.SQS == nil || (cfg.SNS == nil && cfg.usesSNS()) {
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, trace.Wrap(err, "loading AWS config")
		}
		if cfg.SQS == nil {
			cfg.SQS = sqs.NewFromConfig(awsCfg)
		}
		if cfg.SNS == nil && cfg.usesSNS() {
			cfg.SNS = sns.NewFromConfig(awsCfg)
		}
	}
	return &SQSQueue{cfg: cfg}, nil
}

func (c *SQSConfig) usesSNS() bool {
	return c.TopicARN != "" && c.TopicARN != TopicBypass
}

// Publish enqueues one generation message.
func (q *SQSQueue) Publish(ctx context.Context, msg Message) error {
	if err := msg.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return trace.Wrap(err)
	}
	if q.cfg.usesSNS() {
		_, err = q.cfg.SNS.Publish(ctx, &sns.PublishInput{
			TopicArn: aws.String(q.cfg.TopicARN),
			Message:  aws.String(string(body)),
		})
	} else {
		_, err = q.cfg.SQS.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(q.cfg.QueueURL),
			MessageBody: aws.String(string(body)),
		})
	}
	if err != nil {
		return trace.Wrap(ErrPublishFailed, "publishing generation message for certificate %v: %v", msg.CertificateID, err)
	}
	q.cfg.Logger.DebugContext(ctx, "Published generation message.",
		"certificate_id", msg.CertificateID,
		"tenant_schema", msg.TenantSchema,
		"preview", msg.IsPreview,
	)
	return nil
}

// Receive long polls the queue for one message. An empty poll returns
// (nil, nil).
func (q *SQSQueue) Receive(ctx context.Context) (*Delivery, error) {
	out, err := q.cfg.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.cfg.QueueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     int32(q.cfg.WaitTime / time.Second),
		VisibilityTimeout:   int32(q.cfg.VisibilityTimeout / time.Second),
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
			sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}
	raw := out.Messages[0]
	receipt := aws.ToString(raw.ReceiptHandle)

	var msg Message
	decodeErr := json.Unmarshal([]byte(aws.ToString(raw.Body)), &msg)
	if decodeErr == nil {
		decodeErr = msg.CheckAndSetDefaults()
	}
	if decodeErr != nil {
		// Undecodable payloads redeliver until the redrive policy moves
		// them to the DLQ.
		return nil, trace.BadParameter("undecodable generation message %v: %v", aws.ToString(raw.MessageId), decodeErr)
	}

	count := 1
	if v, ok := raw.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, convErr := strconv.Atoi(v); convErr == nil {
			count = n
		}
	}
	return &Delivery{
		Message:       msg,
		DeliveryCount: count,
		ack: func(ctx context.Context) error {
			_, err := q.cfg.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(q.cfg.QueueURL),
				ReceiptHandle: aws.String(receipt),
			})
			return trace.Wrap(err)
		},
		nack: func(ctx context.Context) error {
			// Zero visibility returns the message immediately.
			_, err := q.cfg.SQS.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
				QueueUrl:          aws.String(q.cfg.QueueURL),
				ReceiptHandle:     aws.String(receipt),
				VisibilityTimeout: 0,
			})
			return trace.Wrap(err)
		},
	}, nil
}
