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
	"errors"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/vellumlabs/vellum/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

func testMessage() Message {
	return Message{
		CertificateID: uuid.New(),
		TenantSchema:  "acme_corp",
		IsPreview:     false,
	}
}

func TestMessageValidation(t *testing.T) {
	t.Parallel()

	msg := testMessage()
	require.NoError(t, msg.CheckAndSetDefaults())

	missing := msg
	missing.CertificateID = uuid.Nil
	require.Error(t, missing.CheckAndSetDefaults())

	bad := msg
	bad.TenantSchema = "acme;drop"
	require.Error(t, bad.CheckAndSetDefaults())

	// Wire format is part of the contract with the broker.
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	require.Contains(t, string(body), `"certificateId"`)
	require.Contains(t, string(body), `"tenantSchema"`)
	require.Contains(t, string(body), `"isPreview"`)
}

func TestMemoryQueueRoundTrip(t *testing.T) {
	t.Parallel()
	q, err := NewMemoryQueue(MemoryQueueConfig{})
	require.NoError(t, err)

	msg := testMessage()
	require.NoError(t, q.Publish(t.Context(), msg))
	require.Equal(t, 1, q.Len())

	delivery, err := q.Receive(t.Context())
	require.NoError(t, err)
	require.Equal(t, msg, delivery.Message)
	require.Equal(t, 1, delivery.DeliveryCount)
	require.NoError(t, delivery.Ack(t.Context()))
	require.Zero(t, q.Len())
}

func TestMemoryQueueNackRedelivers(t *testing.T) {
	t.Parallel()
	q, err := NewMemoryQueue(MemoryQueueConfig{MaxDeliveries: 3})
	require.NoError(t, err)
	require.NoError(t, q.Publish(t.Context(), testMessage()))

	first, err := q.Receive(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, first.DeliveryCount)
	require.NoError(t, first.Nack(t.Context()))

	second, err := q.Receive(t.Context())
	require.NoError(t, err)
	require.Equal(t, first.Message, second.Message)
	require.Equal(t, 2, second.DeliveryCount)
	require.Empty(t, q.DeadLetters())
}

func TestMemoryQueueDeadLetters(t *testing.T) {
	t.Parallel()
	q, err := NewMemoryQueue(MemoryQueueConfig{MaxDeliveries: 2})
	require.NoError(t, err)
	msg := testMessage()
	require.NoError(t, q.Publish(t.Context(), msg))

	for want := 1; want <= 2; want++ {
		delivery, err := q.Receive(t.Context())
		require.NoError(t, err)
		require.Equal(t, want, delivery.DeliveryCount)
		require.NoError(t, delivery.Nack(t.Context()))
	}

	// The second nack spent the budget: the message is dead, not queued.
	require.Zero(t, q.Len())
	require.Equal(t, []Message{msg}, q.DeadLetters())
}

func TestMemoryQueuePublishFailures(t *testing.T) {
	t.Parallel()
	q, err := NewMemoryQueue(MemoryQueueConfig{Capacity: 1})
	require.NoError(t, err)

	require.NoError(t, q.Publish(t.Context(), testMessage()))
	err = q.Publish(t.Context(), testMessage())
	require.True(t, IsPublishFailed(err), "full queue: %v", err)

	q2, err := NewMemoryQueue(MemoryQueueConfig{})
	require.NoError(t, err)
	q2.SetPublishError(errors.New("broker down"))
	err = q2.Publish(t.Context(), testMessage())
	require.True(t, IsPublishFailed(err), "rigged queue: %v", err)

	q2.SetPublishError(nil)
	require.NoError(t, q2.Publish(t.Context(), testMessage()))
}

func TestMemoryQueueReceiveHonorsContext(t *testing.T) {
	t.Parallel()
	q, err := NewMemoryQueue(MemoryQueueConfig{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err = q.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

type fakeSNS struct {
	inputs []*sns.PublishInput
	err    error
}

func (f *fakeSNS) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.inputs = append(f.inputs, params)
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{}, nil
}

type fakeSQS struct {
	sent       []*sqs.SendMessageInput
	deleted    []*sqs.DeleteMessageInput
	visibility []*sqs.ChangeMessageVisibilityInput
	receives   []*sqs.ReceiveMessageOutput
	sendErr    error
}

func (f *fakeSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, params)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if len(f.receives) == 0 {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	out := f.receives[0]
	f.receives = f.receives[1:]
	return out, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, params)
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.visibility = append(f.visibility, params)
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func newSQSQueue(t *testing.T, topicARN string, fsns *fakeSNS, fsqs *fakeSQS) *SQSQueue {
	t.Helper()
	cfg := SQSConfig{
		QueueURL: "https://sqs.test/queue",
		TopicARN: topicARN,
		SQS:      fsqs,
	}
	if fsns != nil {
		cfg.SNS = fsns
	}
	q, err := NewSQSQueue(t.Context(), cfg)
	require.NoError(t, err)
	return q
}

func TestSQSPublishViaSNS(t *testing.T) {
	t.Parallel()
	fsns := &fakeSNS{}
	fsqs := &fakeSQS{}
	q := newSQSQueue(t, "arn:aws:sns:test:topic", fsns, fsqs)

	msg := testMessage()
	require.NoError(t, q.Publish(t.Context(), msg))
	require.Len(t, fsns.inputs, 1)
	require.Empty(t, fsqs.sent)
	require.Equal(t, "arn:aws:sns:test:topic", aws.ToString(fsns.inputs[0].TopicArn))

	var sent Message
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(fsns.inputs[0].Message)), &sent))
	require.Equal(t, msg, sent)
}

func TestSQSPublishBypassesSNS(t *testing.T) {
	t.Parallel()
	for _, topic := range []string{TopicBypass, ""} {
		fsns := &fakeSNS{}
		fsqs := &fakeSQS{}
		q := newSQSQueue(t, topic, fsns, fsqs)

		require.NoError(t, q.Publish(t.Context(), testMessage()))
		require.Empty(t, fsns.inputs)
		require.Len(t, fsqs.sent, 1)
		require.Equal(t, "https://sqs.test/queue", aws.ToString(fsqs.sent[0].QueueUrl))
	}
}

func TestSQSPublishFailure(t *testing.T) {
	t.Parallel()
	fsqs := &fakeSQS{sendErr: errors.New("throttled")}
	q := newSQSQueue(t, TopicBypass, nil, fsqs)

	err := q.Publish(t.Context(), testMessage())
	require.True(t, IsPublishFailed(err), "got %v", err)
	require.ErrorContains(t, err, "throttled")
}

func TestSQSReceiveAckNack(t *testing.T) {
	t.Parallel()
	msg := testMessage()
	body, err := json.Marshal(msg)
	require.NoError(t, err)

	fsqs := &fakeSQS{receives: []*sqs.ReceiveMessageOutput{
		{Messages: []sqstypes.Message{{
			MessageId:     aws.String("m-1"),
			ReceiptHandle: aws.String("rh-1"),
			Body:          aws.String(string(body)),
			Attributes: map[string]string{
				string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount): "2",
			},
		}}},
	}}
	q := newSQSQueue(t, TopicBypass, nil, fsqs)

	delivery, err := q.Receive(t.Context())
	require.NoError(t, err)
	require.NotNil(t, delivery)
	require.Equal(t, msg, delivery.Message)
	require.Equal(t, 2, delivery.DeliveryCount)

	require.NoError(t, delivery.Ack(t.Context()))
	require.Len(t, fsqs.deleted, 1)
	require.Equal(t, "rh-1", aws.ToString(fsqs.deleted[0].ReceiptHandle))

	require.NoError(t, delivery.Nack(t.Context()))
	require.Len(t, fsqs.visibility, 1)
	require.Zero(t, fsqs.visibility[0].VisibilityTimeout)

	// Queue drained: an empty poll is not an error.
	delivery, err = q.Receive(t.Context())
	require.NoError(t, err)
	require.Nil(t, delivery)
}

func TestSQSReceiveUndecodable(t *testing.T) {
	t.Parallel()
	fsqs := &fakeSQS{receives: []*sqs.ReceiveMessageOutput{
		{Messages: []sqstypes.Message{{
			MessageId:     aws.String("m-2"),
			ReceiptHandle: aws.String("rh-2"),
			Body:          aws.String("not json"),
		}}},
	}}
	q := newSQSQueue(t, TopicBypass, nil, fsqs)

	_, err := q.Receive(t.Context())
	require.Error(t, err)
	require.ErrorContains(t, err, "m-2")
	// The message is left to the broker's redrive policy, not deleted.
	require.Empty(t, fsqs.deleted)
}
