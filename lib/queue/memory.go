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
	"slices"
	"sync"

	"github.com/gravitational/trace"

	"github.com/vellumlabs/vellum/lib/defaults"
)

// MemoryQueueConfig configures a MemoryQueue.
type MemoryQueueConfig struct {
	// Capacity bounds the in-flight message count. Publishing into a full
	// queue fails with ErrPublishFailed, mirroring a broker outage.
	Capacity int
	// MaxDeliveries is the delivery budget before a nacked message moves to
	// the dead letter slice.
	MaxDeliveries int
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *MemoryQueueConfig) CheckAndSetDefaults() error {
	if c.Capacity <= 0 {
		c.Capacity = 1024
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = defaults.QueueMaxDeliveries
	}
	return nil
}

// MemoryQueue is an in-process generation queue with the same at-least-once
// contract as the SQS queue. Tests and single-process deployments use it.
type MemoryQueue struct {
	cfg      MemoryQueueConfig
	messages chan *memoryMessage

	mu         sync.Mutex
	dead       []Message
	publishErr error
}

type memoryMessage struct {
	msg      Message
	receives int
}

var (
	_ Publisher = (*MemoryQueue)(nil)
	_ Consumer  = (*MemoryQueue)(nil)
)

// NewMemoryQueue returns an empty in-process queue.
func NewMemoryQueue(cfg MemoryQueueConfig) (*MemoryQueue, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &MemoryQueue{
		cfg:      cfg,
		messages: make(chan *memoryMessage, cfg.Capacity),
	}, nil
}

// SetPublishError rigs Publish to fail, simulating a broker outage. A nil
// error restores normal operation.
func (q *MemoryQueue) SetPublishError(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.publishErr = err
}

// Publish enqueues one message.
func (q *MemoryQueue) Publish(ctx context.Context, msg Message) error {
	if err := msg.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	q.mu.Lock()
	rigged := q.publishErr
	q.mu.Unlock()
	if rigged != nil {
		return trace.Wrap(ErrPublishFailed, "publishing generation message for certificate %v: %v", msg.CertificateID, rigged)
	}
	select {
	case q.messages <- &memoryMessage{msg: msg}:
		return nil
	default:
		return trace.Wrap(ErrPublishFailed, "queue is full")
	}
}

// Receive blocks until a message arrives or the context is done.
func (q *MemoryQueue) Receive(ctx context.Context) (*Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	case m := <-q.messages:
		m.receives++
		return &Delivery{
			Message:       m.msg,
			DeliveryCount: m.receives,
			ack: func(context.Context) error {
				return nil
			},
			nack: func(context.Context) error {
				q.requeue(m)
				return nil
			},
		}, nil
	}
}

// requeue returns a nacked message to the queue, or dead-letters it once its
// delivery budget is spent.
func (q *MemoryQueue) requeue(m *memoryMessage) {
	if m.receives >= q.cfg.MaxDeliveries {
		q.deadLetter(m.msg)
		return
	}
	select {
	case q.messages <- m:
	default:
		q.deadLetter(m.msg)
	}
}

func (q *MemoryQueue) deadLetter(msg Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, msg)
}

// DeadLetters returns the messages that exceeded their delivery budget.
func (q *MemoryQueue) DeadLetters() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.dead)
}

// Len returns the number of queued messages.
func (q *MemoryQueue) Len() int {
	return len(q.messages)
}
