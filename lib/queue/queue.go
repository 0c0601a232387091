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

// Package queue moves certificate generation work from the API to the
// worker pool.
//
// Delivery is at-least-once: the consumer may see the same message twice and
// the engine's status preconditions make duplicates harmless. A message that
// keeps failing past its delivery budget lands on the dead letter queue for
// operator inspection.
package queue

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/vellumlabs/vellum/lib/tenancy"
)

// ErrPublishFailed is returned when a generation message could not be
// handed to the broker. The certificate stays in the database; the caller
// decides whether to fail it or retry the publish.
var ErrPublishFailed = errors.New("queue publish failed")

// IsPublishFailed reports whether err means the broker rejected a publish.
func IsPublishFailed(err error) bool {
	return errors.Is(err, ErrPublishFailed)
}

// Message is one unit of generation work. The tenant schema travels with the
// message because context bindings never cross the queue: the consumer side
// rebinds explicitly.
type Message struct {
	// CertificateID is the certificate to render.
	CertificateID uuid.UUID `json:"certificateId"`
	// TenantSchema is the tenant the certificate lives in.
	TenantSchema string `json:"tenantSchema"`
	// IsPreview marks preview renders, which return to PENDING instead of
	// ISSUED.
	IsPreview bool `json:"isPreview"`
}

// CheckAndSetDefaults validates the message.
func (m *Message) CheckAndSetDefaults() error {
	if m.CertificateID == uuid.Nil {
		return trace.BadParameter("missing certificate id")
	}
	return trace.Wrap(tenancy.CheckSchema(m.TenantSchema))
}

// Publisher enqueues generation work.
type Publisher interface {
	// Publish enqueues one message. Broker failures wrap ErrPublishFailed.
	Publish(ctx context.Context, msg Message) error
}

// Delivery is one received message together with its acknowledgement hooks.
type Delivery struct {
	// Message is the decoded payload.
	Message Message
	// DeliveryCount is how many times the broker has handed this message
	// out, this delivery included.
	DeliveryCount int

	ack  func(ctx context.Context) error
	nack func(ctx context.Context) error
}

// Ack removes the message from the queue for good.
func (d *Delivery) Ack(ctx context.Context) error {
	return trace.Wrap(d.ack(ctx))
}

// Nack returns the message to the queue for redelivery. Once the delivery
// count exceeds the broker's budget the message moves to the dead letter
// queue instead.
func (d *Delivery) Nack(ctx context.Context) error {
	return trace.Wrap(d.nack(ctx))
}

// Consumer drains generation work.
type Consumer interface {
	// Receive blocks until a message arrives, the poll interval elapses, or
	// the context is done. A nil delivery with nil error means an empty
	// poll; callers loop.
	Receive(ctx context.Context) (*Delivery, error)
}
