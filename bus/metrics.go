// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/absmach/flowbus/channel"
)

// Metrics holds OpenTelemetry metric instruments for the bus. Without a
// configured global meter provider the instruments are no-ops.
type Metrics struct {
	meter metric.Meter

	messagesSent     metric.Int64Counter
	messagesReceived metric.Int64Counter
	sendErrors       metric.Int64Counter
	groupFanout      metric.Int64Counter
	payloadSize      metric.Int64Histogram
}

// NewMetrics creates the bus instruments.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("flowbus"),
	}

	var err error

	m.messagesSent, err = m.meter.Int64Counter(
		"flowbus.messages.sent.total",
		metric.WithDescription("Total messages accepted by Send"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesSent counter: %w", err)
	}

	m.messagesReceived, err = m.meter.Int64Counter(
		"flowbus.messages.received.total",
		metric.WithDescription("Total messages handed to receivers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesReceived counter: %w", err)
	}

	m.sendErrors, err = m.meter.Int64Counter(
		"flowbus.send.errors.total",
		metric.WithDescription("Total sends rejected, by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sendErrors counter: %w", err)
	}

	m.groupFanout, err = m.meter.Int64Counter(
		"flowbus.group.fanout.total",
		metric.WithDescription("Total per-member sends performed by SendGroup"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create groupFanout counter: %w", err)
	}

	m.payloadSize, err = m.meter.Int64Histogram(
		"flowbus.payload.size.bytes",
		metric.WithDescription("Payload size of accepted sends"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create payloadSize histogram: %w", err)
	}

	return m, nil
}

func kindAttr(kind channel.Kind) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("channel.kind", kind.String()))
}

func (m *Metrics) recordSend(ctx context.Context, kind channel.Kind, size int) {
	if m == nil {
		return
	}
	m.messagesSent.Add(ctx, 1, kindAttr(kind))
	m.payloadSize.Record(ctx, int64(size), kindAttr(kind))
}

func (m *Metrics) recordSendError(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.sendErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) recordReceive(ctx context.Context, kind channel.Kind) {
	if m == nil {
		return
	}
	m.messagesReceived.Add(ctx, 1, kindAttr(kind))
}

func (m *Metrics) recordFanout(ctx context.Context, members int) {
	if m == nil {
		return
	}
	m.groupFanout.Add(ctx, int64(members))
}
