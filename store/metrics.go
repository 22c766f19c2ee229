// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry instruments for the store.
type Metrics struct {
	meter metric.Meter

	txnBegun     metric.Int64Counter
	txnPrepared  metric.Int64Counter
	txnCommitted metric.Int64Counter
	txnAborted   metric.Int64Counter
	records      metric.Int64Counter

	recoveredMessages metric.Int64Counter
	recoveryDuration  metric.Float64Histogram
}

// NewMetrics creates the store instruments from mp, or from the global meter
// provider when mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := &Metrics{
		meter: mp.Meter("msgstore"),
	}

	var err error

	m.txnBegun, err = m.meter.Int64Counter(
		"msgstore.txn.begun.total",
		metric.WithDescription("Transactions begun"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create txnBegun counter: %w", err)
	}

	m.txnPrepared, err = m.meter.Int64Counter(
		"msgstore.txn.prepared.total",
		metric.WithDescription("Distributed transactions prepared"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create txnPrepared counter: %w", err)
	}

	m.txnCommitted, err = m.meter.Int64Counter(
		"msgstore.txn.committed.total",
		metric.WithDescription("Transactions committed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create txnCommitted counter: %w", err)
	}

	m.txnAborted, err = m.meter.Int64Counter(
		"msgstore.txn.aborted.total",
		metric.WithDescription("Transactions aborted"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create txnAborted counter: %w", err)
	}

	m.records, err = m.meter.Int64Counter(
		"msgstore.journal.records.total",
		metric.WithDescription("Journal records appended by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create records counter: %w", err)
	}

	m.recoveredMessages, err = m.meter.Int64Counter(
		"msgstore.recovery.messages.total",
		metric.WithDescription("Messages recovered at startup"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create recoveredMessages counter: %w", err)
	}

	m.recoveryDuration, err = m.meter.Float64Histogram(
		"msgstore.recovery.duration",
		metric.WithDescription("Recovery duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create recoveryDuration histogram: %w", err)
	}

	return m, nil
}

func (m *Metrics) recordTxn(counter metric.Int64Counter, distributed bool) {
	if m == nil {
		return
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Bool("distributed", distributed),
	))
}

// RecordBegin records a new transaction.
func (m *Metrics) RecordBegin(distributed bool) {
	if m == nil {
		return
	}
	m.recordTxn(m.txnBegun, distributed)
}

// RecordPrepare records a prepared transaction.
func (m *Metrics) RecordPrepare() {
	if m == nil {
		return
	}
	m.recordTxn(m.txnPrepared, true)
}

// RecordCommit records a committed transaction.
func (m *Metrics) RecordCommit(distributed bool) {
	if m == nil {
		return
	}
	m.recordTxn(m.txnCommitted, distributed)
}

// RecordAbort records an aborted transaction.
func (m *Metrics) RecordAbort(distributed bool) {
	if m == nil {
		return
	}
	m.recordTxn(m.txnAborted, distributed)
}

// RecordAppend records a journal append.
func (m *Metrics) RecordAppend(journal, kind string) {
	if m == nil {
		return
	}
	m.records.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("journal", journal),
		attribute.String("type", kind),
	))
}

// RecordRecovery records a completed recovery.
func (m *Metrics) RecordRecovery(d time.Duration, messages int) {
	if m == nil {
		return
	}
	m.recoveredMessages.Add(context.Background(), int64(messages))
	m.recoveryDuration.Record(context.Background(), d.Seconds())
}
