// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package store

import "sync"

var (
	_ RecoveryHandler = NopHandler{}
	_ RecoveryHandler = (*Inventory)(nil)
)

// NopHandler ignores every recovery callback.
type NopHandler struct{}

func (NopHandler) QueueRecovered(Queue) error            { return nil }
func (NopHandler) ExchangeRecovered(Exchange) error      { return nil }
func (NopHandler) BindingRecovered(Binding) error        { return nil }
func (NopHandler) GeneralRecovered(ConfigEntry) error    { return nil }
func (NopHandler) MessageRecovered(Message) error        { return nil }
func (NopHandler) EnqueueRecovered(uint64, uint64) error { return nil }
func (NopHandler) PreparedRecovered(PreparedTxn) error   { return nil }

// Inventory is a RecoveryHandler that records everything it is given.
type Inventory struct {
	mu sync.Mutex

	Queues    []Queue
	Exchanges []Exchange
	Bindings  []Binding
	Configs   []ConfigEntry
	Messages  map[uint64]Message
	// Enqueued lists message ids per queue in recovery order.
	Enqueued map[uint64][]uint64
	Prepared []PreparedTxn
}

// NewInventory returns an empty Inventory.
func NewInventory() *Inventory {
	return &Inventory{
		Messages: make(map[uint64]Message),
		Enqueued: make(map[uint64][]uint64),
	}
}

func (i *Inventory) QueueRecovered(q Queue) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Queues = append(i.Queues, q)
	return nil
}

func (i *Inventory) ExchangeRecovered(e Exchange) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Exchanges = append(i.Exchanges, e)
	return nil
}

func (i *Inventory) BindingRecovered(b Binding) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Bindings = append(i.Bindings, b)
	return nil
}

func (i *Inventory) GeneralRecovered(c ConfigEntry) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Configs = append(i.Configs, c)
	return nil
}

func (i *Inventory) MessageRecovered(m Message) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Messages[m.ID] = m
	return nil
}

func (i *Inventory) EnqueueRecovered(queueID, messageID uint64) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Enqueued[queueID] = append(i.Enqueued[queueID], messageID)
	return nil
}

func (i *Inventory) PreparedRecovered(p PreparedTxn) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Prepared = append(i.Prepared, p)
	return nil
}

// QueueID returns the id of a recovered queue by name.
func (i *Inventory) QueueID(name string) (uint64, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, q := range i.Queues {
		if q.Name == name {
			return q.ID, true
		}
	}
	return 0, false
}
