// Package metrics defines the counter interface the engine reports relay
// activity through, plus an atomic-counter default implementation.
package metrics

import "sync/atomic"

// Metrics is an interface for tracking forwarder-wide statistics. Callers
// increment counters; collectors read them via the Get* accessors.
type Metrics interface {
	IncrementPairsAccepted()
	IncrementPairsTornDown()
	IncrementHandshakeFailures()
	IncrementBytesLToS(n int64)
	IncrementBytesSToL(n int64)

	GetPairsAccepted() int64
	GetPairsTornDown() int64
	GetHandshakeFailures() int64
	GetBytesLToS() int64
	GetBytesSToL() int64
}

// Default implements Metrics with atomic counters.
type Default struct {
	pairsAccepted     int64
	pairsTornDown     int64
	handshakeFailures int64
	bytesLToS         int64
	bytesSToL         int64
}

// NewDefault creates a new Default metrics instance.
func NewDefault() *Default { return &Default{} }

func (m *Default) IncrementPairsAccepted()     { atomic.AddInt64(&m.pairsAccepted, 1) }
func (m *Default) IncrementPairsTornDown()     { atomic.AddInt64(&m.pairsTornDown, 1) }
func (m *Default) IncrementHandshakeFailures() { atomic.AddInt64(&m.handshakeFailures, 1) }
func (m *Default) IncrementBytesLToS(n int64)  { atomic.AddInt64(&m.bytesLToS, n) }
func (m *Default) IncrementBytesSToL(n int64)  { atomic.AddInt64(&m.bytesSToL, n) }

func (m *Default) GetPairsAccepted() int64     { return atomic.LoadInt64(&m.pairsAccepted) }
func (m *Default) GetPairsTornDown() int64     { return atomic.LoadInt64(&m.pairsTornDown) }
func (m *Default) GetHandshakeFailures() int64 { return atomic.LoadInt64(&m.handshakeFailures) }
func (m *Default) GetBytesLToS() int64         { return atomic.LoadInt64(&m.bytesLToS) }
func (m *Default) GetBytesSToL() int64         { return atomic.LoadInt64(&m.bytesSToL) }
