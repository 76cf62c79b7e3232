// Package state holds the in-memory model of resting orders and stream
// liveness for the controller.
//
// RuntimeState keeps two indexes over the same set of orders: by exchange
// order id and by client order id. Both are mutated together inside the
// state's own lock, so outside a mutation neither can reference an order
// the other does not know. Stream timestamps are plain atomics and never
// take the order lock.
package state

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"aster-grid-bot/pkg/types"
)

// OrderRecord is the bot's view of one resting order.
type OrderRecord struct {
	LevelIndex    int
	Side          types.Side
	Price         float64
	Quantity      float64
	ClientOrderID string
	OrderID       int64
	Status        string
}

// ExposureCounter tracks how many grid fills are currently held long or
// short. A fill on one side first unwinds the opposite counter.
type ExposureCounter struct {
	Long  int
	Short int
}

// RecordFill applies one fill and returns the resulting exposure on the
// affected side.
func (e *ExposureCounter) RecordFill(side types.Side) int {
	if side == types.BUY {
		if e.Short > 0 {
			e.Short--
			return e.Short
		}
		e.Long++
		return e.Long
	}
	if e.Long > 0 {
		e.Long--
		return e.Long
	}
	e.Short++
	return e.Short
}

// ForSide returns the current exposure count on one side.
func (e *ExposureCounter) ForSide(side types.Side) int {
	if side == types.BUY {
		return e.Long
	}
	return e.Short
}

// RuntimeState is the process-singleton order table plus grid anchors.
// GridCenter is fixed for the lifetime of one state (a rebuild replaces the
// whole state); LastMid and the stream timestamps are updated from the
// market stream without the order lock.
type RuntimeState struct {
	GridCenter float64

	mu         sync.Mutex
	openOrders map[int64]*OrderRecord
	byClientID map[string]int64
	exposure   ExposureCounter

	lastMid      atomic.Uint64 // math.Float64bits
	lastMarketNs atomic.Int64  // UnixNano of last market event
	lastUserNs   atomic.Int64  // UnixNano of last user event
}

// New creates a state centered at gridCenter with fresh stream timestamps.
func New(gridCenter float64) *RuntimeState {
	s := &RuntimeState{
		GridCenter: gridCenter,
		openOrders: make(map[int64]*OrderRecord),
		byClientID: make(map[string]int64),
	}
	s.SetLastMid(gridCenter)
	now := time.Now().UnixNano()
	s.lastMarketNs.Store(now)
	s.lastUserNs.Store(now)
	return s
}

// TrackOrder inserts the record into both indexes.
func (s *RuntimeState) TrackOrder(orderID int64, record *OrderRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openOrders[orderID] = record
	s.byClientID[record.ClientOrderID] = orderID
}

// DropOrder removes the order from both indexes. Unknown ids are ignored.
func (s *RuntimeState) DropOrder(orderID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.openOrders[orderID]
	if !ok {
		return
	}
	delete(s.openOrders, orderID)
	delete(s.byClientID, record.ClientOrderID)
}

// Get returns the record for an exchange order id.
func (s *RuntimeState) Get(orderID int64) (*OrderRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.openOrders[orderID]
	return record, ok
}

// GetByClientID resolves a client order id through the secondary index.
func (s *RuntimeState) GetByClientID(clientID string) (*OrderRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orderID, ok := s.byClientID[clientID]
	if !ok {
		return nil, false
	}
	record, ok := s.openOrders[orderID]
	return record, ok
}

// Snapshot returns the current records. The returned slice is the caller's;
// the pointed-to records must only be mutated under Update.
func (s *RuntimeState) Snapshot() []*OrderRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*OrderRecord, 0, len(s.openOrders))
	for _, record := range s.openOrders {
		out = append(out, record)
	}
	return out
}

// SnapshotIDs returns (orderID, record) pairs for guard walks.
func (s *RuntimeState) SnapshotIDs() map[int64]*OrderRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]*OrderRecord, len(s.openOrders))
	for id, record := range s.openOrders {
		out[id] = record
	}
	return out
}

// Update runs fn with the order lock held. Used for multi-step transitions
// (resolve record, mutate, maybe drop) that must be atomic.
func (s *RuntimeState) Update(fn func(orders map[int64]*OrderRecord, byClientID map[string]int64, exposure *ExposureCounter)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.openOrders, s.byClientID, &s.exposure)
}

// OrderExists reports whether any record rests at (side, price) after
// formatting through format. At most one order per formatted price point
// per side may rest.
func (s *RuntimeState) OrderExists(side types.Side, price float64, format func(float64) string) bool {
	target := format(price)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.openOrders {
		if record.Side == side && format(record.Price) == target {
			return true
		}
	}
	return false
}

// Clear empties both indexes (after a cancel-all).
func (s *RuntimeState) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.openOrders)
	clear(s.byClientID)
}

// CountSide returns the number of resting orders on one side.
func (s *RuntimeState) CountSide(side types.Side) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, record := range s.openOrders {
		if record.Side == side {
			n++
		}
	}
	return n
}

// OpenOrderCount returns the total number of tracked orders.
func (s *RuntimeState) OpenOrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.openOrders)
}

// Exposure returns a copy of the exposure counters.
func (s *RuntimeState) Exposure() ExposureCounter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exposure
}

// LastMid returns the most recent observed mid price.
func (s *RuntimeState) LastMid() float64 {
	return atomicLoadFloat(&s.lastMid)
}

// SetLastMid records the most recent observed mid price.
func (s *RuntimeState) SetLastMid(mid float64) {
	atomicStoreFloat(&s.lastMid, mid)
}

// TouchMarket stamps the market stream as alive now.
func (s *RuntimeState) TouchMarket() {
	s.lastMarketNs.Store(time.Now().UnixNano())
}

// TouchUser stamps the user stream as alive now.
func (s *RuntimeState) TouchUser() {
	s.lastUserNs.Store(time.Now().UnixNano())
}

// MarketAge returns how long ago the last market event arrived.
func (s *RuntimeState) MarketAge() time.Duration {
	return time.Duration(time.Now().UnixNano() - s.lastMarketNs.Load())
}

// UserAge returns how long ago the last user event arrived.
func (s *RuntimeState) UserAge() time.Duration {
	return time.Duration(time.Now().UnixNano() - s.lastUserNs.Load())
}

func atomicLoadFloat(u *atomic.Uint64) float64 {
	return math.Float64frombits(u.Load())
}

func atomicStoreFloat(u *atomic.Uint64, v float64) {
	u.Store(math.Float64bits(v))
}
