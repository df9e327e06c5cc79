package transport

import (
	"sync"
	"time"

	"github.com/rubyfpv/radiolink/pkg/logging"
	"go.uber.org/zap"
)

// TimerCallback is run when a timer fires
type TimerCallback func()

// TimerKey identifies a timer
type TimerKey uint64

// Timer keys used by the link processes
const (
	TimerKeyStats TimerKey = iota + 1
	TimerKeyRelayGrace
)

type timer struct {
	id       TimerKey
	duration time.Duration
	callback TimerCallback
	stop     chan struct{}
}

// TimerManager runs one-shot and periodic timers, each on its own goroutine.
// Callbacks run without the manager lock held; a panicking callback is logged
// and does not stop the timer.
type TimerManager struct {
	mu       sync.RWMutex
	oneShot  map[TimerKey]*timer
	periodic map[TimerKey]*timer
	stopAll  chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewTimerManager creates a timer manager
func NewTimerManager() *TimerManager {
	return &TimerManager{
		oneShot:  make(map[TimerKey]*timer),
		periodic: make(map[TimerKey]*timer),
		stopAll:  make(chan struct{}),
	}
}

// Schedule runs callback once after duration, replacing a pending timer with the same id
func (tm *TimerManager) Schedule(id TimerKey, duration time.Duration, callback TimerCallback) {
	t := tm.register(tm.oneShot, id, duration, callback)

	tm.wg.Add(1)
	go func() {
		defer tm.wg.Done()

		tt := time.NewTimer(t.duration)
		defer tt.Stop()

		select {
		case <-tt.C:
			tm.run(t.id, t.callback)
		case <-t.stop:
		case <-tm.stopAll:
		}

		tm.mu.Lock()
		if tm.oneShot[t.id] == t {
			delete(tm.oneShot, t.id)
		}
		tm.mu.Unlock()
	}()
}

// SchedulePeriodic runs callback every interval until stopped
func (tm *TimerManager) SchedulePeriodic(id TimerKey, interval time.Duration, callback TimerCallback) {
	t := tm.register(tm.periodic, id, interval, callback)

	tm.wg.Add(1)
	go func() {
		defer tm.wg.Done()

		ticker := time.NewTicker(t.duration)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				tm.run(t.id, t.callback)
			case <-t.stop:
				return
			case <-tm.stopAll:
				tm.mu.Lock()
				if tm.periodic[t.id] == t {
					delete(tm.periodic, t.id)
				}
				tm.mu.Unlock()
				return
			}
		}
	}()
}

// StopTimer cancels a timer. It returns false if no such timer is pending.
func (tm *TimerManager) StopTimer(id TimerKey) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if t, ok := tm.oneShot[id]; ok {
		delete(tm.oneShot, id)
		close(t.stop)
		return true
	}
	if t, ok := tm.periodic[id]; ok {
		delete(tm.periodic, id)
		close(t.stop)
		return true
	}
	return false
}

// HasTimer reports whether a timer with the given id is pending
func (tm *TimerManager) HasTimer(id TimerKey) bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	_, oneShot := tm.oneShot[id]
	_, periodic := tm.periodic[id]
	return oneShot || periodic
}

// Stop cancels every timer and waits for their goroutines to exit
func (tm *TimerManager) Stop() {
	tm.stopOnce.Do(func() { close(tm.stopAll) })
	tm.wg.Wait()
}

// register stores a new timer, closing the one it replaces. Deleting before
// closing keeps StopTimer from closing the same channel twice.
func (tm *TimerManager) register(set map[TimerKey]*timer, id TimerKey, d time.Duration, cb TimerCallback) *timer {
	t := &timer{id: id, duration: d, callback: cb, stop: make(chan struct{})}

	tm.mu.Lock()
	if existing, ok := set[id]; ok {
		delete(set, id)
		close(existing.stop)
	}
	set[id] = t
	tm.mu.Unlock()
	return t
}

func (tm *TimerManager) run(id TimerKey, cb TimerCallback) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Timer callback panicked",
				zap.Uint64("timer", uint64(id)),
				zap.Any("panic", r))
		}
	}()
	cb()
}
