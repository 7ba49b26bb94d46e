package session

import (
	"log"
	"time"
)

// Start launches the housekeeping goroutine. Callers must call Stop
// before discarding the Manager to avoid leaking it.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.housekeepingLoop()
}

// Stop halts the housekeeping goroutine, waits for it to exit, then
// disposes every live session: RX sessions are simply discarded, and
// every TX session's completion signal is resolved with failure before
// its storage is released, so a caller blocked in SendMessage observes
// "send failed" instead of hanging past shutdown (spec.md §5).
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	txSnapshot := make([]*TXSession, 0, len(m.tx))
	for _, s := range m.tx {
		txSnapshot = append(txSnapshot, s)
	}
	m.tx = make(map[uint16]*TXSession)
	m.rx = make(map[uint16]*RXSession)
	m.mu.Unlock()

	for _, s := range txSnapshot {
		s.Complete(false)
	}
}

func (m *Manager) housekeepingLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HousekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

// tick sweeps both session tables once. Every callback invocation is
// best-effort: a panicking callback is logged and swallowed so the
// housekeeping loop keeps running (spec.md §4.6).
func (m *Manager) tick() {
	now := time.Now()

	m.mu.Lock()
	rxSnapshot := make([]*RXSession, 0, len(m.rx))
	for _, s := range m.rx {
		rxSnapshot = append(rxSnapshot, s)
	}
	txSnapshot := make([]*TXSession, 0, len(m.tx))
	for _, s := range m.tx {
		txSnapshot = append(txSnapshot, s)
	}
	m.mu.Unlock()

	for _, s := range rxSnapshot {
		age := now.Sub(s.Start)
		if age > m.cfg.SessionTimeout {
			m.RemoveRXSession(s.MsgID)
			m.safeInvoke(func() {
				if m.onRXSessionTimeout != nil {
					m.onRXSessionTimeout(s.MsgID, s.Source64)
				}
			})
			continue
		}
		if s.IsComplete() {
			continue
		}
		if s.lastActivitySince() > m.cfg.FragmentTimeout {
			m.safeInvoke(func() {
				if m.onActivityTimeout != nil {
					m.onActivityTimeout(s)
				}
			})
		}
	}

	for _, s := range txSnapshot {
		if now.Sub(s.Start) > m.cfg.SessionTimeout {
			s.Complete(false)
			m.RemoveTXSession(s.MsgID)
			m.safeInvoke(func() {
				if m.onTXSessionTimeout != nil {
					m.onTXSessionTimeout(s)
				}
			})
		}
	}
}

func (m *Manager) safeInvoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("session: housekeeping callback panicked: %v", r)
		}
	}()
	fn()
}
