package engine

import (
	"context"
	"sync"
	"time"
)

// mockPlugin records hook calls and fails on demand.
type mockPlugin struct {
	resourceType string

	mu         sync.Mutex
	calls      []string
	reserveErr error
	updateErr  error
	startErrs  []error
	endErr     error
	healFlags  map[string]HealFlags
	healErr    error
}

func newMockPlugin(rt string) *mockPlugin {
	return &mockPlugin{resourceType: rt}
}

func (p *mockPlugin) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *mockPlugin) callsOf(prefix string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (p *mockPlugin) ResourceType() string { return p.resourceType }

func (p *mockPlugin) Reserve(ctx context.Context, reservationID string, values map[string]interface{}, lease LeaseWindow) (string, error) {
	p.record("reserve:" + reservationID)
	if p.reserveErr != nil {
		return "", p.reserveErr
	}
	return "detail-" + reservationID, nil
}

func (p *mockPlugin) UpdateReservation(ctx context.Context, reservationID string, values map[string]interface{}, lease LeaseWindow) error {
	p.record("update:" + reservationID)
	return p.updateErr
}

func (p *mockPlugin) OnStart(ctx context.Context, resourceID string, lease LeaseWindow) error {
	p.record("on_start:" + resourceID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.startErrs) > 0 {
		err := p.startErrs[0]
		p.startErrs = p.startErrs[1:]
		return err
	}
	return nil
}

func (p *mockPlugin) OnEnd(ctx context.Context, resourceID string, lease LeaseWindow) error {
	p.record("on_end:" + resourceID)
	return p.endErr
}

func (p *mockPlugin) BeforeEnd(ctx context.Context, resourceID string, lease LeaseWindow) error {
	p.record("before_end:" + resourceID)
	return nil
}

func (p *mockPlugin) HealReservations(ctx context.Context, failed []string, begin, end time.Time) (map[string]HealFlags, error) {
	p.record("heal")
	return p.healFlags, p.healErr
}

// mockMetrics counts recorded errors.
type mockMetrics struct {
	mu     sync.Mutex
	errors []string
	events map[string]int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{events: make(map[string]int)}
}

func (m *mockMetrics) RecordEventDispatch(eventType, status string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[eventType+":"+status]++
}

func (m *mockMetrics) RecordLeaseOperation(op, status string, d time.Duration) {}

func (m *mockMetrics) RecordError(class, code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, code)
}

func (m *mockMetrics) SetPendingEvents(float64) {}

// mockPolicy rejects leases longer than max.
type mockPolicy struct {
	max time.Duration
	ops []string
}

func (p *mockPolicy) CheckLease(ctx context.Context, op string, lease *Lease) error {
	p.ops = append(p.ops, op)
	if p.max > 0 && lease.EndDate.Sub(lease.StartDate) > p.max {
		return NewPolicyViolationError("lease too long")
	}
	return nil
}
