package metrics

import "testing"

func gather(t *testing.T, r *Registry, name string) bool {
	t.Helper()
	mfs, err := r.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			return true
		}
	}
	return false
}

func TestNewRegistryRegistersCollectors(t *testing.T) {
	r := NewRegistry()
	if r == nil {
		t.Fatal("expected non-nil registry")
	}
	if !gather(t, r, "paperfloor_orders_created_total") {
		t.Error("expected paperfloor_orders_created_total to be registered")
	}
}

func TestRecordOrderCreated(t *testing.T) {
	r := NewRegistry()
	r.RecordOrderCreated("BUY")

	mfs, err := r.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != "paperfloor_orders_created_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			if m.GetCounter().GetValue() != 1 {
				t.Errorf("counter = %v, want 1", m.GetCounter().GetValue())
			}
		}
	}
}

func TestRecordFillUpdatesCounterAndHistogram(t *testing.T) {
	r := NewRegistry()
	r.RecordFill(10)
	r.RecordFill(5)

	mfs, _ := r.Gather()
	for _, mf := range mfs {
		if mf.GetName() == "paperfloor_fills_total" {
			for _, m := range mf.GetMetric() {
				if m.GetCounter().GetValue() != 2 {
					t.Errorf("fills_total = %v, want 2", m.GetCounter().GetValue())
				}
			}
		}
		if mf.GetName() == "paperfloor_fill_volume" {
			for _, m := range mf.GetMetric() {
				if m.GetHistogram().GetSampleCount() != 2 {
					t.Errorf("fill_volume sample count = %v, want 2", m.GetHistogram().GetSampleCount())
				}
			}
		}
	}
}

func TestSetHaltActiveToggles(t *testing.T) {
	r := NewRegistry()
	r.SetHaltActive(true)

	mfs, _ := r.Gather()
	for _, mf := range mfs {
		if mf.GetName() == "paperfloor_halt_active" {
			for _, m := range mf.GetMetric() {
				if m.GetGauge().GetValue() != 1 {
					t.Errorf("halt_active = %v, want 1", m.GetGauge().GetValue())
				}
			}
		}
	}

	r.SetHaltActive(false)
	mfs, _ = r.Gather()
	for _, mf := range mfs {
		if mf.GetName() == "paperfloor_halt_active" {
			for _, m := range mf.GetMetric() {
				if m.GetGauge().GetValue() != 0 {
					t.Errorf("halt_active = %v, want 0", m.GetGauge().GetValue())
				}
			}
		}
	}
}

func TestRecordKillEventLabelsByRule(t *testing.T) {
	r := NewRegistry()
	r.RecordKillEvent("daily_loss")

	mfs, _ := r.Gather()
	found := false
	for _, mf := range mfs {
		if mf.GetName() != "paperfloor_kill_events_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lbl := range m.GetLabel() {
				if lbl.GetName() == "rule" && lbl.GetValue() == "daily_loss" {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("expected kill event labeled rule=daily_loss")
	}
}
