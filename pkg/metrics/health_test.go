package metrics

import "testing"

func TestRegisterComponent(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterComponent("arena", true, "running")

	status := hc.Status()
	if got := status.Components["arena"]; got != "healthy" {
		t.Errorf("expected arena healthy, got %q", got)
	}
}

func TestStatus_AllHealthy(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterComponent("arena", true, "")
	hc.RegisterComponent("wal", true, "")

	status := hc.Status()
	if !status.Healthy {
		t.Error("expected Healthy to be true")
	}
	if len(status.Components) != 2 {
		t.Errorf("expected 2 components, got %d", len(status.Components))
	}
}

func TestStatus_OneUnhealthy(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterComponent("arena", true, "")
	hc.RegisterComponent("wal", false, "replay failed")

	status := hc.Status()
	if status.Healthy {
		t.Error("expected Healthy to be false")
	}
	if status.Components["wal"] != "unhealthy: replay failed" {
		t.Errorf("unexpected wal status: %s", status.Components["wal"])
	}
}

func TestRegisterComponent_Overwrites(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterComponent("dtx", true, "ok")
	hc.RegisterComponent("dtx", false, "conflict resolution stalled")

	status := hc.Status()
	if status.Healthy {
		t.Error("expected Healthy to be false after overwrite")
	}
	if status.Components["dtx"] != "unhealthy: conflict resolution stalled" {
		t.Errorf("unexpected dtx status: %s", status.Components["dtx"])
	}
}

func TestStatus_Uptime(t *testing.T) {
	hc := NewHealthChecker()
	status := hc.Status()
	if status.Uptime < 0 {
		t.Error("expected non-negative uptime")
	}
	if status.StartTime.IsZero() {
		t.Error("expected non-zero start time")
	}
}
