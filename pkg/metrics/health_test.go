package metrics

import (
	"testing"
	"time"
)

func resetHealth() {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.byName = make(map[string]ComponentHealth)
	health.started = time.Now()
	health.version = ""
}

func TestUpdateComponentRecordsState(t *testing.T) {
	resetHealth()

	UpdateComponent("store", true, "")

	comps := Components()
	if len(comps) != 1 {
		t.Fatalf("expected 1 component, got %d", len(comps))
	}
	if !comps["store"].Healthy {
		t.Error("store should be healthy")
	}
	if comps["store"].Updated.IsZero() {
		t.Error("Updated should be stamped")
	}
}

func TestUpdateComponentOverwrites(t *testing.T) {
	resetHealth()

	UpdateComponent("runtime", true, "")
	UpdateComponent("runtime", false, "docker daemon unreachable")

	comp := Components()["runtime"]
	if comp.Healthy {
		t.Error("runtime should be unhealthy after the second observation")
	}
	if comp.Message != "docker daemon unreachable" {
		t.Errorf("unexpected message: %q", comp.Message)
	}
}

func TestComponentsReturnsCopy(t *testing.T) {
	resetHealth()

	UpdateComponent("store", true, "")
	comps := Components()
	comps["store"] = ComponentHealth{Name: "store", Healthy: false}

	if !Components()["store"].Healthy {
		t.Error("mutating the returned map must not affect the registry")
	}
}

func TestVersionAndUptime(t *testing.T) {
	resetHealth()

	if Version() != "" {
		t.Errorf("version should start empty, got %q", Version())
	}
	SetVersion("1.2.3")
	if Version() != "1.2.3" {
		t.Errorf("expected version 1.2.3, got %q", Version())
	}

	time.Sleep(10 * time.Millisecond)
	if Uptime() < 10*time.Millisecond {
		t.Errorf("uptime too small: %v", Uptime())
	}
}
