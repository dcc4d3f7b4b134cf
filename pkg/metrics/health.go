package metrics

import (
	"sync"
	"time"
)

// ComponentHealth is the last recorded state of one server component.
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

var health = struct {
	mu      sync.RWMutex
	byName  map[string]ComponentHealth
	started time.Time
	version string
}{
	byName:  make(map[string]ComponentHealth),
	started: time.Now(),
}

// SetVersion records the build version that health responses report.
func SetVersion(v string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.version = v
}

// UpdateComponent records the observed state of a named component.
// Readiness probes call it on every check, so the registry always
// holds the last observation rather than a startup snapshot.
func UpdateComponent(name string, healthy bool, message string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.byName[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// Components returns a copy of the recorded component states.
func Components() map[string]ComponentHealth {
	health.mu.RLock()
	defer health.mu.RUnlock()
	out := make(map[string]ComponentHealth, len(health.byName))
	for name, c := range health.byName {
		out[name] = c
	}
	return out
}

// Version returns the recorded build version, empty until SetVersion.
func Version() string {
	health.mu.RLock()
	defer health.mu.RUnlock()
	return health.version
}

// Uptime reports how long the process has been up.
func Uptime() time.Duration {
	health.mu.RLock()
	defer health.mu.RUnlock()
	return time.Since(health.started)
}
