package types

import (
	"testing"
)

func TestHashUserConfigStable(t *testing.T) {
	a := map[string]any{"alpha": 1, "beta": "two", "gamma": []any{3, 4}}
	b := map[string]any{"gamma": []any{3, 4}, "beta": "two", "alpha": 1}
	if HashUserConfig(a) != HashUserConfig(b) {
		t.Fatalf("hash depends on key order")
	}
	if HashUserConfig(a) == HashUserConfig(map[string]any{"alpha": 2}) {
		t.Fatalf("distinct configs hash equal")
	}
	if HashUserConfig(nil) != HashUserConfig(map[string]any{}) {
		t.Fatalf("nil and empty config should hash equal")
	}
}

func TestUserConfigEqual(t *testing.T) {
	a := DeploymentConfig{UserConfig: map[string]any{"x": 1, "y": 2}}
	b := DeploymentConfig{UserConfig: map[string]any{"y": 2, "x": 1}}
	if !a.UserConfigEqual(b) {
		t.Fatalf("key order must not matter")
	}
	// Operational knobs are not part of the user-visible portion.
	b.MaxOngoingRequests = 10
	if !a.UserConfigEqual(b) {
		t.Fatalf("operational change flagged as user config change")
	}
	b.UserConfig = map[string]any{"x": 1}
	if a.UserConfigEqual(b) {
		t.Fatalf("differing user configs compared equal")
	}
}

func TestLoggingEqual(t *testing.T) {
	a := DeploymentConfig{Logging: LoggingConfig{Level: "info"}}
	b := DeploymentConfig{Logging: LoggingConfig{Level: "info"}}
	if !a.LoggingEqual(b) {
		t.Fatalf("identical logging configs compared unequal")
	}
	b.Logging.EnableAccess = true
	if a.LoggingEqual(b) {
		t.Fatalf("differing logging configs compared equal")
	}
}

func TestNextVersion(t *testing.T) {
	prev := DeploymentVersion{CodeVersion: "v1", ConfigHash: HashUserConfig(nil)}
	next := NextVersion(prev, DeploymentConfig{UserConfig: map[string]any{"a": 1}})
	if next.CodeVersion != "v1" {
		t.Fatalf("code version must carry forward: %+v", next)
	}
	if next.ConfigHash == prev.ConfigHash {
		t.Fatalf("config hash did not change")
	}
	same := NextVersion(next, DeploymentConfig{UserConfig: map[string]any{"a": 1}})
	if same != next {
		t.Fatalf("same config should produce same version: %+v vs %+v", same, next)
	}
}

func TestReplicaIDString(t *testing.T) {
	id := ReplicaID{AppName: "app", DeploymentName: "dep", ReplicaTag: "r1"}
	if got := id.String(); got != "app_dep#r1" {
		t.Fatalf("String = %q", got)
	}
	id.AppName = ""
	if got := id.String(); got != "dep#r1" {
		t.Fatalf("String = %q", got)
	}
}

func TestQueueDepthTotal(t *testing.T) {
	if (QueueDepth{Pending: 2, Running: 3}).Total() != 5 {
		t.Fatalf("total mismatch")
	}
}
