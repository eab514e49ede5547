package retrypolicy

import (
	"testing"
	"time"

	"github.com/agentworkforce/storywatch/internal/model"
)

func defaultConfig() Config {
	return Config{MaxNormalRetries: 11, FinalAttemptEnabled: true, FinalAttemptWaitHours: 12.0}
}

func TestDecideRequeueSchedule(t *testing.T) {
	cfg := defaultConfig()
	for attempts := 1; attempts < 11; attempts++ {
		d := Decide(attempts, cfg, false)
		if d.Action != ActionRequeue {
			t.Fatalf("attempts=%d: want ActionRequeue, got %v", attempts, d.Action)
		}
		want := time.Duration(attempts) * time.Minute
		if d.Delay != want {
			t.Fatalf("attempts=%d: want delay %v, got %v", attempts, want, d.Delay)
		}
	}
}

func TestDecideFinalAttemptAtMax(t *testing.T) {
	cfg := Config{MaxNormalRetries: 1, FinalAttemptEnabled: true, FinalAttemptWaitHours: 12.0}
	d := Decide(1, cfg, false)
	if d.Action != ActionFinalAttempt {
		t.Fatalf("want ActionFinalAttempt, got %v", d.Action)
	}
	if d.Delay != 12*time.Hour {
		t.Fatalf("want 12h delay, got %v", d.Delay)
	}
	if !d.PromoteToForce || !d.NotifyPenultimate {
		t.Fatalf("want promote+notify on final attempt, got %+v", d)
	}
}

func TestDecideGiveUpWhenFinalAttemptDisabled(t *testing.T) {
	cfg := Config{MaxNormalRetries: 1, FinalAttemptEnabled: false, FinalAttemptWaitHours: 12.0}
	d := Decide(1, cfg, false)
	if d.Action != ActionGiveUp {
		t.Fatalf("want ActionGiveUp immediately after exhaustion, got %v", d.Action)
	}
	if d.NotifyForceSuppressed {
		t.Fatalf("should not notify force-suppressed when not flagged")
	}
}

func TestDecideGiveUpAfterFinalAttemptFails(t *testing.T) {
	cfg := Config{MaxNormalRetries: 1, FinalAttemptEnabled: true, FinalAttemptWaitHours: 12.0}
	d := Decide(2, cfg, false)
	if d.Action != ActionGiveUp {
		t.Fatalf("want ActionGiveUp, got %v", d.Action)
	}
}

func TestDecideGiveUpWithForceSuppressedNotification(t *testing.T) {
	cfg := Config{MaxNormalRetries: 1, FinalAttemptEnabled: true, FinalAttemptWaitHours: 12.0}
	d := Decide(2, cfg, true)
	if d.Action != ActionGiveUp || !d.NotifyForceSuppressed {
		t.Fatalf("want GiveUp+force-suppressed notice, got %+v", d)
	}
}

func TestResolveCommandTable(t *testing.T) {
	cases := []struct {
		method   UpdateMethod
		behavior model.Behavior
		wantMod  string
		wantForce bool
	}{
		{MethodNoForce, model.BehaviorForce, "update", false},
		{MethodUpdate, model.BehaviorForce, "force", true},
		{MethodForce, model.BehaviorUpdate, "force", true},
		{MethodUpdateAlways, model.BehaviorUpdate, "update-always", false},
		{MethodUpdate, model.BehaviorUpdate, "update", false},
	}
	for _, c := range cases {
		mod, usedForce := ResolveCommand(c.method, c.behavior)
		if mod != c.wantMod || usedForce != c.wantForce {
			t.Errorf("ResolveCommand(%v,%v) = (%q,%v), want (%q,%v)",
				c.method, c.behavior, mod, usedForce, c.wantMod, c.wantForce)
		}
	}
}

func TestResolveCommandNeverForcesUnderNoForce(t *testing.T) {
	for _, method := range []UpdateMethod{MethodUpdate, MethodUpdateAlways, MethodForce, MethodNoForce} {
		for _, behavior := range []model.Behavior{model.BehaviorUpdate, model.BehaviorForce} {
			if method != MethodNoForce {
				continue
			}
			mod, usedForce := ResolveCommand(method, behavior)
			if mod == "force" || usedForce {
				t.Fatalf("update_no_force must never force: method=%v behavior=%v mod=%q", method, behavior, mod)
			}
		}
	}
}

func TestAllowsForcePromotion(t *testing.T) {
	if AllowsForcePromotion(MethodNoForce) {
		t.Fatal("update_no_force must not allow auto-promotion")
	}
	for _, m := range []UpdateMethod{MethodUpdate, MethodUpdateAlways, MethodForce} {
		if !AllowsForcePromotion(m) {
			t.Fatalf("%v should allow auto-promotion", m)
		}
	}
}
