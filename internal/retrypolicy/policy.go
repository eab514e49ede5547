// Package retrypolicy implements the pure retry decision function from
// spec.md §4.7 and the update-mode command resolution from §4.8. Grounded
// on original_source/root/app/retry_types.go's determine_retry_decision,
// adapted to the deterministic (no-jitter) schedule spec.md specifies.
package retrypolicy

import (
	"time"

	"github.com/agentworkforce/storywatch/internal/model"
)

// UpdateMethod is the configured fetcher-mode policy from config.toml's
// [library] update_method.
type UpdateMethod string

const (
	MethodUpdate       UpdateMethod = "update"
	MethodUpdateAlways UpdateMethod = "update_always"
	MethodForce        UpdateMethod = "force"
	MethodNoForce      UpdateMethod = "update_no_force"
)

// Config bounds mirror config.toml's [retry] block (spec.md §6).
type Config struct {
	MaxNormalRetries     int
	FinalAttemptEnabled  bool
	FinalAttemptWaitHours float64
}

// Action is the decision RetryPolicy hands back to a SiteWorker after a
// TransientFailure.
type Action int

const (
	ActionRequeue Action = iota
	ActionFinalAttempt
	ActionGiveUp
)

// Decision is the full result of a retry evaluation: the action plus any
// delay and notification the worker must act on.
type Decision struct {
	Action                 Action
	Delay                  time.Duration
	PromoteToForce         bool
	NotifyPenultimate      bool
	NotifyForceSuppressed  bool
}

// Decide implements spec.md §4.7: attempts is the post-increment attempt
// count. forceSuppressedThisAttempt is true when update_method ==
// update_no_force and a ForceIndicated outcome was demoted to a normal
// TransientFailure on this attempt (§4.8); it only affects the
// notification emitted at GiveUp, not the schedule itself.
func Decide(attempts int, cfg Config, forceSuppressedThisAttempt bool) Decision {
	const baseMinutes = 1 * time.Minute

	switch {
	case attempts < cfg.MaxNormalRetries:
		return Decision{
			Action: ActionRequeue,
			Delay:  time.Duration(attempts) * baseMinutes,
		}
	case attempts == cfg.MaxNormalRetries && cfg.FinalAttemptEnabled:
		return Decision{
			Action:            ActionFinalAttempt,
			Delay:             time.Duration(cfg.FinalAttemptWaitHours * float64(time.Hour)),
			PromoteToForce:    true,
			NotifyPenultimate: true,
		}
	default:
		return Decision{
			Action:                ActionGiveUp,
			NotifyForceSuppressed: forceSuppressedThisAttempt,
		}
	}
}

// ResolveCommand implements spec.md §4.8's top-to-bottom condition table,
// returning the literal fetcher command modifier and whether behavior was
// treated as force for this invocation.
func ResolveCommand(method UpdateMethod, behavior model.Behavior) (modifier string, usedForce bool) {
	switch {
	case method == MethodNoForce:
		return "update", false
	case behavior == model.BehaviorForce:
		return "force", true
	case method == MethodForce:
		return "force", true
	case method == MethodUpdateAlways:
		return "update-always", false
	default:
		return "update", false
	}
}

// AllowsForcePromotion reports whether a ForceIndicated outcome may auto-
// promote a story's behavior to force under the given update method
// (spec.md §4.8: never under update_no_force).
func AllowsForcePromotion(method UpdateMethod) bool {
	return method != MethodNoForce
}
