// Package queue defines the per-pull-request queue configuration attached to
// a pull request when it is admitted to a merge train.
package queue

// QueuePriorityOffset scales rule priority so that the rule a pull belongs to
// always dominates its user-supplied priority when ordering trains.
const QueuePriorityOffset = 10000

// StrictMethod values accepted for the synthetic combined branch.
const (
	StrictMethodMerge  = "merge"
	StrictMethodRebase = "rebase"
)

// PullQueueConfig is the resolved, per-pull-request queueing record. It is
// produced once during admission (see rules.ResolveQueueConfig) and treated
// as an opaque input by the train: the train never re-derives priority.
type PullQueueConfig struct {
	QueueName         string `json:"queue_name"`
	Priority          int    `json:"priority"`
	EffectivePriority int    `json:"effective_priority"`
	StrictMethod      string `json:"strict_method"`
	BotAccount        string `json:"bot_account,omitempty"`
	// SpeculativeChecks is the admission width of the governing queue rule,
	// embedded so a train head determines its width without a registry lookup.
	SpeculativeChecks int `json:"speculative_checks"`
}

// EffectivePriority combines a user priority with a rule priority so that
// rule precedence dominates ties between users.
func EffectivePriority(userPriority, rulePriority int) int {
	return userPriority + rulePriority*QueuePriorityOffset
}
