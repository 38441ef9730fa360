// Package train implements the per-branch merge train: an ordered sequence of
// queued pull requests batched into speculative cars, each validated against
// a synthetic combined branch before the real merge happens.
package train

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mergebot/pkg/logx"
	"mergebot/pkg/queue"
)

// EmbarkedPull is one queued pull request together with its resolved queue
// configuration.
type EmbarkedPull struct {
	Number int                   `json:"pull_number"`
	Config queue.PullQueueConfig `json:"config"`
}

// State is the persisted form of a train, keyed by
// "train/{repository_id}/{branch}" in the store.
type State struct {
	Cars    []*TrainCar    `json:"cars"`
	Waiting []EmbarkedPull `json:"waiting"`
	// Retired carries cars whose synthetic artifact could not be deleted yet,
	// so a later refresh can finish the teardown after a crash.
	Retired []*TrainCar `json:"retired,omitempty"`
}

// Validate checks the structural invariants of a stored train record.
func (s *State) Validate() error {
	seen := make(map[int]bool)
	check := func(number int) error {
		if number <= 0 {
			return fmt.Errorf("invalid pull number %d", number)
		}
		if seen[number] {
			return fmt.Errorf("pull #%d appears twice", number)
		}
		seen[number] = true
		return nil
	}
	for _, car := range s.Cars {
		if car == nil {
			return errors.New("null car entry")
		}
		if err := check(car.OwnPullNumber); err != nil {
			return err
		}
	}
	for i := range s.Waiting {
		if err := check(s.Waiting[i].Number); err != nil {
			return err
		}
	}
	return nil
}

// Store persists train state. Implementations return a nil state (and nil
// error) when no record exists for the key.
type Store interface {
	LoadTrain(ctx context.Context, repositoryID int64, branch string) (*State, error)
	SaveTrain(ctx context.Context, repositoryID int64, branch string, state *State) error
}

// MetricsRecorder receives train lifecycle observations. A nil recorder
// disables recording.
type MetricsRecorder interface {
	CarCreated(queueName string)
	CarDiscarded(queueName string)
	RefreshObserved(branch string, duration time.Duration, trainLength int)
}

// Train is the per-(repository, branch) controller owning the ordered member
// sequence, the materialized cars, and the overflow waiting list.
//
// All mutating operations (AddPull, RemovePull, Refresh, Save) must run under
// the branch lease; the train panics on misuse since that is a programming
// error in the caller, not a runtime condition.
type Train struct {
	repositoryID int64
	branch       string

	store   Store
	mat     Materializer
	lease   *Lease
	metrics MetricsRecorder
	logger  *logx.Logger

	// members is the logical member sequence. cars materialize a prefix of
	// it; between a mutation and the next Refresh the two may diverge.
	members []EmbarkedPull
	cars    []*TrainCar
	retired []*TrainCar

	loaded bool
}

// New creates an unloaded train bound to its collaborators. Call Load before
// any mutation.
func New(repositoryID int64, branch string, store Store, mat Materializer, lease *Lease) *Train {
	return &Train{
		repositoryID: repositoryID,
		branch:       branch,
		store:        store,
		mat:          mat,
		lease:        lease,
		logger:       logx.NewLogger("train"),
	}
}

// SetMetrics attaches a metrics recorder.
func (t *Train) SetMetrics(rec MetricsRecorder) {
	t.metrics = rec
}

// Key returns the train's persistence/lease key.
func (t *Train) Key() string {
	return StateKey(t.repositoryID, t.branch)
}

// Branch returns the target branch.
func (t *Train) Branch() string {
	return t.branch
}

// RepositoryID returns the owning repository's numeric id.
func (t *Train) RepositoryID() int64 {
	return t.repositoryID
}

func (t *Train) guardLease() {
	if t.lease != nil && !t.lease.Held() {
		panic(fmt.Sprintf("train %s: operation without holding the branch lease", t.Key()))
	}
}

func (t *Train) guard() {
	t.guardLease()
	if !t.loaded {
		panic(fmt.Sprintf("train %s: Load must be called before mutations", t.Key()))
	}
}

// Load reads the persisted state for this branch. A missing record yields an
// empty train. Loading replaces any in-memory state, so callers re-entering
// under a fresh lease always see the store's truth.
func (t *Train) Load(ctx context.Context) error {
	t.guardLease()

	state, err := t.store.LoadTrain(ctx, t.repositoryID, t.branch)
	if err != nil {
		return fmt.Errorf("load train %s: %w", t.Key(), err)
	}

	t.cars = nil
	t.members = nil
	t.retired = nil
	if state != nil {
		t.cars = state.Cars
		t.retired = state.Retired
		for _, car := range t.cars {
			t.members = append(t.members, EmbarkedPull{Number: car.OwnPullNumber, Config: car.Config})
		}
		t.members = append(t.members, state.Waiting...)
	}
	t.loaded = true

	t.logger.Debug("loaded %s: %d cars, %d waiting", t.Key(), len(t.cars), len(t.members)-len(t.cars))
	return nil
}

// AddPull admits a pull to the train. If the pull is already present its
// stored config is replaced in place and its position is left alone, making
// repeated admission idempotent and priority-change-safe without reshuffling
// an already-running car. Otherwise the pull is inserted by stable effective
// priority: after every entry of equal or higher priority, before the first
// strictly lower one. No cars are materialized here; Refresh owns all side
// effects.
func (t *Train) AddPull(number int, cfg queue.PullQueueConfig) {
	t.guard()

	for i := range t.members {
		if t.members[i].Number == number {
			t.members[i].Config = cfg
			if i < len(t.cars) && t.cars[i].OwnPullNumber == number {
				t.cars[i].Config = cfg
			}
			t.logger.Debug("%s: pull #%d re-admitted, config replaced in place", t.Key(), number)
			return
		}
	}

	insert := len(t.members)
	for i := range t.members {
		if t.members[i].Config.EffectivePriority < cfg.EffectivePriority {
			insert = i
			break
		}
	}

	t.members = append(t.members, EmbarkedPull{})
	copy(t.members[insert+1:], t.members[insert:])
	t.members[insert] = EmbarkedPull{Number: number, Config: cfg}

	t.logger.Info("%s: pull #%d queued at position %d (queue %q, effective priority %d)",
		t.Key(), number, insert, cfg.QueueName, cfg.EffectivePriority)
}

// RemovePull removes a pull from the train. Absent pulls are a no-op.
//
// A merged head pull completes the head car, queues its synthetic artifact
// for teardown, and leaves the rest of the train untouched: their cumulative
// state now legitimately rests on a landed commit. Removal anywhere else
// inside the materialized region retires every
// car at or after that position; the surviving pulls stay in the member
// sequence in their original relative order, ahead of previously-waiting
// entries, and the next Refresh rebuilds from the point of change.
func (t *Train) RemovePull(number int, merged bool) {
	t.guard()

	idx := -1
	for i := range t.members {
		if t.members[i].Number == number {
			idx = i
			break
		}
	}
	if idx == -1 {
		return
	}

	switch {
	case idx >= len(t.cars):
		// Still waiting, no car impact.
		t.logger.Info("%s: pull #%d left the waiting list", t.Key(), number)

	case idx == 0 && merged && t.cars[0].OwnPullNumber == number:
		// The completed car's synthetic artifact still needs teardown;
		// queue it so the next Refresh reclaims the branch and draft PR.
		head := t.cars[0]
		head.State = CarCompleted
		t.retired = append(t.retired, head)
		t.cars = t.cars[1:]
		t.logger.Info("%s: head pull #%d merged, car completed", t.Key(), number)

	default:
		for _, car := range t.cars[idx:] {
			car.State = CarDiscarded
			t.retired = append(t.retired, car)
			if t.metrics != nil {
				t.metrics.CarDiscarded(car.Config.QueueName)
			}
		}
		t.logger.Info("%s: pull #%d removed from car %d, %d cars discarded",
			t.Key(), number, idx, len(t.cars)-idx)
		t.cars = t.cars[:idx]
	}

	t.members = append(t.members[:idx], t.members[idx+1:]...)
}

// Refresh reconciles materialized cars against the current member sequence:
// retired cars are torn down, cars past the last common prefix index are
// superseded and replaced, missing cars up to the admission width are
// created, and the result is persisted. Materializer failures are joined
// into the returned error but never corrupt the computed sequence; the next
// Refresh picks up from actual materializer state.
func (t *Train) Refresh(ctx context.Context) error {
	t.guard()
	start := time.Now()

	var errs []error

	// Finish pending teardowns first so their synthetic branches cannot
	// collide with cars about to be created.
	var stillRetired []*TrainCar
	for _, car := range t.retired {
		if err := car.teardown(ctx, t.mat); err != nil {
			errs = append(errs, err)
			stillRetired = append(stillRetired, car)
		}
	}
	t.retired = stillRetired

	width := 0
	if len(t.members) > 0 {
		width = t.members[0].Config.SpeculativeChecks
	}
	desired := min(width, len(t.members))

	// Keep the longest prefix of cars whose own pulls still match the member
	// sequence. Parents stay frozen from creation time: a completed head
	// means survivors rest on a landed commit, not stale state.
	keep := 0
	for keep < len(t.cars) && keep < desired && t.cars[keep].OwnPullNumber == t.members[keep].Number {
		keep++
	}

	for _, car := range t.cars[keep:] {
		car.State = CarSuperseded
		if t.metrics != nil {
			t.metrics.CarDiscarded(car.Config.QueueName)
		}
		if err := car.teardown(ctx, t.mat); err != nil {
			errs = append(errs, err)
			t.retired = append(t.retired, car)
			continue
		}
		car.State = CarDiscarded
	}
	t.cars = t.cars[:keep]

	for i := keep; i < desired; i++ {
		parents := make([]int, 0, i)
		for _, member := range t.members[:i] {
			parents = append(parents, member.Number)
		}
		car := newTrainCar(parents, t.members[i])
		if err := car.create(ctx, t.mat); err != nil {
			// Later cars build on this prefix; stop and retry next time.
			errs = append(errs, err)
			break
		}
		t.cars = append(t.cars, car)
		if t.metrics != nil {
			t.metrics.CarCreated(car.Config.QueueName)
		}
		t.logger.Debug("%s: car %d materialized as %s (content %v)",
			t.Key(), i, car.SyntheticPullID, car.Content())
	}

	if err := t.Save(ctx); err != nil {
		errs = append(errs, err)
	}

	if t.metrics != nil {
		t.metrics.RefreshObserved(t.branch, time.Since(start), len(t.members))
	}
	return errors.Join(errs...)
}

// Save persists the current state. The waiting list is derived from the
// member sequence so the stored record always matches the §6 schema.
func (t *Train) Save(ctx context.Context) error {
	t.guard()

	state := &State{
		Cars:    t.cars,
		Waiting: append([]EmbarkedPull(nil), t.members[len(t.cars):]...),
		Retired: t.retired,
	}
	if err := t.store.SaveTrain(ctx, t.repositoryID, t.branch, state); err != nil {
		return fmt.Errorf("save train %s: %w", t.Key(), err)
	}
	return nil
}

// HeadCar returns the head car, or nil when the train is empty.
func (t *Train) HeadCar() *TrainCar {
	if len(t.cars) == 0 {
		return nil
	}
	return t.cars[0]
}

// HeadCheckState reports the CI verdict of the head car's synthetic artifact.
func (t *Train) HeadCheckState(ctx context.Context) (CheckState, error) {
	head := t.HeadCar()
	if head == nil {
		return CheckPending, nil
	}
	return head.Status(ctx, t.mat)
}

// CarsContent returns the cumulative content of each materialized car, in
// order. Primarily for reporting and tests.
func (t *Train) CarsContent() [][]int {
	content := make([][]int, 0, len(t.cars))
	for _, car := range t.cars {
		content = append(content, car.Content())
	}
	return content
}

// WaitingPulls returns the pull numbers past the materialized prefix.
func (t *Train) WaitingPulls() []int {
	waiting := make([]int, 0, len(t.members)-len(t.cars))
	for _, member := range t.members[len(t.cars):] {
		waiting = append(waiting, member.Number)
	}
	return waiting
}

// Len returns the number of queued pulls (materialized and waiting).
func (t *Train) Len() int {
	return len(t.members)
}

// Contains reports whether a pull is anywhere in the member sequence.
func (t *Train) Contains(number int) bool {
	for i := range t.members {
		if t.members[i].Number == number {
			return true
		}
	}
	return false
}
