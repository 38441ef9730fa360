package train

import (
	"context"
	"fmt"

	"mergebot/pkg/queue"
)

// CarState is the lifecycle state of a train car.
type CarState string

const (
	// CarPending means the car is desired but its synthetic artifact has not
	// been created yet.
	CarPending CarState = "pending"
	// CarActive means the synthetic artifact exists and checks are running.
	CarActive CarState = "active"
	// CarSuperseded means the car's prefix content changed and it must be
	// torn down before a replacement is created.
	CarSuperseded CarState = "superseded"
	// CarCompleted means the car's own pull merged while it was the head car.
	CarCompleted CarState = "completed"
	// CarDiscarded means the car was torn down without merging.
	CarDiscarded CarState = "discarded"
)

// CheckState is the aggregated CI verdict for a car's synthetic artifact.
type CheckState string

const (
	CheckPending CheckState = "pending"
	CheckSuccess CheckState = "success"
	CheckFailure CheckState = "failure"
)

// Materializer creates and destroys the synthetic combined-branch artifacts
// that back train cars. Implementations must make Delete idempotent on an
// already-absent handle and Create safe to re-invoke after a partial failure.
type Materializer interface {
	Create(ctx context.Context, parentPullNumbers []int, ownPullNumber int) (handle string, err error)
	Delete(ctx context.Context, handle string) error
	ReportStatus(ctx context.Context, handle string) (CheckState, error)
}

// PullReader supplies fresh pull request snapshots. It is the slice of the
// repository collaborator the train needs for post-merge reporting.
type PullReader interface {
	PullState(ctx context.Context, number int) (merged bool, headSHA string, err error)
}

// TrainCar is one speculative batch: the members admitted before it (frozen
// at creation time) plus its own pull, validated together against a
// synthetic combined branch.
type TrainCar struct {
	ParentPullNumbers []int                 `json:"parent_pull_numbers"`
	OwnPullNumber     int                   `json:"own_pull_number"`
	SyntheticPullID   string                `json:"synthetic_pull_id,omitempty"`
	State             CarState              `json:"state"`
	Config            queue.PullQueueConfig `json:"config"`

	// Cached own-pull snapshot, refreshed via UpdateUserPull. Not persisted.
	userMerged  bool
	userHeadSHA string
}

func newTrainCar(parents []int, member EmbarkedPull) *TrainCar {
	frozen := make([]int, len(parents))
	copy(frozen, parents)
	return &TrainCar{
		ParentPullNumbers: frozen,
		OwnPullNumber:     member.Number,
		State:             CarPending,
		Config:            member.Config,
	}
}

// Content returns the cumulative batch the car validates: frozen parents
// followed by its own pull.
func (c *TrainCar) Content() []int {
	content := make([]int, 0, len(c.ParentPullNumbers)+1)
	content = append(content, c.ParentPullNumbers...)
	return append(content, c.OwnPullNumber)
}

// create materializes the car's synthetic artifact. Safe to call again after
// a partial failure: the materializer reuses an equivalent existing artifact.
func (c *TrainCar) create(ctx context.Context, mat Materializer) error {
	handle, err := mat.Create(ctx, c.ParentPullNumbers, c.OwnPullNumber)
	if err != nil {
		return fmt.Errorf("materialize car for pull #%d: %w", c.OwnPullNumber, err)
	}
	c.SyntheticPullID = handle
	c.State = CarActive
	return nil
}

// teardown deletes the car's synthetic artifact, tolerating absence. The
// handle is cleared only on success so a retry can finish the job.
func (c *TrainCar) teardown(ctx context.Context, mat Materializer) error {
	if c.SyntheticPullID == "" {
		return nil
	}
	if err := mat.Delete(ctx, c.SyntheticPullID); err != nil {
		return fmt.Errorf("tear down car for pull #%d: %w", c.OwnPullNumber, err)
	}
	c.SyntheticPullID = ""
	return nil
}

// Status reports the car's current check state from the materializer.
func (c *TrainCar) Status(ctx context.Context, mat Materializer) (CheckState, error) {
	if c.SyntheticPullID == "" {
		return CheckPending, nil
	}
	state, err := mat.ReportStatus(ctx, c.SyntheticPullID)
	if err != nil {
		return CheckPending, fmt.Errorf("report status for pull #%d: %w", c.OwnPullNumber, err)
	}
	return state, nil
}

// UpdateUserPull refreshes the cached snapshot of the car's own pull. It does
// not affect sequence math; callers use it for post-merge reporting.
func (c *TrainCar) UpdateUserPull(ctx context.Context, pulls PullReader) error {
	merged, headSHA, err := pulls.PullState(ctx, c.OwnPullNumber)
	if err != nil {
		return fmt.Errorf("refresh pull #%d: %w", c.OwnPullNumber, err)
	}
	c.userMerged = merged
	c.userHeadSHA = headSHA
	return nil
}

// UserMerged reports the cached merged flag from the last UpdateUserPull.
func (c *TrainCar) UserMerged() bool {
	return c.userMerged
}

// UserHeadSHA reports the cached head SHA from the last UpdateUserPull.
func (c *TrainCar) UserHeadSHA() string {
	return c.userHeadSHA
}
