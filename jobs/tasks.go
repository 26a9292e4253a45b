package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRecalculateMaterial recosts every recipe that uses a raw material.
	TaskRecalculateMaterial = "costing:recalculate_material"
	// TaskRecordCost records the cost of a single recipe.
	TaskRecordCost = "costing:record_cost"
)

// RecalculateMaterialPayload identifies the material whose price changed.
type RecalculateMaterialPayload struct {
	MaterialID int64 `json:"material_id"`
}

// RecordCostPayload identifies the recipe to recost.
type RecordCostPayload struct {
	RecipeID    int64  `json:"recipe_id"`
	ScaleFactor string `json:"scale_factor,omitempty"`
	OwnerID     string `json:"owner_id,omitempty"`
	// Force records a cost even when no material changed since the last one.
	Force bool `json:"force,omitempty"`
}

// NewRecalculateMaterialTask constructs the material recalculation task.
// Duplicate requests for the same material collapse while one is pending.
func NewRecalculateMaterialTask(payload RecalculateMaterialPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRecalculateMaterial, body, asynq.Queue(QueueDefault), asynq.Unique(time.Minute)), nil
}

// NewRecordCostTask constructs a single recipe recost task.
func NewRecordCostTask(payload RecordCostPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRecordCost, body, asynq.Queue(QueueDefault)), nil
}
