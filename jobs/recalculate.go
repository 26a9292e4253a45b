package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/recipe-costing/internal/costing"
	jobmetrics "github.com/odyssey-erp/recipe-costing/internal/jobs"
)

// Recalculator is the part of the costing service the jobs drive.
type Recalculator interface {
	RecalculateForMaterial(ctx context.Context, materialID int64) ([]costing.HistoryRecord, error)
	RecordCost(ctx context.Context, in costing.CostInput) (costing.HistoryRecord, error)
	NeedsRecalculation(ctx context.Context, recipeID int64) (bool, error)
}

// RecalculateJob handles the costing tasks.
type RecalculateJob struct {
	Service Recalculator
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewRecalculateJob initialises the costing job handlers.
func NewRecalculateJob(service Recalculator, logger *slog.Logger, metrics *jobmetrics.Metrics) *RecalculateJob {
	return &RecalculateJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handlers lists the task handlers to register on the worker.
func (j *RecalculateJob) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskRecalculateMaterial, Handler: j.HandleRecalculateMaterial},
		{Type: TaskRecordCost, Handler: j.HandleRecordCost},
	}
}

// HandleRecalculateMaterial recosts the recipes that use a material.
func (j *RecalculateJob) HandleRecalculateMaterial(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Service == nil {
		return errors.New("recalculate material: handler not configured")
	}
	var payload RecalculateMaterialPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.MaterialID <= 0 {
		return asynq.SkipRetry
	}
	tracker := j.Metrics.Track(TaskRecalculateMaterial)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Int64("material_id", payload.MaterialID))
	records, err := j.Service.RecalculateForMaterial(ctx, payload.MaterialID)
	if err != nil {
		logger.Error("material recalculation failed", slog.Any("error", err))
		return retryable(err)
	}
	j.Metrics.AddRecalculated(len(records))
	logger.Info("material recalculation completed", slog.Int("recipes", len(records)))
	return nil
}

// HandleRecordCost recosts one recipe. Unless forced, a recipe whose
// materials did not change since its last record is skipped.
func (j *RecalculateJob) HandleRecordCost(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Service == nil {
		return errors.New("record cost: handler not configured")
	}
	var payload RecordCostPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.RecipeID <= 0 {
		return asynq.SkipRetry
	}
	scale := decimal.NewFromInt(1)
	if payload.ScaleFactor != "" {
		parsed, err := decimal.NewFromString(payload.ScaleFactor)
		if err != nil {
			return asynq.SkipRetry
		}
		scale = parsed
	}
	tracker := j.Metrics.Track(TaskRecordCost)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Int64("recipe_id", payload.RecipeID))
	if !payload.Force {
		needs, err := j.Service.NeedsRecalculation(ctx, payload.RecipeID)
		if err != nil {
			return retryable(err)
		}
		if !needs {
			logger.Debug("recipe cost up to date")
			return nil
		}
	}
	rec, err := j.Service.RecordCost(ctx, costing.CostInput{RecipeID: payload.RecipeID, ScaleFactor: scale, OwnerID: payload.OwnerID})
	if err != nil {
		logger.Error("record cost failed", slog.Any("error", err))
		return retryable(err)
	}
	j.Metrics.AddRecalculated(1)
	logger.Info("recipe cost recorded", slog.String("history_id", rec.ID.String()), slog.String("total", rec.TotalCost.String()))
	return nil
}

func (j *RecalculateJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

// retryable keeps transient failures retryable and stops retries for
// errors another attempt cannot fix.
func retryable(err error) error {
	if costing.Outcome(err) == "error" {
		return err
	}
	return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
}
