package http

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"harvester/internal/model"
)

// runStartHandler creates a run for a job and enqueues it. Starting a run
// for a list job without any confirmed field mapping is rejected; the
// worker would only produce empty pages.
func runStartHandler(c *fiber.Ctx) error {
	var reqBody StartRunRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&reqBody); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
				Code:  "BAD_REQUEST_INVALID_JSON",
				Error: "Bad request, malformed JSON",
			})
		}
	}

	d := depsOf(c)
	jobID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Code:  "BAD_REQUEST",
			Error: "invalid job id",
		})
	}

	job, err := d.Store.GetJob(c.Context(), jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
				Code:  "NOT_FOUND",
				Error: "job not found",
			})
		}
		return c.Status(http.StatusInternalServerError).JSON(ErrorResponse{
			Code:  "JOB_LOOKUP_FAILED",
			Error: err.Error(),
		})
	}

	maps, err := d.Store.ListFieldMaps(c.Context(), jobID)
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(ErrorResponse{
			Code:  "FIELD_MAP_LIST_FAILED",
			Error: err.Error(),
		})
	}
	if len(maps) == 0 {
		return c.Status(fiber.StatusConflict).JSON(ErrorResponse{
			Code:  "NO_FIELD_MAPS",
			Error: "job has no field mappings; map at least one field before running",
		})
	}

	maxAttempts := reqBody.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.Config.Runs.DefaultMaxAttempts
	}

	run := &model.Run{
		ID:          newID(),
		JobID:       job.ID,
		Status:      model.RunQueued,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now().UTC(),
	}
	if err := d.Store.CreateRun(c.Context(), run); err != nil {
		return c.Status(http.StatusInternalServerError).JSON(ErrorResponse{
			Code:  "RUN_CREATE_FAILED",
			Error: err.Error(),
		})
	}
	if err := d.Queue.Enqueue(c.Context(), run.ID, 0); err != nil {
		return c.Status(http.StatusInternalServerError).JSON(ErrorResponse{
			Code:  "RUN_ENQUEUE_FAILED",
			Error: err.Error(),
		})
	}

	d.Logger.Info("run_enqueued", "run_id", run.ID, "job_id", job.ID, "max_attempts", run.MaxAttempts)
	return c.Status(http.StatusAccepted).JSON(RunResponse{Success: true, Run: run})
}

func runListHandler(c *fiber.Ctx) error {
	d := depsOf(c)
	jobID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Code:  "BAD_REQUEST",
			Error: "invalid job id",
		})
	}
	runs, err := d.Store.ListRunsForJob(c.Context(), jobID, c.QueryInt("limit", 50))
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(ErrorResponse{
			Code:  "RUN_LIST_FAILED",
			Error: err.Error(),
		})
	}
	if runs == nil {
		runs = []*model.Run{}
	}
	return c.JSON(RunListResponse{Success: true, Runs: runs})
}

func runDetailHandler(c *fiber.Ctx) error {
	d := depsOf(c)
	runID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Code:  "BAD_REQUEST",
			Error: "invalid run id",
		})
	}
	run, err := d.Store.GetRun(c.Context(), runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
				Code:  "NOT_FOUND",
				Error: "run not found",
			})
		}
		return c.Status(http.StatusInternalServerError).JSON(ErrorResponse{
			Code:  "RUN_LOOKUP_FAILED",
			Error: err.Error(),
		})
	}
	return c.JSON(RunResponse{Success: true, Run: run})
}

// runCancelHandler flips the run to cancelled. The worker notices at its
// next status poll; a queued run simply never starts.
func runCancelHandler(c *fiber.Ctx) error {
	d := depsOf(c)
	runID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Code:  "BAD_REQUEST",
			Error: "invalid run id",
		})
	}
	ok, err := d.Store.RequestRunCancel(c.Context(), runID)
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(ErrorResponse{
			Code:  "RUN_CANCEL_FAILED",
			Error: err.Error(),
		})
	}
	if !ok {
		return c.Status(fiber.StatusConflict).JSON(ErrorResponse{
			Code:  "RUN_NOT_CANCELLABLE",
			Error: "run already reached a terminal state",
		})
	}
	d.Logger.Info("run_cancel_requested", "run_id", runID)
	return c.JSON(fiber.Map{"success": true, "run_id": runID, "status": model.RunCancelled})
}

func recordListHandler(c *fiber.Ctx) error {
	d := depsOf(c)
	runID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Code:  "BAD_REQUEST",
			Error: "invalid run id",
		})
	}
	limit := c.QueryInt("limit", 100)
	offset := c.QueryInt("offset", 0)

	records, err := d.Store.ListRecords(c.Context(), runID, limit, offset)
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(ErrorResponse{
			Code:  "RECORD_LIST_FAILED",
			Error: err.Error(),
		})
	}
	total, err := d.Store.CountRecords(c.Context(), runID)
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(ErrorResponse{
			Code:  "RECORD_COUNT_FAILED",
			Error: err.Error(),
		})
	}
	if records == nil {
		records = []model.Record{}
	}
	return c.JSON(RecordListResponse{Success: true, Total: int(total), Records: records})
}

func eventListHandler(c *fiber.Ctx) error {
	d := depsOf(c)
	runID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Code:  "BAD_REQUEST",
			Error: "invalid run id",
		})
	}
	evs, err := d.Store.ListRunEvents(c.Context(), runID, c.QueryInt("limit", 500))
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(ErrorResponse{
			Code:  "EVENT_LIST_FAILED",
			Error: err.Error(),
		})
	}
	if evs == nil {
		evs = []model.RunEvent{}
	}
	return c.JSON(EventListResponse{Success: true, Events: evs})
}
