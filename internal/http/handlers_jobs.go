package http

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"harvester/internal/extract"
	"harvester/internal/model"
	"harvester/internal/typer"
)

func jobCreateHandler(c *fiber.Ctx) error {
	var reqBody CreateJobRequest
	if err := c.BodyParser(&reqBody); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Code:  "BAD_REQUEST_INVALID_JSON",
			Error: "Bad request, malformed JSON",
		})
	}

	d := depsOf(c)

	job := &model.Job{
		ID:             newID(),
		TargetURL:      reqBody.TargetURL,
		Fields:         reqBody.Fields,
		CrawlMode:      model.CrawlMode(reqBody.CrawlMode),
		ListConfig:     reqBody.ListConfig,
		RequiresAuth:   reqBody.RequiresAuth,
		EngineMode:     model.EngineMode(reqBody.EngineMode),
		BrowserProfile: reqBody.BrowserProfile,
		StrategyHint:   reqBody.StrategyHint,
		CreatedAt:      time.Now().UTC(),
	}
	if job.CrawlMode == "" {
		job.CrawlMode = model.CrawlSingle
	}
	if job.EngineMode == "" {
		job.EngineMode = model.ModeAuto
	}
	if err := job.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Code:  "JOB_INVALID",
			Error: err.Error(),
		})
	}

	if err := d.Store.CreateJob(c.Context(), job); err != nil {
		return c.Status(http.StatusInternalServerError).JSON(ErrorResponse{
			Code:  "JOB_CREATE_FAILED",
			Error: err.Error(),
		})
	}

	d.Logger.Info("job_created", "job_id", job.ID, "target_url", job.TargetURL, "crawl_mode", job.CrawlMode, "engine_mode", job.EngineMode)
	return c.Status(http.StatusCreated).JSON(JobResponse{Success: true, Job: job})
}

func jobListHandler(c *fiber.Ctx) error {
	d := depsOf(c)
	jobs, err := d.Store.ListJobs(c.Context(), c.QueryInt("limit", 100))
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(ErrorResponse{
			Code:  "JOB_LIST_FAILED",
			Error: err.Error(),
		})
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	return c.JSON(JobListResponse{Success: true, Jobs: jobs})
}

func jobDetailHandler(c *fiber.Ctx) error {
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
	return c.JSON(JobResponse{Success: true, Job: job})
}

func fieldMapListHandler(c *fiber.Ctx) error {
	d := depsOf(c)
	jobID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Code:  "BAD_REQUEST",
			Error: "invalid job id",
		})
	}
	maps, err := d.Store.ListFieldMaps(c.Context(), jobID)
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(ErrorResponse{
			Code:  "FIELD_MAP_LIST_FAILED",
			Error: err.Error(),
		})
	}
	if maps == nil {
		maps = []model.FieldMap{}
	}
	return c.JSON(FieldMapListResponse{Success: true, FieldMaps: maps})
}

// fieldMapUpsertHandler binds a declared job field to a selector. The field
// name must be one the job declared; the selector must parse before it is
// accepted.
func fieldMapUpsertHandler(c *fiber.Ctx) error {
	var reqBody FieldMapRequest
	if err := c.BodyParser(&reqBody); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Code:  "BAD_REQUEST_INVALID_JSON",
			Error: "Bad request, malformed JSON",
		})
	}

	d := depsOf(c)
	jobID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Code:  "BAD_REQUEST",
			Error: "invalid job id",
		})
	}
	fieldName := c.Params("name")

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

	declared := false
	for _, f := range job.Fields {
		if f == fieldName {
			declared = true
			break
		}
	}
	if !declared {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Code:  "FIELD_NOT_DECLARED",
			Error: "field is not declared on the job",
		})
	}

	fm := &model.FieldMap{
		ID:        newID(),
		JobID:     jobID,
		FieldName: fieldName,
		Selector:  reqBody.Selector,
		FieldType: typer.FieldType(reqBody.FieldType),
		Options:   reqBody.Options,
		Rules:     reqBody.Rules,
		UpdatedAt: time.Now().UTC(),
	}
	if fm.FieldType == "" {
		fm.FieldType = typer.TypeString
	}
	if err := fm.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Code:  "FIELD_MAP_INVALID",
			Error: err.Error(),
		})
	}
	if err := extract.ValidateSelector(fm.Selector); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Code:  "SELECTOR_INVALID",
			Error: err.Error(),
		})
	}

	if err := d.Store.UpsertFieldMap(c.Context(), fm); err != nil {
		return c.Status(http.StatusInternalServerError).JSON(ErrorResponse{
			Code:  "FIELD_MAP_SAVE_FAILED",
			Error: err.Error(),
		})
	}

	d.Logger.Info("field_map_saved", "job_id", jobID, "field", fieldName, "type", fm.FieldType)
	return c.JSON(FieldMapResponse{Success: true, FieldMap: fm})
}

// newID prefers uuidv7 for time-ordered keys.
func newID() uuid.UUID {
	if id, err := uuid.NewV7(); err == nil {
		return id
	}
	return uuid.New()
}
