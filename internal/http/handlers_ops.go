package http

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"harvester/internal/events"
	"harvester/internal/model"
)

func sessionStatsHandler(c *fiber.Ctx) error {
	d := depsOf(c)
	if d.Sessions == nil {
		return c.Status(http.StatusServiceUnavailable).JSON(ErrorResponse{
			Code:  "SESSIONS_DISABLED",
			Error: "session pool is not running in this process",
		})
	}
	return c.JSON(fiber.Map{
		"success":  true,
		"stats":    d.Sessions.Stats(),
		"sessions": d.Sessions.Breakdowns(),
	})
}

func sessionCleanupHandler(c *fiber.Ctx) error {
	d := depsOf(c)
	if d.Sessions == nil {
		return c.Status(http.StatusServiceUnavailable).JSON(ErrorResponse{
			Code:  "SESSIONS_DISABLED",
			Error: "session pool is not running in this process",
		})
	}
	removed := d.Sessions.Cleanup()
	d.Logger.Info("session_cleanup_requested", "removed", removed)
	return c.JSON(fiber.Map{"success": true, "removed": removed})
}

func keyStatsHandler(c *fiber.Ctx) error {
	d := depsOf(c)
	if d.Ledger == nil {
		return c.Status(http.StatusServiceUnavailable).JSON(ErrorResponse{
			Code:  "LEDGER_DISABLED",
			Error: "provider ledger is not configured",
		})
	}
	stats, err := d.Ledger.Stats(c.Context())
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(ErrorResponse{
			Code:  "KEY_STATS_FAILED",
			Error: err.Error(),
		})
	}
	return c.JSON(fiber.Map{"success": true, "stats": stats})
}

func interventionListHandler(c *fiber.Ctx) error {
	d := depsOf(c)
	status := c.Query("status", string(model.InterventionPending))
	list, err := d.Store.ListInterventions(c.Context(), status, c.QueryInt("limit", 100))
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(ErrorResponse{
			Code:  "INTERVENTION_LIST_FAILED",
			Error: err.Error(),
		})
	}
	if list == nil {
		list = []*model.Intervention{}
	}
	return c.JSON(InterventionListResponse{Success: true, Interventions: list})
}

// interventionResolveHandler records the operator's resolution and puts the
// paused run back on the queue.
func interventionResolveHandler(c *fiber.Ctx) error {
	var reqBody ResolveInterventionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&reqBody); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
				Code:  "BAD_REQUEST_INVALID_JSON",
				Error: "Bad request, malformed JSON",
			})
		}
	}

	d := depsOf(c)
	ivID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Code:  "BAD_REQUEST",
			Error: "invalid intervention id",
		})
	}

	ok, err := d.Store.ResolveIntervention(c.Context(), ivID, reqBody.Resolution, time.Now().UTC())
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(ErrorResponse{
			Code:  "INTERVENTION_RESOLVE_FAILED",
			Error: err.Error(),
		})
	}
	if !ok {
		return c.Status(fiber.StatusConflict).JSON(ErrorResponse{
			Code:  "INTERVENTION_NOT_PENDING",
			Error: "intervention is not pending",
		})
	}

	iv, err := d.Store.GetIntervention(c.Context(), ivID)
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(ErrorResponse{
			Code:  "INTERVENTION_LOOKUP_FAILED",
			Error: err.Error(),
		})
	}

	requeued, err := d.Store.RequeueRun(c.Context(), iv.RunID)
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(ErrorResponse{
			Code:  "RUN_REQUEUE_FAILED",
			Error: err.Error(),
		})
	}
	if requeued {
		if err := d.Queue.Enqueue(c.Context(), iv.RunID, 0); err != nil {
			return c.Status(http.StatusInternalServerError).JSON(ErrorResponse{
				Code:  "RUN_ENQUEUE_FAILED",
				Error: err.Error(),
			})
		}
	}

	if d.Emitter != nil {
		d.Emitter.Emit(c.Context(), events.Event{
			Type:             events.InterventionResolved,
			RunID:            iv.RunID,
			InterventionID:   iv.ID,
			InterventionType: string(iv.Type),
		}, model.LevelInfo, "intervention resolved, run requeued")
	}

	d.Logger.Info("intervention_resolved", "intervention_id", ivID, "run_id", iv.RunID, "requeued", requeued)
	return c.JSON(InterventionResponse{Success: true, Intervention: iv})
}

// interventionCancelHandler abandons a pending intervention; the waiting run
// is cancelled with it.
func interventionCancelHandler(c *fiber.Ctx) error {
	d := depsOf(c)
	ivID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Code:  "BAD_REQUEST",
			Error: "invalid intervention id",
		})
	}

	ok, err := d.Store.CancelIntervention(c.Context(), ivID, time.Now().UTC())
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(ErrorResponse{
			Code:  "INTERVENTION_CANCEL_FAILED",
			Error: err.Error(),
		})
	}
	if !ok {
		return c.Status(fiber.StatusConflict).JSON(ErrorResponse{
			Code:  "INTERVENTION_NOT_PENDING",
			Error: "intervention is not pending",
		})
	}

	iv, err := d.Store.GetIntervention(c.Context(), ivID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return c.Status(http.StatusInternalServerError).JSON(ErrorResponse{
			Code:  "INTERVENTION_LOOKUP_FAILED",
			Error: err.Error(),
		})
	}
	if iv != nil {
		if _, err := d.Store.RequestRunCancel(c.Context(), iv.RunID); err != nil {
			d.Logger.Warn("run cancel after intervention cancel failed", "run_id", iv.RunID, "error", err)
		}
	}

	d.Logger.Info("intervention_cancelled", "intervention_id", ivID)
	return c.JSON(InterventionResponse{Success: true, Intervention: iv})
}
