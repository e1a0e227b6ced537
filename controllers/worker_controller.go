package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"mailcadence/worker"
)

// WorkerController exposes the cron trigger endpoints for the two
// background passes. Auth is handled by the cron middleware on the
// route group.
type WorkerController struct {
	Worker   *worker.SequenceWorker
	Detector *worker.ReplyDetector
	Logger   *logrus.Logger
}

func NewWorkerController(w *worker.SequenceWorker, d *worker.ReplyDetector, logger *logrus.Logger) *WorkerController {
	return &WorkerController{Worker: w, Detector: d, Logger: logger}
}

// TriggerSequenceWorker runs one dispatch pass and returns its metrics
func (wc *WorkerController) TriggerSequenceWorker(c *fiber.Ctx) error {
	opts := worker.RunOptions{
		Limit:  c.QueryInt("limit"),
		TeamID: uint(c.QueryInt("team_id")),
	}

	result, err := wc.Worker.Run(c.Context(), opts)
	if err != nil {
		wc.Logger.WithError(err).Error("sequence worker trigger failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Worker pass failed",
		})
	}

	return c.JSON(result)
}

// TriggerReplyDetector runs one detection pass and returns its metrics
func (wc *WorkerController) TriggerReplyDetector(c *fiber.Ctx) error {
	opts := worker.DetectOptions{
		MessageLimit: c.QueryInt("message_limit"),
	}

	result, err := wc.Detector.Run(c.Context(), opts)
	if err != nil {
		wc.Logger.WithError(err).Error("reply detector trigger failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Detection pass failed",
		})
	}

	return c.JSON(result)
}
