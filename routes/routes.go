package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	controller "mailcadence/controllers"
	"mailcadence/middleware"
)

// SetupRoutes wires the trigger, enrollment and operational endpoints
func SetupRoutes(app *fiber.App, wc *controller.WorkerController, ec *controller.EnrollmentController) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// Internal trigger endpoints, hit by external cron with the shared
	// secret header.
	internal := app.Group("/internal/workers",
		middleware.CronAuth(),
		middleware.TriggerRateLimiter(),
		logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
		}))
	internal.Post("/sequences", wc.TriggerSequenceWorker)
	internal.Post("/replies", wc.TriggerReplyDetector)

	api := app.Group("/api/v1", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	api.Post("/sequences/:id/enroll", ec.EnrollContacts)

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
