package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"mailcadence/models"
	"mailcadence/utils"
	"mailcadence/worker"
)

// EnrollmentController handles enrolling contacts into a sequence
type EnrollmentController struct {
	Enroller *worker.Enroller
	Logger   *logrus.Logger
}

func NewEnrollmentController(e *worker.Enroller, logger *logrus.Logger) *EnrollmentController {
	return &EnrollmentController{Enroller: e, Logger: logger}
}

type enrollRequest struct {
	TeamID     uint                   `json:"team_id" validate:"required"`
	ContactIDs []uint                 `json:"contact_ids" validate:"required,min=1,dive,required"`
	Schedule   *models.ScheduleConfig `json:"schedule"`
}

// EnrollContacts enrolls the requested contacts into the sequence from
// the path
func (ec *EnrollmentController) EnrollContacts(c *fiber.Ctx) error {
	sequenceID, err := c.ParamsInt("id")
	if err != nil || sequenceID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid sequence id",
		})
	}

	var req enrollRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	result, err := ec.Enroller.EnrollContacts(c.Context(), req.TeamID, uint(sequenceID), req.ContactIDs, req.Schedule)
	if err != nil {
		var enrollErr *worker.EnrollmentError
		if errors.As(err, &enrollErr) {
			return c.Status(enrollmentStatus(enrollErr.Code)).JSON(fiber.Map{
				"error": enrollErr.Message,
				"code":  enrollErr.Code,
			})
		}
		ec.Logger.WithError(err).Error("enrollment failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to enroll contacts",
		})
	}

	return c.JSON(result)
}

// enrollmentStatus maps machine-readable enrollment codes onto HTTP
func enrollmentStatus(code string) int {
	switch code {
	case worker.EnrollCodeSequenceNotFound:
		return fiber.StatusNotFound
	case worker.EnrollCodeSequenceDraft, worker.EnrollCodeSequencePaused:
		return fiber.StatusConflict
	default:
		return fiber.StatusUnprocessableEntity
	}
}
