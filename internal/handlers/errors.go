package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/content-jobs/internal/types"
)

// Error codes returned next to the error payload
const (
	CodeValidation = "ERR_VALIDATION"
	CodeNotFound   = "ERR_NOT_FOUND"
	CodeForbidden  = "ERR_FORBIDDEN"
	CodeTooLarge   = "ERR_FILE_TOO_LARGE"
	CodeInternal   = "ERR_INTERNAL"
)

// KindForbidden is reported when a caller reads another owner's job
const KindForbidden types.ErrorKind = "ForbiddenError"

// ErrorBody is the shape of every error response
type ErrorBody struct {
	Error types.JobError `json:"error"`
	Code  string         `json:"code"`
}

func errorResponse(c *fiber.Ctx, status int, kind types.ErrorKind, code, message string) error {
	return c.Status(status).JSON(ErrorBody{
		Error: types.JobError{Kind: kind, Message: message},
		Code:  code,
	})
}

// ErrorHandler renders job errors, fiber errors and unexpected errors as
// ErrorBody responses
func ErrorHandler(log logrus.FieldLogger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var jerr *types.JobError
		if errors.As(err, &jerr) {
			switch jerr.Kind {
			case types.KindValidation:
				return errorResponse(c, fiber.StatusBadRequest, jerr.Kind, CodeValidation, jerr.Message)
			case types.KindNotFound:
				return errorResponse(c, fiber.StatusNotFound, jerr.Kind, CodeNotFound, jerr.Message)
			}
		}

		var ferr *fiber.Error
		if errors.As(err, &ferr) {
			switch {
			case ferr.Code == fiber.StatusForbidden:
				return errorResponse(c, ferr.Code, KindForbidden, CodeForbidden, ferr.Message)
			case ferr.Code == fiber.StatusNotFound:
				return errorResponse(c, ferr.Code, types.KindNotFound, CodeNotFound, ferr.Message)
			case ferr.Code == fiber.StatusRequestEntityTooLarge:
				return errorResponse(c, ferr.Code, types.KindValidation, CodeTooLarge, ferr.Message)
			case ferr.Code < 500:
				return errorResponse(c, ferr.Code, types.KindValidation, CodeValidation, ferr.Message)
			}
		}

		log.WithError(err).WithFields(logrus.Fields{
			"method": c.Method(),
			"path":   c.Path(),
		}).Error("Request failed")
		return errorResponse(c, fiber.StatusInternalServerError, types.KindProcessing, CodeInternal, "internal server error")
	}
}
