package errx

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

// HTTPResponse is the JSON body rendered for an Error.
type HTTPResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Type    string         `json:"type"`
	Details map[string]any `json:"details,omitempty"`
}

// ToHTTPResponse converts the error to its wire representation.
func (e *Error) ToHTTPResponse() HTTPResponse {
	return HTTPResponse{
		Code:    e.Code,
		Message: e.Message,
		Type:    string(e.Type),
		Details: e.Details,
	}
}

// FiberErrorHandler renders errx errors with their HTTP status and wraps
// everything else as an internal error. Intended as the app-level
// fiber.Config.ErrorHandler.
func FiberErrorHandler(c *fiber.Ctx, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return c.Status(e.HTTPStatus).JSON(e.ToHTTPResponse())
	}

	var fe *fiber.Error
	if errors.As(err, &fe) {
		e = New(fe.Message, TypeInternal)
		e.HTTPStatus = fe.Code
		return c.Status(fe.Code).JSON(e.ToHTTPResponse())
	}

	e = New(err.Error(), TypeInternal)
	return c.Status(e.HTTPStatus).JSON(e.ToHTTPResponse())
}
