// Package envelope is the uniform JSON response shape of the API:
// {"success": bool, "data"?: any, "error"?: {"kind", "message"}}.
package envelope

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/labcase/labcase/internal/platform/apperr"
)

// Error is the error member of a failed response.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	// Current and Attempted are set for invalid transitions.
	Current   *int `json:"current,omitempty"`
	Attempted *int `json:"attempted,omitempty"`
}

// Response is the body of every API response.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// OK writes a successful response with status.
func OK(c echo.Context, status int, data any) error {
	return c.JSON(status, Response{Success: true, Data: data})
}

// Fail writes err as a failed response with the status apperr maps it to.
func Fail(c echo.Context, err error) error {
	return c.JSON(apperr.HTTPStatus(err), Response{Success: false, Error: FromError(err)})
}

// FromError converts err into the envelope error member.
func FromError(err error) *Error {
	out := &Error{Kind: apperr.Kind(err), Message: err.Error()}
	var te *apperr.TransitionError
	if errors.As(err, &te) {
		cur, att := te.Current, te.Attempted
		out.Current, out.Attempted = &cur, &att
	}
	if out.Kind == apperr.KindInternal {
		out.Message = http.StatusText(http.StatusInternalServerError)
	}
	return out
}

// HTTPErrorHandler renders errors returned by handlers and middleware in the
// envelope shape. echo.HTTPError keeps its code.
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg, ok := he.Message.(string)
		if !ok {
			msg = http.StatusText(he.Code)
		}
		kind := apperr.KindInternal
		switch he.Code {
		case http.StatusNotFound:
			kind = apperr.KindNotFound
		case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType:
			kind = apperr.KindValidationFailed
		case http.StatusServiceUnavailable:
			kind = apperr.KindStorageUnavailable
		case http.StatusGatewayTimeout:
			kind = apperr.KindCanceled
		case http.StatusTooManyRequests:
			kind = "rate_limited"
		}
		_ = c.JSON(he.Code, Response{Success: false, Error: &Error{Kind: kind, Message: msg}})
		return
	}
	_ = Fail(c, err)
}
