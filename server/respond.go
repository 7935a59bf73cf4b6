package server

import (
	"github.com/gin-gonic/gin"

	bridge "github.com/openclaw/webchat-bridge"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// envelope is the uniform response body: { ok, data?, error? }.
type envelope struct {
	OK    bool      `json:"ok"`
	Data  any       `json:"data,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

func respondOK(c *gin.Context, status int, data any) {
	c.JSON(status, envelope{OK: true, Data: data})
}

// respondError classifies a bridge error into its HTTP status exactly once.
// The UNAUTHORIZED code is emitted verbatim; the browser treats it as a
// session-expired marker, so no synonyms.
func respondError(c *gin.Context, err error) {
	typed := bridge.AsError(err)
	c.JSON(bridge.HTTPStatus(typed.Code), envelope{OK: false, Error: &apiError{
		Code:    typed.Code,
		Message: typed.Message,
		Details: typed.Details,
	}})
}

func respondCode(c *gin.Context, code, message string) {
	c.JSON(bridge.HTTPStatus(code), envelope{OK: false, Error: &apiError{Code: code, Message: message}})
}
