package response

import "github.com/gin-gonic/gin"

const (
	CodeOK                 = 0
	CodeBadRequest         = 40000
	CodeEmailExists        = 40002
	CodeWeakPassword       = 40003
	CodeMessageEmpty       = 40004
	CodeUnauthorized       = 40100
	CodeInvalidCredentials = 40101
	CodeInvalidResetToken  = 40102
	CodeBusy               = 40900
	CodeSessionNotFound    = 40401
	CodeMessageNotFound    = 40402
	CodeUserNotFound       = 40403
	CodeUnknownProvider    = 40404
	CodeInternalServer     = 50000
	CodeUpstream           = 50200
)

type APIResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func OK(c *gin.Context, data interface{}) {
	c.JSON(200, APIResponse{
		Code:    CodeOK,
		Message: "ok",
		Data:    data,
	})
}

func Error(c *gin.Context, httpStatus, code int, message string) {
	c.JSON(httpStatus, APIResponse{
		Code:    code,
		Message: message,
	})
}

// Abort writes the error envelope and stops the handler chain.
func Abort(c *gin.Context, httpStatus, code int, message string) {
	c.AbortWithStatusJSON(httpStatus, APIResponse{
		Code:    code,
		Message: message,
	})
}
