package api

import (
	"github.com/gin-gonic/gin"
)

// envelope is the success body: {"success": true, "data": ...}.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
}

type statusMessage struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, envelope{Success: true, Data: data})
}

func fail(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, errorResponse{Error: message})
}
