package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const cameraIDKey = "camera_id"

// RequireValidCameraID ensures the path param ":id" is an int > 0 and stores
// it for CameraID.
func RequireValidCameraID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || id <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "camera id must be a positive integer"})
			return
		}
		c.Set(cameraIDKey, id)
		c.Next()
	}
}

// CameraID returns the id validated by RequireValidCameraID.
func CameraID(c *gin.Context) int64 {
	return c.GetInt64(cameraIDKey)
}
