package handler

import (
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
)

// abort records err for the access log and writes {"message": ...}.
func abort(c *gin.Context, status int, err error) {
	c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"message": err.Error()})
}

// queryInt parses an optional positive integer query parameter.
func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw, ok := c.GetQuery(key)
	if !ok || raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return n, nil
}

func errNotRunning(id int64) error { return fmt.Errorf("camera %d is not running", id) }

func errNoLogs(id int64) error { return fmt.Errorf("no extractor logs for camera %d", id) }
