package common

import (
	"github.com/gin-gonic/gin"
)

// Fail aborts the request with a {"detail": ...} body.
func Fail(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, gin.H{"detail": detail})
}

// FailWith writes err using its status and detail.
func FailWith(c *gin.Context, err error) {
	e := AsError(err)
	Fail(c, e.Status, e.Error())
}
