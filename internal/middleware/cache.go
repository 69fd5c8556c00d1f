package middleware

import "github.com/gin-gonic/gin"

// NoStore keeps session state out of every cache between server and browser.
func NoStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}
