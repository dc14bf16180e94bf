package handler

import "github.com/gin-gonic/gin"

var Version = "dev"

func VersionInfo(c *gin.Context) {
	c.JSON(200, gin.H{"version": Version})
}
