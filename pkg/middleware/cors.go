package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2/middleware/cors"
)

func CORSConfig(origins []string) cors.Config {
	return cors.Config{
		AllowOrigins: strings.Join(origins, ","),
		AllowMethods: "POST,GET,DELETE,PUT,OPTIONS",
		AllowHeaders: "Content-Type,Cache-Control,Pragma,Authorization",
	}
}
