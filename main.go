package main

import (
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/spftececpereira/fabrica-de-livros-sub000/authorization"
	"github.com/spftececpereira/fabrica-de-livros-sub000/badges"
	"github.com/spftececpereira/fabrica-de-livros-sub000/books"
	"github.com/spftececpereira/fabrica-de-livros-sub000/middleware"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("main: no .env file loaded: %v", err)
	}

	router := gin.Default()
	router.Use(cors.New(corsConfig()))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.NewRateLimiterFromEnv().Middleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})

	authModule, err := authorization.RegisterRoutes(router)
	if err != nil {
		log.Fatalf("main: register authorization routes: %v", err)
	}

	badgeModule, err := badges.RegisterRoutes(router, authModule.DB(), authModule.Guard())
	if err != nil {
		log.Fatalf("main: register badge routes: %v", err)
	}

	if _, err := books.RegisterRoutes(router, authModule.Guard(), authModule, badgeModule); err != nil {
		log.Fatalf("main: register book routes: %v", err)
	}

	addr := listenAddr()
	log.Printf("main: listening on %s", addr)
	if err := router.Run(addr); err != nil {
		log.Fatalf("main: server stopped: %v", err)
	}
}

func corsConfig() cors.Config {
	config := cors.DefaultConfig()
	config.AllowCredentials = true
	config.AllowHeaders = append(config.AllowHeaders, "Authorization")

	if raw := strings.TrimSpace(os.Getenv("CORS_ALLOW_ORIGINS")); raw != "" {
		config.AllowOrigins = strings.Split(raw, ",")
	} else {
		config.AllowAllOrigins = true
		config.AllowCredentials = false
	}
	return config
}

func listenAddr() string {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}
	return ":" + port
}
