// cmd/server/main.go
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"geoportal-back/internal/database"
	"geoportal-back/internal/engine"
	"geoportal-back/internal/handlers"
	"geoportal-back/internal/middleware"
	"geoportal-back/internal/models"
	"geoportal-back/internal/orchestrator"
	"geoportal-back/internal/reconcile"
	"geoportal-back/internal/registry"
	"geoportal-back/internal/secrets"
	"geoportal-back/internal/storage"
	"geoportal-back/internal/store"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	// Initialize database
	db, err := database.InitDB()
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	// Auto-migrate models
	if err := database.MigrateDB(db); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}

	minioClient, err := storage.NewMinIOClient()
	if err != nil {
		log.Fatal("Failed to initialize MinIO client:", err)
	}

	box, err := secrets.NewBox()
	if err != nil {
		log.Println("Secrets box disabled:", err)
		box = nil
	}

	gormStore := store.NewGormStore(db)
	reg := registry.New(gormStore)

	adapters := engine.NewAdapters()
	odm := engine.NewODMAdapter(getenv("ODM_API_URL", "http://localhost:3000"))
	adapters.Register(odm, "drone-orthomosaic", "drone-point-cloud", "drone-dsm")
	earth := engine.NewEarthExportAdapter(
		getenv("EARTH_EXPORT_API_URL", "http://localhost:4000"),
		getenv("EARTH_EXPORT_PROJECT", "geoportal"),
	)
	adapters.Register(earth, "satellite-export")

	orch := orchestrator.New(gormStore, gormStore, reg, adapters, box)
	svc := orchestrator.NewAudited(orch, gormStore)

	loop := reconcile.NewLoop(reconcile.Config{
		Interval: durationEnv("RECONCILE_INTERVAL", 15*time.Second),
		Workers:  intEnv("RECONCILE_WORKERS", 4),
	}, gormStore, gormStore, reg, adapters, orch, minioClient, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go loop.Run(ctx)

	// Initialize Gin router
	r := gin.Default()

	// CORS middleware
	r.Use(middleware.CORSMiddleware())

	// Public routes
	public := r.Group("/api")
	{
		public.POST("/register", handlers.Register(gormStore))
		public.POST("/login", handlers.Login(gormStore))
		public.POST("/logout", handlers.Logout)
		public.GET("/health", func(c *gin.Context) { c.JSON(200, gin.H{"status": "ok"}) })
	}

	// Protected routes
	protected := r.Group("/api")
	protected.Use(middleware.AuthMiddleware())
	{
		protected.GET("/profile", handlers.GetProfile(gormStore))

		protected.POST("/projects", handlers.CreateProject(gormStore))
		protected.GET("/projects", handlers.ListProjects(gormStore))
		protected.GET("/projects/:id", handlers.GetProject(gormStore))

		protected.POST("/projects/:id/files", handlers.UploadFile(gormStore, minioClient))
		protected.GET("/projects/:id/files", handlers.ListFiles(gormStore))
		protected.GET("/files/:id", handlers.GetFile(gormStore, minioClient))
		protected.GET("/files/:id/download", handlers.DownloadFile(gormStore, minioClient))
		protected.DELETE("/files/:id", handlers.DeleteFile(gormStore, minioClient))

		protected.POST("/tasks", handlers.SubmitTask(svc))
		protected.GET("/tasks/:id", handlers.GetTask(svc))
		protected.POST("/tasks/:id/cancel", handlers.CancelTask(svc))
		protected.POST("/tasks/:id/poll", handlers.PollTask(svc, loop))
		protected.GET("/projects/:id/tasks", handlers.ListTasks(svc))

		protected.POST("/analyses", handlers.SubmitAnalysis(svc))
		protected.GET("/analyses/:id", handlers.GetAnalysis(svc))

		protected.POST("/projects/:id/layers", handlers.CreateLayer(gormStore))
		protected.GET("/projects/:id/layers", handlers.ListLayers(gormStore))

		if box != nil {
			protected.POST("/apikeys", handlers.CreateApiKey(gormStore, box))
		}

		admin := protected.Group("/admin")
		admin.Use(middleware.RequireRole(models.RoleAdmin))
		{
			admin.PUT("/users/:id", handlers.UpdateUser(gormStore))
		}
	}

	// Get port from env or use default
	port := getenv("PORT", "8080")

	log.Printf("Server starting on port %s", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
