package main

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"attendgate/internal/attendance"
	"attendgate/internal/auth"
	"attendgate/internal/config"
	"attendgate/internal/descriptor"
	"attendgate/internal/device"
	"attendgate/internal/directory"
	"attendgate/internal/evidence"
	"attendgate/internal/faceclient"
	"attendgate/internal/facematch"
	"attendgate/internal/httpmiddleware"
	"attendgate/internal/presence"
	"attendgate/internal/queue"
	"attendgate/internal/store"
	"attendgate/internal/verification"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if db == nil {
		return err
	}
	if err != nil {
		log.Printf("warning: db not reachable yet: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	cache := descriptor.NewCache(descriptor.NewRedisStore(redisClient.Client), descriptor.FaceExtractor{Client: face})

	codeStore := presence.NewRedisCodeStore(redisClient.Client)
	codes := presence.NewCodeService(codeStore, cfg.CodeTTL)
	qrTokens := presence.NewQRTokenService(codeStore, cfg.JWTSigningKey, cfg.JWTIssuer, cfg.QRTokenTTL)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "")
	}

	dir := directory.NewRepository(db.Client)
	records := attendance.NewRepository(db.Client)
	recorder := attendance.NewService(records, 5*time.Minute)

	// Evidence storage (nil when not configured; frames then stay
	// unreferenced and the record carries an approval reason only).
	var uploader verification.Uploader
	if cfg.EvidenceCloudName != "" && cfg.EvidenceAPIKey != "" && cfg.EvidenceAPISecret != "" {
		uploader = evidence.New(cfg.EvidenceCloudName, cfg.EvidenceAPIKey, cfg.EvidenceAPISecret, cfg.EvidenceFolder)
		log.Println("evidence storage configured:", cfg.EvidenceCloudName)
	} else {
		log.Println("evidence storage not configured (EVIDENCE_CLOUD_NAME / API_KEY / API_SECRET not set)")
	}

	sessions := verification.NewManager(verification.Deps{
		GeoTimeout:          cfg.GeoTimeout,
		DefaultRadiusMeters: cfg.DefaultRadiusMeters,
		Codes:               codes,
		QRTokens:            qrTokens,
		Cache:               cache,
		Engine:              facematch.FaceEngine{Client: face},
		MatchInterval:       cfg.MatchInterval,
		MatchThreshold:      cfg.MatchThreshold,
		Recorder:            recorder,
		Uploader:            uploader,
		Metrics:             verification.NewMetrics(prometheus.DefaultRegisterer),
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/students/register", func(c *gin.Context) {
		var req struct {
			StudentID string `json:"student_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		user, err := dir.GetUser(c.Request.Context(), req.StudentID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if user == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown student"})
			return
		}
		token, exp, err := auth.Issue(user.ID, auth.RoleStudent, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"access_token": token, "expires_at": exp.Unix()})
	})

	// Staff tokens are gated by a shared access key distributed to
	// department staff out of band; with no key configured the staff
	// surface stays locked.
	r.POST("/v1/staff/register", func(c *gin.Context) {
		var req struct {
			StaffID   string `json:"staff_id" binding:"required"`
			AccessKey string `json:"access_key" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if cfg.StaffAccessKey == "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "staff registration disabled"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(req.AccessKey), []byte(cfg.StaffAccessKey)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid access key"})
			return
		}
		token, exp, err := auth.Issue(req.StaffID, auth.RoleStaff, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"access_token": token, "expires_at": exp.Unix()})
	})

	student := r.Group("/v1", auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleStudent))

	student.POST("/sessions", func(c *gin.Context) {
		var req struct {
			DepartmentID string `json:"department_id" binding:"required"`
			Mode         int    `json:"mode" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		user, dept, ok := loadUserAndDepartment(c, dir, req.DepartmentID)
		if !ok {
			return
		}
		session, err := sessions.Create(*user, dept, directory.Mode(req.Mode))
		if err != nil {
			status := http.StatusBadRequest
			if err == verification.ErrModeClosed {
				status = http.StatusForbidden
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, session.Snapshot())
	})

	student.GET("/sessions/:id", func(c *gin.Context) {
		session, ok := ownedSession(c, sessions)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, session.Snapshot())
	})

	student.DELETE("/sessions/:id", func(c *gin.Context) {
		session, ok := ownedSession(c, sessions)
		if !ok {
			return
		}
		_ = sessions.Abandon(session.ID)
		c.Status(http.StatusNoContent)
	})

	student.POST("/sessions/:id/position", func(c *gin.Context) {
		session, ok := ownedSession(c, sessions)
		if !ok {
			return
		}
		var req struct {
			Lat      *float64 `json:"lat"`
			Lng      *float64 `json:"lng"`
			Accuracy float64  `json:"accuracy_meters"`
			Denied   bool     `json:"denied"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Denied {
			session.DenyDevice()
			c.JSON(http.StatusAccepted, session.Snapshot())
			return
		}
		if req.Lat == nil || req.Lng == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "lat and lng required"})
			return
		}
		session.SubmitPosition(device.Position{Lat: *req.Lat, Lng: *req.Lng, AccuracyMeters: req.Accuracy})
		c.JSON(http.StatusAccepted, session.Snapshot())
	})

	student.POST("/sessions/:id/frames", func(c *gin.Context) {
		session, ok := ownedSession(c, sessions)
		if !ok {
			return
		}
		var req struct {
			Data string `json:"data" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		raw, err := base64.StdEncoding.DecodeString(req.Data)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "data must be base64"})
			return
		}
		session.SubmitFrame(device.Frame{Data: raw})
		c.JSON(http.StatusAccepted, session.Snapshot())
	})

	student.POST("/sessions/:id/confirm", func(c *gin.Context) {
		session, ok := ownedSession(c, sessions)
		if !ok {
			return
		}
		session.ConfirmPresence()
		c.JSON(http.StatusAccepted, session.Snapshot())
	})

	student.POST("/sessions/:id/code", func(c *gin.Context) {
		session, ok := ownedSession(c, sessions)
		if !ok {
			return
		}
		var req struct {
			Code string `json:"code" binding:"required,len=6,numeric"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "provide a 6-digit code"})
			return
		}
		session.SubmitCode(req.Code)
		c.JSON(http.StatusAccepted, session.Snapshot())
	})

	student.POST("/sessions/:id/qr", func(c *gin.Context) {
		session, ok := ownedSession(c, sessions)
		if !ok {
			return
		}
		var req struct {
			Token string `json:"token" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		session.SubmitQRToken(req.Token)
		c.JSON(http.StatusAccepted, session.Snapshot())
	})

	student.POST("/sessions/:id/retry", func(c *gin.Context) {
		session, ok := ownedSession(c, sessions)
		if !ok {
			return
		}
		session.Retry()
		c.JSON(http.StatusAccepted, session.Snapshot())
	})

	student.GET("/descriptors/profile/status", func(c *gin.Context) {
		claims := mustClaims(c)
		user, err := dir.GetUser(c.Request.Context(), claims.Subject)
		if err != nil || user == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "user lookup failed"})
			return
		}
		needsUpdate := true
		if user.ProfilePhotoURL != "" {
			needsUpdate, err = cache.Status(c.Request.Context(),
				descriptor.ProfileKey(user.ID), descriptor.ProfileFingerprint(user.ProfilePhotoURL))
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"needs_update": needsUpdate})
	})

	student.POST("/descriptors/profile/refresh", func(c *gin.Context) {
		claims := mustClaims(c)
		job := queue.Job{Kind: queue.KindProfile, UserID: claims.Subject}
		if err := q.Publish(c.Request.Context(), job); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"queued": true})
	})

	staff := r.Group("/v1/staff", auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleStaff))

	staff.POST("/departments/:id/codes", func(c *gin.Context) {
		code, err := codes.Issue(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"code": code.Value, "expires_at": code.ExpiresAt.Unix()})
	})

	staff.DELETE("/departments/:id/codes", func(c *gin.Context) {
		if err := codes.Invalidate(c.Request.Context(), c.Param("id")); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	staff.POST("/departments/:id/qr", func(c *gin.Context) {
		token, exp, err := qrTokens.Issue(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"token": token, "expires_at": exp.Unix()})
	})

	staff.POST("/departments/:id/descriptors/refresh", func(c *gin.Context) {
		job := queue.Job{Kind: queue.KindClassroom, DepartmentID: c.Param("id")}
		if err := q.Publish(c.Request.Context(), job); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"queued": true})
	})

	staff.GET("/records", func(c *gin.Context) {
		list, err := records.ListRecords(c.Request.Context(), c.Query("student_id"), c.Query("department_id"), 50, 0)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": list})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced shutdown: %v", err)
	}
	log.Println("server exited")
	return nil
}

func mustClaims(c *gin.Context) auth.Claims {
	claimsAny, _ := c.Get("claims")
	claims, _ := claimsAny.(auth.Claims)
	return claims
}

// ownedSession resolves the :id session and enforces that it belongs
// to the authenticated student.
func ownedSession(c *gin.Context, sessions *verification.Manager) (*verification.Session, bool) {
	session, err := sessions.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil, false
	}
	if claims := mustClaims(c); claims.Subject != session.UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "session belongs to another student"})
		return nil, false
	}
	return session, true
}

func loadUserAndDepartment(c *gin.Context, dir *directory.Repository, departmentID string) (*directory.User, *directory.Department, bool) {
	claims := mustClaims(c)
	user, err := dir.GetUser(c.Request.Context(), claims.Subject)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, nil, false
	}
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown student"})
		return nil, nil, false
	}
	dept, err := dir.GetDepartment(c.Request.Context(), departmentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, nil, false
	}
	if dept == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown department"})
		return nil, nil, false
	}
	return user, dept, true
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
