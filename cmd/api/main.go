package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"attendance/internal/attendance"
	"attendance/internal/auth"
	"attendance/internal/config"
	"attendance/internal/httpmiddleware"
	"attendance/internal/metrics"
	"attendance/internal/notify"
	"attendance/internal/qr"
	"attendance/internal/queue"
	"attendance/internal/report"
	"attendance/internal/store"
)

func main() {
	cfg := config.Load()

	// Set Gin mode based on environment
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	ctx := context.Background()
	loc := cfg.Location()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	var q queue.Queue
	syncNotify := cfg.QueueBackend == "memory"
	if syncNotify {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "attendance:notifications")
	}

	repo := attendance.NewRepository(db.Client)
	resolver := attendance.NewResolver(repo, attendance.Policy{
		Mode:               cfg.LateMode,
		Cutoff:             cfg.LateCutoff,
		Threshold:          cfg.LateThreshold,
		AllowOrphanTimeOut: cfg.AllowOrphanTimeOut,
		Location:           loc,
	})

	// With the in-memory queue the API dispatches notifications itself;
	// otherwise cmd/notifier consumes the Redis list.
	var email notify.EmailSender
	if s := notify.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.EmailFrom); s != nil {
		email = s
	}
	dispatcher := notify.NewDispatcher(
		email,
		notify.NewSMSGateway(cfg.SMSGatewayURL, cfg.SMSAPIKey, cfg.SMSSkip),
		cfg.NotifyTimeout,
	)

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

	r.POST("/v1/devices/register", func(c *gin.Context) {
		var req struct {
			DeviceID string `json:"device_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := repo.UpsertDevice(c.Request.Context(), req.DeviceID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		tokens, err := auth.Issue(req.DeviceID, auth.RoleScanner, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}

		_ = repo.SaveRefreshToken(c.Request.Context(), req.DeviceID, tokens.RefreshToken, tokens.RefreshExp)

		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	r.POST("/v1/admin/token", func(c *gin.Context) {
		var req struct {
			APIKey string `json:"api_key" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if cfg.AdminAPIKey == "" || req.APIKey != cfg.AdminAPIKey {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		tokens, err := auth.Issue("admin", auth.RoleAdmin, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"access_token": tokens.AccessToken,
			"expires_at":   tokens.AccessExp.Unix(),
		})
	})

	authGroup := r.Group("/v1", auth.DeviceAuth(cfg.JWTSigningKey, cfg.JWTIssuer))
	adminGroup := authGroup.Group("", auth.RequireRole(auth.RoleAdmin))

	authGroup.POST("/scan", func(c *gin.Context) {
		var req struct {
			LRN       string `json:"lrn" binding:"required"`
			Action    string `json:"action" binding:"required,oneof=time_in time_out"`
			SubjectID string `json:"subject_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		res, err := resolver.Resolve(c.Request.Context(), attendance.ScanEvent{
			LRN:       req.LRN,
			Action:    attendance.Action(req.Action),
			SubjectID: req.SubjectID,
			At:        time.Now(),
		})
		if err != nil {
			log.Printf("scan resolve failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "attendance recording failed"})
			return
		}
		metrics.ObserveScan(req.Action, res.Accepted, res.Reason)

		if res.Accepted {
			// The record is committed; notification is strictly
			// best-effort from here.
			payload := notificationPayload(res, attendance.Action(req.Action), loc)
			if syncNotify {
				go func() {
					out := dispatcher.Dispatch(context.Background(), payload)
					metrics.ObserveNotification("email", out.EmailSent)
					metrics.ObserveNotification("sms", out.SMSSent)
				}()
			} else {
				body, _ := json.Marshal(payload)
				if err := q.Publish(c.Request.Context(), queue.Message{Type: queue.TypeNotify, Body: body}); err != nil {
					log.Printf("queue publish failed: %v", err)
				}
			}
		}

		c.JSON(http.StatusOK, res)
	})

	authGroup.POST("/students", func(c *gin.Context) {
		var req struct {
			LRN          string `json:"lrn" binding:"required"`
			FirstName    string `json:"first_name" binding:"required"`
			LastName     string `json:"last_name" binding:"required"`
			Email        string `json:"email"`
			Section      string `json:"section"`
			Department   string `json:"department"`
			ParentName   string `json:"parent_name"`
			ParentEmail  string `json:"parent_email"`
			ParentMobile string `json:"parent_mobile"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var sectionID string
		if req.Section != "" {
			sec, err := repo.CreateSection(c.Request.Context(), attendance.Section{
				Name:       req.Section,
				Department: req.Department,
			})
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "section lookup failed"})
				return
			}
			sectionID = sec.ID
		}

		student, err := repo.CreateStudent(c.Request.Context(), attendance.Student{
			LRN:          req.LRN,
			FirstName:    req.FirstName,
			LastName:     req.LastName,
			Email:        req.Email,
			SectionID:    sectionID,
			ParentName:   req.ParentName,
			ParentEmail:  req.ParentEmail,
			ParentMobile: req.ParentMobile,
		})
		if errors.Is(err, attendance.ErrLRNExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "a student with this LRN is already registered"})
			return
		}
		if err != nil {
			log.Printf("create student failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
			return
		}
		student.Section = req.Section

		png, err := qr.EncodePNG(badgePayload(student), qr.DefaultSize)
		if err != nil {
			log.Printf("qr render failed for %s: %v", student.StudentID, err)
		}

		if student.Email != "" && png != nil {
			go emailBadge(cfg, student, png)
		}

		c.JSON(http.StatusCreated, gin.H{"student": student})
	})

	authGroup.GET("/students", func(c *gin.Context) {
		students, err := repo.ListStudents(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"students": students})
	})

	authGroup.GET("/students/:lrn/qr", func(c *gin.Context) {
		student, err := repo.StudentByLRN(c.Request.Context(), c.Param("lrn"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if student == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "student not found"})
			return
		}
		png, err := qr.EncodePNG(badgePayload(*student), qr.DefaultSize)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "qr render failed"})
			return
		}
		c.Data(http.StatusOK, "image/png", png)
	})

	authGroup.GET("/subjects", func(c *gin.Context) {
		subjects, err := repo.ListSubjects(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"subjects": subjects})
	})

	adminGroup.POST("/subjects", func(c *gin.Context) {
		var req struct {
			Code       string `json:"code" binding:"required"`
			Name       string `json:"name" binding:"required"`
			Department string `json:"department"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		subj, err := repo.CreateSubject(c.Request.Context(), attendance.Subject{
			Code: req.Code, Name: req.Name, Department: req.Department,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"subject": subj})
	})

	adminGroup.POST("/sections", func(c *gin.Context) {
		var req struct {
			Name       string   `json:"name" binding:"required"`
			Department string   `json:"department"`
			Subjects   []string `json:"subjects"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sec, err := repo.CreateSection(c.Request.Context(), attendance.Section{
			Name: req.Name, Department: req.Department, Subjects: req.Subjects,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"section": sec})
	})

	authGroup.GET("/attendance", func(c *gin.Context) {
		from, to := dayRange(c.Query("from"), c.Query("to"), loc)
		limit, offset := 100, 0
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		if v := c.Query("offset"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				offset = parsed
			}
		}
		records, err := repo.ListRecords(c.Request.Context(), from, to, c.Query("lrn"), limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	adminGroup.GET("/attendance/export", func(c *gin.Context) {
		day := today(loc)
		if v := c.Query("date"); v != "" {
			parsed, err := time.ParseInLocation("2006-01-02", v, loc)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
				return
			}
			day = parsed
		}

		students, err := repo.ListStudents(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		records, err := repo.RecordsForDay(c.Request.Context(), day)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		rows := report.BuildDailyRows(students, records, day, loc)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=attendance_report_%s.csv", day.Format("20060102")))
		c.Header("Content-Type", "text/csv")
		if err := report.WriteCSV(c.Writer, rows); err != nil {
			log.Printf("export write failed: %v", err)
		}
	})

	adminGroup.POST("/attendance/:id/excuse", func(c *gin.Context) {
		var req struct {
			Remarks string `json:"remarks"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		err := repo.Excuse(c.Request.Context(), c.Param("id"), req.Remarks)
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		rec, err := repo.RecordByID(c.Request.Context(), c.Param("id"))
		if err != nil || rec == nil {
			c.JSON(http.StatusOK, gin.H{"status": string(attendance.StatusExcused)})
			return
		}
		c.JSON(http.StatusOK, gin.H{"record": rec})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// notificationPayload builds the parent-notification job for an accepted scan.
func notificationPayload(res attendance.ScanResult, action attendance.Action, loc *time.Location) notify.Payload {
	at := time.Now().In(loc)
	if action == attendance.ActionTimeIn && res.TimeIn != nil {
		at = res.TimeIn.In(loc)
	}
	if action == attendance.ActionTimeOut && res.TimeOut != nil {
		at = res.TimeOut.In(loc)
	}
	p := notify.Payload{Action: action, At: at, Status: res.Status}
	if res.Student != nil {
		p.Student = *res.Student
	}
	if res.Subject != nil {
		p.Subject = res.Subject.Name
	}
	return p
}

func badgePayload(s attendance.Student) qr.Payload {
	return qr.Payload{
		LRN:       s.LRN,
		StudentID: s.StudentID,
		Name:      s.FullName(),
		Section:   s.Section,
	}
}

// emailBadge mails the freshly generated QR badge to the student,
// best-effort.
func emailBadge(cfg config.App, student attendance.Student, png []byte) {
	sender := notify.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.EmailFrom)
	if sender == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.NotifyTimeout)
	defer cancel()
	body := fmt.Sprintf("Hi %s,\n\nYour attendance QR code is attached. Present it at the scanner when entering or leaving school.\n\nStudent ID: %s", student.FirstName, student.StudentID)
	if err := sender.SendWithAttachment(ctx, []string{student.Email}, "Your Attendance QR Code", body, "qr_"+student.StudentID+".png", "image/png", png); err != nil {
		log.Printf("qr email to %s failed: %v", student.Email, err)
	}
}

func today(loc *time.Location) time.Time {
	now := time.Now().In(loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
}

// dayRange parses from/to query params, defaulting both to today.
func dayRange(fromStr, toStr string, loc *time.Location) (time.Time, time.Time) {
	from := today(loc)
	to := from
	if fromStr != "" {
		if parsed, err := time.ParseInLocation("2006-01-02", fromStr, loc); err == nil {
			from = parsed
		}
	}
	if toStr != "" {
		if parsed, err := time.ParseInLocation("2006-01-02", toStr, loc); err == nil {
			to = parsed
		}
	}
	return from, to
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

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
