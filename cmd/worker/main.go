package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"attendgate/internal/config"
	"attendgate/internal/descriptor"
	"attendgate/internal/directory"
	"attendgate/internal/faceclient"
	"attendgate/internal/queue"
	"attendgate/internal/store"
)

// The worker drains descriptor-rebuild jobs: it resolves the current
// source photos from the directory, recomputes the descriptors through
// the face service, and writes the refreshed cache entry.
func main() {
	cfg := config.Load()

	db, err := store.NewDB(cfg.DatabaseURL)
	if db == nil {
		log.Fatalf("db open failed: %v", err)
	}
	if err != nil {
		log.Printf("warning: db not reachable yet: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	cache := descriptor.NewCache(descriptor.NewRedisStore(redisClient.Client), descriptor.FaceExtractor{Client: face})
	dir := directory.NewRepository(db.Client)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		log.Println("warning: memory queue backend shares nothing with the API; jobs will only arrive in-process")
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("shutting down worker...")
		cancel()
	}()

	jobs, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume failed: %v", err)
	}

	log.Println("worker started, waiting for rebuild jobs")
	for job := range jobs {
		process(ctx, job, dir, cache)
	}
	log.Println("worker exited")
}

func process(ctx context.Context, job queue.Job, dir *directory.Repository, cache *descriptor.Cache) {
	jobCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	switch job.Kind {
	case queue.KindProfile:
		user, err := dir.GetUser(jobCtx, job.UserID)
		if err != nil {
			log.Printf("profile rebuild %s: user lookup failed: %v", job.UserID, err)
			return
		}
		if user == nil {
			log.Printf("profile rebuild %s: unknown user", job.UserID)
			return
		}
		if err := cache.UpdateProfile(jobCtx, user.ID, user.ProfilePhotoURL); err != nil {
			log.Printf("profile rebuild %s failed: %v", job.UserID, err)
			return
		}
		log.Printf("profile descriptor refreshed for %s", job.UserID)

	case queue.KindClassroom:
		dept, err := dir.GetDepartment(jobCtx, job.DepartmentID)
		if err != nil {
			log.Printf("classroom rebuild %s: department lookup failed: %v", job.DepartmentID, err)
			return
		}
		if dept == nil {
			log.Printf("classroom rebuild %s: unknown department", job.DepartmentID)
			return
		}
		skipped, err := cache.UpdateClassroom(jobCtx, dept.ID, dept.EmbeddedPhotoURLs())
		if err != nil {
			log.Printf("classroom rebuild %s failed: %v", job.DepartmentID, err)
			return
		}
		if len(skipped) > 0 {
			log.Printf("classroom descriptors refreshed for %s with %d photos skipped", job.DepartmentID, len(skipped))
			return
		}
		log.Printf("classroom descriptors refreshed for %s", job.DepartmentID)

	default:
		log.Printf("unknown job kind %q dropped", job.Kind)
	}
}
