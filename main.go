package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/taskhub/internal/auth"
	cfg "github.com/example/taskhub/internal/config"
	"github.com/example/taskhub/internal/store"
	"github.com/example/taskhub/internal/token"
	"github.com/gorilla/mux"
)

// App holds the composed services. Everything is built once in main and
// passed by reference; there is no container and no global state beyond the
// process-wide immutable signing secrets inside the issuer.
type App struct {
	Store              store.Store
	Issuer             *token.Issuer
	Auth               *auth.Service
	RateLimitPerMinute int
	rateLimiter        *RateLimiter
}

// Router assembles the full middleware chain and route table.
func (a *App) Router() *mux.Router {
	r := mux.NewRouter()

	// Global middleware
	r.Use(SecurityHeaders)
	r.Use(a.Logging)
	r.Use(a.CORS)

	// Health check endpoints (no auth required)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")
	r.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if !a.Store.Ping(ctx) {
			w.WriteHeader(503)
			w.Write([]byte(`{"ready":false}`))
			return
		}
		w.WriteHeader(200)
		w.Write([]byte(`{"ready":true}`))
	}).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()

	// Authentication endpoints (no bearer token yet)
	api.HandleFunc("/auth/register", a.HandleRegister).Methods("POST")
	api.HandleFunc("/auth/login", a.HandleLogin).Methods("POST")
	api.HandleFunc("/auth/refresh", a.HandleRefresh).Methods("POST")
	api.HandleFunc("/auth/logout", a.HandleLogout).Methods("POST")

	// Everything below requires a verified access credential
	protected := api.PathPrefix("").Subrouter()
	protected.Use(a.BearerAuth)
	protected.Use(a.RateLimit)

	protected.HandleFunc("/users/me", a.HandleMe).Methods("GET")
	protected.HandleFunc("/users", a.HandleListUsers).Methods("GET")

	protected.HandleFunc("/projects", a.HandleListProjects).Methods("GET")
	protected.HandleFunc("/projects", a.HandleCreateProject).Methods("POST")
	protected.HandleFunc("/projects/{number}", a.HandleGetProject).Methods("GET")
	protected.HandleFunc("/projects/{number}", a.HandleUpdateProject).Methods("PATCH")
	protected.HandleFunc("/projects/{number}", a.HandleDeleteProject).Methods("DELETE")

	protected.HandleFunc("/projects/{number}/tasks", a.HandleListTasks).Methods("GET")
	protected.HandleFunc("/projects/{number}/tasks", a.HandleCreateTask).Methods("POST")
	protected.HandleFunc("/projects/{number}/tasks/{taskNumber}", a.HandleGetTask).Methods("GET")
	protected.HandleFunc("/projects/{number}/tasks/{taskNumber}", a.HandleUpdateTask).Methods("PATCH")
	protected.HandleFunc("/projects/{number}/tasks/{taskNumber}", a.HandleDeleteTask).Methods("DELETE")

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write json: %v", err)
	}
}

func main() {
	c, err := cfg.New()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var st store.Store
	switch c.DBAdapter {
	case "sqlite":
		s, err := store.NewSQLite(c.SQLiteFile)
		if err != nil {
			log.Fatalf("sqlite init: %v", err)
		}
		st = s
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			log.Fatalf("postgres config error: %v", err)
		}

		log.Println("Applying database migrations...")
		if err := ApplyMigrations("./migrations", dsn); err != nil {
			log.Fatalf("migrations: %v", err)
		}

		p, err := store.NewPostgres(dsn)
		if err != nil {
			log.Fatalf("postgres init: %v", err)
		}
		st = p
		log.Println("Connected to PostgreSQL database")
	case "memory":
		log.Println("Using in-memory store (not recommended for production)")
		st = store.NewMemory()
	default:
		log.Fatalf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}

	issuer := token.NewIssuer([]byte(c.AccessSecret), []byte(c.RefreshSecret), c.AccessTTL, c.RefreshTTL)
	app := &App{
		Store:              st,
		Issuer:             issuer,
		Auth:               auth.NewService(st, issuer),
		RateLimitPerMinute: 120,
	}

	srv := &http.Server{Handler: app.Router(), Addr: ":" + c.Port, ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second}

	go func() {
		fmt.Println("Starting taskhub server on", c.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = app.Store.Close()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown failed:%+v", err)
	}
	fmt.Println("Server exited properly")
}
