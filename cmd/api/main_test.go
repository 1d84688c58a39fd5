package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/companionchat/chat-api/internal/config"
	"github.com/companionchat/chat-api/internal/domain/catalog"
	"github.com/companionchat/chat-api/internal/domain/idempotency"
	"github.com/companionchat/chat-api/internal/domain/ledger"
	"github.com/companionchat/chat-api/internal/domain/mutation"
	"github.com/companionchat/chat-api/internal/domain/shop"
	"github.com/companionchat/chat-api/internal/middleware"
	"github.com/companionchat/chat-api/internal/pkg/database"
	"github.com/companionchat/chat-api/internal/pkg/jwt"
	"github.com/companionchat/chat-api/internal/pkg/ratelimit"
)

func newTestRouter(t *testing.T) (http.Handler, *jwt.Service) {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "api.db") + "?_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"
	db, err := database.NewSQLite(dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := database.Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cat, err := catalog.Load("")
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}

	repo := ledger.NewRepository(db, 3)
	store := idempotency.NewSQLStore(db, idempotency.Options{})
	mutationSvc := mutation.NewService(db, repo, store, mutation.Options{ReplayRejections: true})
	jwtSvc := jwt.NewService("secret", time.Hour)

	r := newRouter(&config.Config{AllowedOrigins: []string{"http://localhost:5173"}}, routes{
		db:       db,
		auth:     middleware.Auth(jwtSvc),
		limiter:  ratelimit.PerMinute(10),
		ledger:   ledger.NewHandler(ledger.NewService(repo)),
		mutation: mutation.NewHandler(mutationSvc, store),
		shop:     shop.NewHandler(shop.NewService(mutationSvc, cat)),
	})
	return r, jwtSvc
}

func TestRouterWiring(t *testing.T) {
	router, jwtSvc := newTestRouter(t)

	userToken, err := jwtSvc.GenerateAccessToken(uuid.New(), jwt.RoleUser)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	adminToken, err := jwtSvc.GenerateAccessToken(uuid.New(), jwt.RoleAdmin)
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{name: "health", method: http.MethodGet, path: "/health", want: http.StatusOK},
		{name: "metrics", method: http.MethodGet, path: "/metrics", want: http.StatusOK},
		{name: "public catalog", method: http.MethodGet, path: "/api/v1/shop/catalog", want: http.StatusOK},
		{name: "ledger needs auth", method: http.MethodGet, path: "/api/v1/ledger", want: http.StatusUnauthorized},
		{name: "ledger create", method: http.MethodPost, path: "/api/v1/ledger", token: userToken, want: http.StatusCreated},
		{name: "admin needs admin role", method: http.MethodGet, path: "/api/admin/idempotency/k", token: userToken, want: http.StatusForbidden},
		{name: "admin record lookup", method: http.MethodGet, path: "/api/admin/idempotency/k", token: adminToken, want: http.StatusNotFound},
		{name: "admin coin grant bad user", method: http.MethodPost, path: "/api/admin/shop/users/x/coin-packages/coins_30", token: adminToken, want: http.StatusBadRequest},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			if rr.Code != tc.want {
				t.Fatalf("expected status %d, got %d: %s", tc.want, rr.Code, rr.Body.String())
			}
		})
	}
}
