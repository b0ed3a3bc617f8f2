package handlers

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"deal-processor/config"
	"deal-processor/database"
	"deal-processor/service"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/jknair0/beforeeach"
)

var (
	db     *sql.DB
	mock   sqlmock.Sqlmock
	router *gin.Engine
)

func setUp() {
	gin.SetMode(gin.TestMode)
	db, mock, _ = sqlmock.New()

	wrapped := database.NewWithDB(db)
	svc := service.NewService(&config.Config{}, wrapped)
	h := NewHandlers(wrapped, svc, nil)

	router = gin.New()
	api := router.Group("/api/v3")
	api.GET("/health", h.HealthCheck)
	api.GET("/status", h.GetStatus)
	api.POST("/process", h.ProcessBatch)
	api.GET("/deals", h.ListDeals)
	api.GET("/deals/:id", h.GetDeal)
}

func tearDown() {
	db.Close()
}

var it = beforeeach.Create(setUp, tearDown)

func dealColumns() []string {
	return []string{"id", "photo_id", "business_name", "deal_text", "price", "expires_at", "latitude", "longitude", "created_at"}
}

func TestHealthCheck(t *testing.T) {
	it(func() {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v3/health", nil)
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("health: status = %d, want 200", w.Code)
		}
		if !strings.Contains(w.Body.String(), "healthy") {
			t.Errorf("health: body = %s", w.Body.String())
		}
	})
}

func TestGetStatus(t *testing.T) {
	it(func() {
		mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM deals").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(17))

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v3/status", nil)
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("status: status = %d, want 200", w.Code)
		}
		if !strings.Contains(w.Body.String(), `"total_deals":17`) {
			t.Errorf("status: body = %s", w.Body.String())
		}
	})
}

func TestListDeals(t *testing.T) {
	it(func() {
		created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		mock.ExpectQuery("SELECT (.+) FROM deals").
			WithArgs(50).
			WillReturnRows(sqlmock.NewRows(dealColumns()).
				AddRow(1, "photo-1", "Joe's Pizza", "Joe's Pizza\n$5.99", "5.99", nil, 38.9, -77.0, created))

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v3/deals", nil)
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("list: status = %d, want 200", w.Code)
		}
		if !strings.Contains(w.Body.String(), `"count":1`) {
			t.Errorf("list: body = %s", w.Body.String())
		}
		if !strings.Contains(w.Body.String(), "Joe's Pizza") {
			t.Errorf("list: body = %s", w.Body.String())
		}
	})
}

func TestListDealsInvalidLimit(t *testing.T) {
	it(func() {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v3/deals?limit=zero", nil)
		router.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("list: status = %d, want 400", w.Code)
		}
	})
}

func TestGetDealNotFound(t *testing.T) {
	it(func() {
		mock.ExpectQuery("SELECT (.+) FROM deals").
			WithArgs(int64(99)).
			WillReturnError(sql.ErrNoRows)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v3/deals/99", nil)
		router.ServeHTTP(w, req)

		if w.Code != http.StatusNotFound {
			t.Errorf("get: status = %d, want 404", w.Code)
		}
	})
}

func TestProcessBatchEndpoint(t *testing.T) {
	it(func() {
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO deals").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		body := `{"Records":[{"body":"{\"photoId\":\"photo-1\",\"detectedText\":\"Joe's Pizza\\n$5.99\"}"}]}`
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v3/process", strings.NewReader(body))
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("process: status = %d, want 200, body = %s", w.Code, w.Body.String())
		}
		if !strings.Contains(w.Body.String(), `"inserted":1`) {
			t.Errorf("process: body = %s", w.Body.String())
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("process: unmet expectations: %v", err)
		}
	})
}

func TestProcessBatchEndpointMalformed(t *testing.T) {
	it(func() {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v3/process", strings.NewReader("not json"))
		router.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("process: status = %d, want 400", w.Code)
		}
	})
}
