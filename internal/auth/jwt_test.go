package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	testKey    = "test-signing-key"
	testIssuer = "attendgate-test"
)

func TestIssueAndParseRoles(t *testing.T) {
	for _, role := range []string{RoleStudent, RoleStaff} {
		token, exp, err := Issue("someone", role, testIssuer, testKey, time.Minute)
		if err != nil {
			t.Fatalf("issue %s failed: %v", role, err)
		}
		if !exp.After(time.Now()) {
			t.Errorf("%s: expiry should be in the future", role)
		}

		claims, err := Parse(token, testKey, testIssuer)
		if err != nil {
			t.Fatalf("parse %s failed: %v", role, err)
		}
		if claims.Subject != "someone" || claims.Role != role {
			t.Errorf("unexpected claims %+v", claims)
		}
	}
}

func TestParseRejectsWrongKey(t *testing.T) {
	token, _, err := Issue("someone", RoleStaff, testIssuer, testKey, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Parse(token, "other-key", testIssuer); err == nil {
		t.Error("token signed with another key must not parse")
	}
}

func TestParseRejectsExpired(t *testing.T) {
	token, _, err := Issue("someone", RoleStudent, testIssuer, testKey, -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Parse(token, testKey, testIssuer); err == nil {
		t.Error("expired token must not parse")
	}
}

func TestParseRejectsIssuerMismatch(t *testing.T) {
	token, _, err := Issue("someone", RoleStudent, "other-issuer", testKey, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Parse(token, testKey, testIssuer); err == nil {
		t.Error("issuer mismatch must not parse")
	}
}

func staffOnlyRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/staff", Bearer(testKey, testIssuer, RoleStaff), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func doGet(r *gin.Engine, token string) int {
	req := httptest.NewRequest(http.MethodGet, "/staff", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestBearerEnforcesRole(t *testing.T) {
	r := staffOnlyRouter()

	staffToken, _, err := Issue("s1", RoleStaff, testIssuer, testKey, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	studentToken, _, err := Issue("u1", RoleStudent, testIssuer, testKey, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	if code := doGet(r, staffToken); code != http.StatusOK {
		t.Errorf("staff token should pass, got %d", code)
	}
	if code := doGet(r, studentToken); code != http.StatusForbidden {
		t.Errorf("student token on a staff route should be forbidden, got %d", code)
	}
	if code := doGet(r, ""); code != http.StatusUnauthorized {
		t.Errorf("missing token should be unauthorized, got %d", code)
	}
	if code := doGet(r, "garbage"); code != http.StatusUnauthorized {
		t.Errorf("garbage token should be unauthorized, got %d", code)
	}
}
