package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danmuck/kernelmesh/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{header: "Bearer abc", want: "abc", ok: true},
		{header: "bearer  abc ", want: "abc", ok: true},
		{header: "Basic abc", ok: false},
		{header: "Bearer", ok: false},
		{header: "", ok: false},
	}
	for _, tc := range tests {
		got, ok := BearerToken(tc.header)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("header=%q got=%q ok=%v", tc.header, got, ok)
		}
	}
}

func guarded(v Validator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", Require(v), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func TestRequire(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name   string
		v      Validator
		header string
		want   int
	}{
		{name: "open without validator", v: nil, want: http.StatusNoContent},
		{name: "missing header", v: StaticToken{Token: "abc"}, want: http.StatusUnauthorized},
		{name: "wrong token", v: StaticToken{Token: "abc"}, header: "Bearer xyz", want: http.StatusUnauthorized},
		{name: "valid token", v: StaticToken{Token: "abc"}, header: "Bearer abc", want: http.StatusNoContent},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			guarded(tc.v).ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("unexpected status got=%d want=%d", rec.Code, tc.want)
			}
		})
	}
}
