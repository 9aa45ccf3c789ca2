package validation

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_CollectsInOrder(t *testing.T) {
	n, refresh := 5, false
	errs := Validate(
		IntInRange("top_n", "", 1, 10, &n),
		Bool("refresh", "1", &refresh),
		OneOf("policy", "top", "top", "recent"),
	)
	assert.Empty(t, errs)
	assert.Equal(t, 5, n, "empty value keeps the default")
	assert.True(t, refresh)

	errs = Validate(
		IntInRange("top_n", "zero", 1, 10, &n),
		OneOf("policy", "newest", "top", "recent"),
	)
	require.Len(t, errs, 2)
	assert.Equal(t, "top_n", errs[0].Field)
	assert.Equal(t, "top_n must be an integer; policy must be one of top, recent", errs.Error())
	assert.Equal(t, "invalid request", Errors{}.Error())
}

func TestIntInRange(t *testing.T) {
	tests := []struct {
		raw     string
		want    int
		wantErr string
	}{
		{"", 7, ""},
		{"3", 3, ""},
		{" 10 ", 10, ""},
		{"0", 7, "must be between 1 and 10"},
		{"11", 7, "must be between 1 and 10"},
		{"ten", 7, "must be an integer"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			dst := 7
			fe := IntInRange("n", tt.raw, 1, 10, &dst)()
			if tt.wantErr == "" {
				assert.Nil(t, fe)
			} else {
				require.NotNil(t, fe)
				assert.Equal(t, tt.wantErr, fe.Message)
			}
			assert.Equal(t, tt.want, dst)
		})
	}
}

func TestIntAtLeast(t *testing.T) {
	dst := 20
	assert.Nil(t, IntAtLeast("limit", "5000", 1, &dst)())
	assert.Equal(t, 5000, dst)

	fe := IntAtLeast("limit", "-1", 1, &dst)()
	require.NotNil(t, fe)
	assert.Equal(t, "must be at least 1", fe.Message)
	assert.Equal(t, 5000, dst)
}

func TestBool(t *testing.T) {
	var b bool
	assert.Nil(t, Bool("refresh", "true", &b)())
	assert.True(t, b)
	assert.Nil(t, Bool("refresh", "", &b)())
	assert.True(t, b)
	assert.NotNil(t, Bool("refresh", "maybe", &b)())
}

func TestAbort(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		Abort(c, Errors{{Field: "top_n", Message: "must be an integer"}})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body struct {
		Error   string       `json:"error"`
		Message string       `json:"message"`
		Details []FieldError `json:"details"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "validation_error", body.Error)
	assert.Equal(t, "top_n must be an integer", body.Message)
	require.Len(t, body.Details, 1)
	assert.Equal(t, "top_n", body.Details[0].Field)
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(16))
	r.POST("/x", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("small")))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(strings.Repeat("x", 64))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
