package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newIssuer(t *testing.T) *Issuer {
	t.Helper()
	i, err := NewIssuer("test-secret", "letmein", time.Hour)
	require.NoError(t, err)
	return i
}

func TestIssueAndVerify(t *testing.T) {
	i := newIssuer(t)

	token, exp, err := i.Issue("alice")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	op, err := i.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", op)
}

func TestVerify_Rejects(t *testing.T) {
	i := newIssuer(t)
	token, _, err := i.Issue("alice")
	require.NoError(t, err)

	other, err := NewIssuer("another-secret", "", time.Hour)
	require.NoError(t, err)
	_, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	i.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = i.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = i.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssue_RequiresOperator(t *testing.T) {
	_, _, err := newIssuer(t).Issue("  ")
	assert.Error(t, err)
}

func TestNewIssuer_FallbackSecret(t *testing.T) {
	i, err := NewIssuer("", "", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, i.secret)
	assert.Equal(t, 12*time.Hour, i.ttl)
	assert.ErrorIs(t, i.CheckAdminSecret(""), ErrInvalidSecret)
}

func TestMiddleware(t *testing.T) {
	i := newIssuer(t)
	token, _, err := i.Issue("bob")
	require.NoError(t, err)

	tests := []struct {
		name     string
		headers  map[string]string
		wantCode int
		wantOp   string
	}{
		{name: "bearer", headers: map[string]string{"Authorization": "Bearer " + token}, wantCode: http.StatusOK, wantOp: "bob"},
		{name: "admin secret", headers: map[string]string{AdminSecretHeader: "letmein"}, wantCode: http.StatusOK, wantOp: "admin"},
		{name: "wrong secret", headers: map[string]string{AdminSecretHeader: "nope"}, wantCode: http.StatusUnauthorized},
		{name: "missing", headers: nil, wantCode: http.StatusUnauthorized},
		{name: "bad format", headers: map[string]string{"Authorization": "Token " + token}, wantCode: http.StatusUnauthorized},
		{name: "bad token", headers: map[string]string{"Authorization": "Bearer garbage"}, wantCode: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			var gotOp string
			err := i.Middleware(func(c echo.Context) error {
				gotOp = OperatorFromContext(c)
				return c.NoContent(http.StatusOK)
			})(c)

			if tt.wantCode == http.StatusOK {
				require.NoError(t, err)
				assert.Equal(t, tt.wantOp, gotOp)
				return
			}
			var he *echo.HTTPError
			require.ErrorAs(t, err, &he)
			assert.Equal(t, tt.wantCode, he.Code)
		})
	}
}
