package notifications

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratforge/crypto-strategy-engine/internal/logger"
)

type recordingNotifier struct {
	levels   []Severity
	messages []string
	err      error
}

func (r *recordingNotifier) Notify(level Severity, message string) error {
	r.levels = append(r.levels, level)
	r.messages = append(r.messages, message)
	return r.err
}

func TestMultiNotifierFansOut(t *testing.T) {
	a := &recordingNotifier{}
	b := &recordingNotifier{}
	m := NewMultiNotifier(a, b)

	require.NoError(t, m.Notify(SeverityInfo, "instance started"))
	assert.Equal(t, []string{"instance started"}, a.messages)
	assert.Equal(t, []string{"instance started"}, b.messages)
}

func TestMultiNotifierDeliversDespiteErrors(t *testing.T) {
	failing := &recordingNotifier{err: errors.New("telegram down")}
	healthy := &recordingNotifier{}
	m := NewMultiNotifier(failing, healthy)

	err := m.Notify(SeverityError, "instance escalated")
	require.Error(t, err)
	// The healthy channel still got the alert.
	assert.Equal(t, []string{"instance escalated"}, healthy.messages)
}

func TestLogNotifierNeverFails(t *testing.T) {
	n := NewLogNotifier(logger.Nop())
	assert.NoError(t, n.Notify(SeverityWarning, "grid drifted out of range"))
	assert.NoError(t, n.Notify(SeverityError, "boom"))
}

func TestTelegramNotifierPostsMessage(t *testing.T) {
	var gotPath, gotChat, gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, r.ParseForm())
		gotChat = r.FormValue("chat_id")
		gotText = r.FormValue("text")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("test-token", "42")
	n.SetBaseURL(srv.URL)

	require.NoError(t, n.Notify(SeverityError, "dca-1 entered error state"))
	assert.Equal(t, "/bottest-token/sendMessage", gotPath)
	assert.Equal(t, "42", gotChat)
	assert.Contains(t, gotText, "🚨")
	assert.Contains(t, gotText, "dca-1 entered error state")
}

func TestTelegramNotifierNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("t", "c")
	n.SetBaseURL(srv.URL)

	err := n.Notify(SeverityInfo, "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
