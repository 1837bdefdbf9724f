package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cliRun struct {
	stdout string
	stderr string
	code   int
}

func execute(t *testing.T, args ...string) cliRun {
	t.Helper()
	var out, errOut bytes.Buffer
	code := Execute(context.Background(), args, &out, &errOut)
	return cliRun{stdout: out.String(), stderr: errOut.String(), code: code}
}

// decodeResponse parses a JSON CLIResponse and decodes its data into v.
func decodeResponse(t *testing.T, out string, v any) CLIResponse {
	t.Helper()
	var raw struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *CLIError       `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &raw), out)
	if v != nil && len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, v))
	}
	return CLIResponse{Status: raw.Status, Error: raw.Error}
}

func tempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "articles.db")
}

func createArticle(t *testing.T, db, name string) string {
	t.Helper()
	r := execute(t, "--db", db, "--format", "json", "create", name)
	require.Equal(t, ExitSuccess, r.code, r.stdout+r.stderr)
	var v articleView
	resp := decodeResponse(t, r.stdout, &v)
	require.Equal(t, "ok", resp.Status)
	return v.ID
}

func TestPublishLifecycle(t *testing.T) {
	db := tempDB(t)

	r := execute(t, "--db", db, "init")
	require.Equal(t, ExitSuccess, r.code, r.stderr)
	assert.Contains(t, r.stdout, db)

	id := createArticle(t, db, "Hello")

	r = execute(t, "--db", db, "--format", "json", "publish", id)
	require.Equal(t, ExitSuccess, r.code, r.stdout)
	var res PublishResult
	decodeResponse(t, r.stdout, &res)
	assert.Equal(t, "published", res.Status)
	require.NotNil(t, res.PublishedAt)

	r = execute(t, "--db", db, "--format", "json", "publish", id)
	require.Equal(t, ExitSuccess, r.code, "already published is not a failure")
	decodeResponse(t, r.stdout, &res)
	assert.Equal(t, "already_published", res.Status)

	r = execute(t, "--db", db, "--format", "json", "show", id)
	require.Equal(t, ExitSuccess, r.code)
	var v articleView
	decodeResponse(t, r.stdout, &v)
	assert.True(t, v.IsPublished)
	assert.Equal(t, "Hello", v.Name)

	r = execute(t, "--db", db, "list")
	require.Equal(t, ExitSuccess, r.code)
	assert.Contains(t, r.stdout, "NAME")
	assert.Contains(t, r.stdout, "Hello")
	assert.Contains(t, r.stdout, "true")

	r = execute(t, "--db", db, "publish", id)
	assert.Equal(t, ExitSuccess, r.code)
	assert.Contains(t, r.stdout, id+" already published")
}

func TestList_Empty(t *testing.T) {
	r := execute(t, "--db", tempDB(t), "list")
	require.Equal(t, ExitSuccess, r.code)
	assert.Contains(t, r.stdout, "No articles.")
}

func TestCreate_DuplicateName(t *testing.T) {
	db := tempDB(t)
	createArticle(t, db, "Hello")

	r := execute(t, "--db", db, "create", "Hello")
	assert.Equal(t, ExitCommandError, r.code)
	assert.Contains(t, r.stderr, "already exists")
}

func TestCreate_InvalidName(t *testing.T) {
	r := execute(t, "--db", tempDB(t), "create", "   ")
	assert.Equal(t, ExitCommandError, r.code)
	assert.Contains(t, r.stderr, "invalid article")
}

func TestShow_NotFound(t *testing.T) {
	r := execute(t, "--db", tempDB(t), "show", uuid.NewString())
	assert.Equal(t, ExitCommandError, r.code)
	assert.Contains(t, r.stderr, "not found")
}

func TestPublish_NotFound(t *testing.T) {
	r := execute(t, "--db", tempDB(t), "--format", "json", "publish", uuid.NewString())
	assert.Equal(t, ExitCommandError, r.code)

	resp := decodeResponse(t, r.stdout, nil)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
}

func TestPublish_InvalidID(t *testing.T) {
	r := execute(t, "--db", tempDB(t), "--format", "json", "publish", "not-a-uuid")
	assert.Equal(t, ExitCommandError, r.code)

	resp := decodeResponse(t, r.stdout, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeCommandError, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "invalid article id")
}

func TestPublish_WebhookFailureIsRetryable(t *testing.T) {
	status := http.StatusBadGateway
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.WriteHeader(status)
	}))
	defer srv.Close()

	db := tempDB(t)
	id := createArticle(t, db, "Hello")

	r := execute(t, "--db", db, "--format", "json", "publish", id, "--webhook", srv.URL)
	assert.Equal(t, ExitFailure, r.code)
	resp := decodeResponse(t, r.stdout, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "SIDE_EFFECT_FAILED", resp.Error.Code)

	var v articleView
	decodeResponse(t, execute(t, "--db", db, "--format", "json", "show", id).stdout, &v)
	assert.False(t, v.IsPublished, "failed side effect must roll back")

	mu.Lock()
	status = http.StatusOK
	mu.Unlock()

	r = execute(t, "--db", db, "publish", id, "--webhook", srv.URL)
	assert.Equal(t, ExitSuccess, r.code, r.stderr)
	assert.Contains(t, r.stdout, "published "+id)
}

// Two CLI invocations open separate connection pools on one database file,
// as two servers would.
func TestPublish_ContendedAcrossInvocations(t *testing.T) {
	reached := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		once.Do(func() { close(reached) })
		<-release
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	db := tempDB(t)
	id := createArticle(t, db, "Hello")

	first := make(chan cliRun, 1)
	go func() {
		first <- execute(t, "--db", db, "publish", id, "--webhook", srv.URL)
	}()

	select {
	case <-reached:
	case <-time.After(10 * time.Second):
		t.Fatal("first publish never reached its side effect")
	}

	r := execute(t, "--db", db, "--format", "json", "publish", id, "--webhook", srv.URL)
	assert.Equal(t, ExitFailure, r.code)
	resp := decodeResponse(t, r.stdout, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "PUBLISHING_IN_PROGRESS", resp.Error.Code)

	close(release)
	fr := <-first
	assert.Equal(t, ExitSuccess, fr.code, fr.stderr)

	r = execute(t, "--db", db, "publish", id, "--webhook", srv.URL)
	assert.Equal(t, ExitSuccess, r.code)
	assert.Contains(t, r.stdout, "already published")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "webhook must be delivered exactly once")
}

func TestPublish_HoldHonoursWait(t *testing.T) {
	db := tempDB(t)
	id := createArticle(t, db, "Hello")

	r := execute(t, "--db", db, "publish", id, "--hold", "10ms", "--wait", "1s", "-v")
	assert.Equal(t, ExitSuccess, r.code, r.stderr)
	assert.Contains(t, r.stderr, "holding lock on "+id)
}

func TestInvalidFormat(t *testing.T) {
	r := execute(t, "--format", "xml", "list")
	assert.Equal(t, ExitCommandError, r.code)
	assert.Contains(t, r.stderr, "invalid format")
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "from-config.db")
	cfgPath := filepath.Join(dir, "publishonce.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("store:\n  path: "+db+"\nlock:\n  mode: 500ms\n"), 0644))

	r := execute(t, "--config", cfgPath, "init")
	require.Equal(t, ExitSuccess, r.code, r.stderr)
	_, err := os.Stat(db)
	assert.NoError(t, err, "database should be created at the configured path")
}

func TestConfigFile_Invalid(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "publishonce.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("lock:\n  mode: sometimes\n"), 0644))

	r := execute(t, "--config", cfgPath, "list")
	assert.Equal(t, ExitCommandError, r.code)
	assert.Contains(t, r.stderr, "invalid lock mode")
}

func TestUnknownDriverFlag(t *testing.T) {
	r := execute(t, "--driver", "mysql", "list")
	assert.Equal(t, ExitCommandError, r.code)
	assert.Contains(t, r.stderr, "invalid store driver")
}

func TestMemoryDriver(t *testing.T) {
	r := execute(t, "--driver", "memory", "list")
	assert.Equal(t, ExitSuccess, r.code, r.stderr)
	assert.Contains(t, r.stdout, "No articles.")
}
