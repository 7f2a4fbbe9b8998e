package capability

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{BaseURL: srv.URL, Timeout: 5 * time.Second})
}

func TestClient_Classify(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/classify", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "run pytest", req["step_text"])
		assert.Equal(t, "python", req["language"])

		json.NewEncoder(w).Encode(map[string]string{"kind": "TEST"})
	})

	kind, err := c.Classify(context.Background(), "run pytest", "python")
	require.NoError(t, err)
	assert.Equal(t, "TEST", kind)
}

func TestClient_GenerateCode(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generate_code", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"files": map[string]string{"main.py": "print('hi')"},
		})
	})

	files, err := c.GenerateCode(context.Background(), "write main", "")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"main.py": "print('hi')"}, files)
}

func TestClient_ReviewCode(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Review{Accepted: false, Feedback: "missing import", Critical: true})
	})

	review, err := c.ReviewCode(context.Background(), map[string]string{"a.py": ""}, "")
	require.NoError(t, err)
	assert.False(t, review.Accepted)
	assert.True(t, review.Critical)
	assert.Equal(t, "missing import", review.Feedback)
}

func TestClient_Diagnose(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"patch": Patch{
				Files:    map[string]string{"fix.py": "fixed"},
				Commands: []string{"pip install requests"},
			},
		})
	})

	patch, err := c.Diagnose(context.Background(), "ImportError", "ctx")
	require.NoError(t, err)
	assert.False(t, patch.Empty())
	assert.Equal(t, "fixed", patch.Files["fix.py"])
	assert.Equal(t, []string{"pip install requests"}, patch.Commands)
}

func TestClient_NonOKStatusIsError(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	_, err := c.Classify(context.Background(), "step", "go")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestCommandResult_Output(t *testing.T) {
	r := CommandResult{ExitCode: 1, Stdout: "out", Stderr: "err"}
	assert.Equal(t, "out\nerr", r.Output())
	assert.False(t, r.Success())

	assert.Equal(t, "only", CommandResult{Stdout: "only"}.Output())
	assert.True(t, CommandResult{}.Success())
}

func TestExecRunner_RunCommand(t *testing.T) {
	r := NewExecRunner(t.TempDir(), 10*time.Second, nil)

	res, err := r.RunCommand(context.Background(), "echo hello")
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Equal(t, "hello\n", res.Stdout)
}

func TestExecRunner_NonZeroExitIsNotError(t *testing.T) {
	r := NewExecRunner(t.TempDir(), 10*time.Second, nil)

	res, err := r.RunCommand(context.Background(), "exit 3")
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.Success())
}

func TestPatch_Empty(t *testing.T) {
	assert.True(t, Patch{}.Empty())
	assert.False(t, Patch{Commands: []string{"ls"}}.Empty())
	assert.False(t, Patch{Files: map[string]string{"a": ""}}.Empty())
}
