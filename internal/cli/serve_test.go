package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func postJSON(t *testing.T, url, body string) map[string]any {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestServe_AcceptsIntentsAndStopsOnCancel(t *testing.T) {
	addr := freeAddr(t)
	base := "http://" + addr
	opts := &ServeOptions{
		RootOptions: &RootOptions{Format: "text", Database: filepath.Join(t.TempDir(), "intentd.db")},
		Listen:      addr,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stdout := &bytes.Buffer{}
	cmd := &cobra.Command{}
	cmd.SetContext(ctx)
	cmd.SetOut(stdout)
	cmd.SetErr(&bytes.Buffer{})

	done := make(chan error, 1)
	go func() { done <- runServe(opts, cmd) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	sess := postJSON(t, base+"/session/create", `{"tenant_id":"acme","session_id":"s-1","user_id":"ada"}`)
	assert.Equal(t, true, sess["success"])

	sub := postJSON(t, base+"/intent/submit", `{"intent_id":"i-1","intent_type":"content.upload","tenant_id":"acme","session_id":"s-1","payload":{"filename":"a.txt","content":"hello"}}`)
	require.Equal(t, true, sub["success"])
	execID := sub["execution_id"].(string)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/execution/" + execID + "/status?tenant_id=acme")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var body map[string]any
		if json.NewDecoder(resp.Body).Decode(&body) != nil {
			return false
		}
		return body["status"] == "completed" && body["state"] == "completed"
	}, 5*time.Second, 20*time.Millisecond, "the dispatcher drives submitted executions and their sagas")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after cancellation")
	}
	assert.Contains(t, stdout.String(), "intentd listening on "+addr)
}
