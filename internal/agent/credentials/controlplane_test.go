package credentials

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKeyMap = map[string]string{
	"ANTHROPIC_API_KEY": "claude-code",
	"OPENAI_API_KEY":    "openai-codex",
}

func TestControlPlaneProvider_GetCredential(t *testing.T) {
	var gotAuth, gotAgentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/workspaces/ws-1/agent-key", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotAgentType = req["agentType"]

		json.NewEncoder(w).Encode(map[string]string{
			"apiKey":         "sk-test",
			"credentialKind": "oauth-token",
		})
	}))
	defer server.Close()

	p := NewControlPlaneProvider(server.URL, "ws-1", "jwt-token", testKeyMap, testLogger(t))

	cred, err := p.GetCredential(context.Background(), "ANTHROPIC_API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "Bearer jwt-token", gotAuth)
	assert.Equal(t, "claude-code", gotAgentType)
	assert.Equal(t, "ANTHROPIC_API_KEY", cred.Key)
	assert.Equal(t, "sk-test", cred.Value)
	assert.Equal(t, "oauth-token", cred.Kind)
	assert.Equal(t, "control-plane", cred.Source)
}

func TestControlPlaneProvider_KindDefaultsToAPIKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"apiKey": "sk-test"})
	}))
	defer server.Close()

	p := NewControlPlaneProvider(server.URL, "ws-1", "t", testKeyMap, testLogger(t))
	cred, err := p.GetCredential(context.Background(), "OPENAI_API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "api-key", cred.Kind)
}

func TestControlPlaneProvider_NotConfigured(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	p := NewControlPlaneProvider(server.URL, "ws-1", "t", testKeyMap, testLogger(t))
	_, err := p.GetCredential(context.Background(), "ANTHROPIC_API_KEY")
	assert.Error(t, err)
}

func TestControlPlaneProvider_EmptyCredentialRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"apiKey": ""})
	}))
	defer server.Close()

	p := NewControlPlaneProvider(server.URL, "ws-1", "t", testKeyMap, testLogger(t))
	_, err := p.GetCredential(context.Background(), "ANTHROPIC_API_KEY")
	assert.Error(t, err)
}

func TestControlPlaneProvider_UnknownKey(t *testing.T) {
	p := NewControlPlaneProvider("http://unused", "ws-1", "t", testKeyMap, testLogger(t))
	_, err := p.GetCredential(context.Background(), "UNKNOWN_VAR")
	assert.Error(t, err)
}

func TestFetchSettings(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/workspaces/ws-1/agent-settings", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{
			"model":          "opus",
			"permissionMode": "acceptEdits",
		})
	}))
	defer server.Close()

	p := NewControlPlaneProvider(server.URL, "ws-1", "t", testKeyMap, testLogger(t))
	settings := p.FetchSettings(context.Background(), "claude-code")
	require.NotNil(t, settings)
	assert.Equal(t, "opus", settings.Model)
	assert.Equal(t, "acceptEdits", settings.PermissionMode)
}

func TestFetchSettings_FailureReturnsNil(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	p := NewControlPlaneProvider(server.URL, "ws-1", "t", testKeyMap, testLogger(t))
	assert.Nil(t, p.FetchSettings(context.Background(), "claude-code"))
}
