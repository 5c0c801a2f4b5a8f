package secrets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVault emulates the KV v2 endpoints of a Vault server.
type fakeVault struct {
	mu       sync.Mutex
	data     map[string]map[string]interface{}
	writes   int
	failNext int
	token    string
}

func (f *fakeVault) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.Header.Get("X-Vault-Token") != f.token {
		http.Error(w, `{"errors":["permission denied"]}`, http.StatusForbidden)
		return
	}
	if f.failNext > 0 {
		f.failNext--
		http.Error(w, `{"errors":["sealed"]}`, http.StatusServiceUnavailable)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1/")
	switch {
	case strings.HasPrefix(path, "secret/data/"):
		name := strings.TrimPrefix(path, "secret/data/")
		switch r.Method {
		case http.MethodGet:
			d, ok := f.data[name]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"errors":[]}`))
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{"data": d, "metadata": map[string]interface{}{"version": 1}},
			})
		case http.MethodPut, http.MethodPost:
			var body struct {
				Data map[string]interface{} `json:"data"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			f.data[name] = body.Data
			f.writes++
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": map[string]interface{}{"version": f.writes}})
		}
	case strings.HasPrefix(path, "secret/metadata/") && r.Method == http.MethodDelete:
		delete(f.data, strings.TrimPrefix(path, "secret/metadata/"))
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestVault(t *testing.T) (*Vault, *fakeVault) {
	t.Helper()
	fake := &fakeVault{data: map[string]map[string]interface{}{}, token: "root"}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	v, err := NewVault(VaultConfig{
		Address:        srv.URL,
		Token:          "root",
		Prefix:         "botgate/",
		InitialBackoff: time.Millisecond,
	})
	require.NoError(t, err)
	return v, fake
}

func TestVaultEnsureReadDelete(t *testing.T) {
	v, fake := newTestVault(t)
	ctx := context.Background()

	got, err := v.Read(ctx, "prod")
	require.NoError(t, err)
	assert.Nil(t, got)

	keys := map[string]string{"ANTHROPIC_API_KEY": "sk-1"}
	require.NoError(t, v.Ensure(ctx, "prod", keys))
	require.NoError(t, v.Ensure(ctx, "prod", keys))
	assert.Equal(t, 1, fake.writes, "identical data is not written twice")

	got, err = v.Read(ctx, "prod")
	require.NoError(t, err)
	assert.Equal(t, keys, got)
	assert.Contains(t, fake.data, "botgate/prod")

	require.NoError(t, v.Ensure(ctx, "prod", map[string]string{"ANTHROPIC_API_KEY": "sk-2"}))
	assert.Equal(t, 2, fake.writes)

	require.NoError(t, v.Delete(ctx, "prod"))
	require.NoError(t, v.Delete(ctx, "prod"), "deleting a missing secret succeeds")
	assert.Empty(t, fake.data)
}

func TestVaultRetriesServerErrors(t *testing.T) {
	v, fake := newTestVault(t)
	fake.failNext = 2

	require.NoError(t, v.Ensure(context.Background(), "prod", map[string]string{"k": "v"}))
	assert.Equal(t, 1, fake.writes)
}

func TestVaultDoesNotRetryPermissionErrors(t *testing.T) {
	v, fake := newTestVault(t)
	fake.token = "other"

	err := v.Ensure(context.Background(), "prod", map[string]string{"k": "v"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.NotContains(t, err.Error(), "attempts")
}

func TestMemoryStore(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Ensure(ctx, "a", map[string]string{"k": "v"}))
	got, err := m.Read(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "v", got["k"])
	require.NoError(t, m.Delete(ctx, "a"))
	got, _ = m.Read(ctx, "a")
	assert.Nil(t, got)
}
