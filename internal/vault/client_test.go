package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/config"
)

func fakeVault(t *testing.T, sealed bool, reads *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/secret/data/guard/broker", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-token", r.Header.Get("X-Vault-Token"))
		atomic.AddInt32(reads, 1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"data": map[string]interface{}{"api_key": "AK", "secret_key": "SK"},
			},
		})
	})
	mux.HandleFunc("/v1/sys/health", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"initialized": true, "sealed": sealed})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func enabledConfig(addr string) config.VaultConfig {
	return config.VaultConfig{
		Enabled:    true,
		Address:    addr,
		Token:      "test-token",
		MountPath:  "secret",
		SecretPath: "guard/broker",
	}
}

func TestGetCredentialsReadsOnceThenCaches(t *testing.T) {
	var reads int32
	srv := fakeVault(t, false, &reads)

	c, err := NewClient(enabledConfig(srv.URL))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		creds, err := c.GetCredentials(context.Background())
		require.NoError(t, err)
		assert.Equal(t, BrokerCredentials{APIKey: "AK", SecretKey: "SK"}, creds)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&reads))

	c.ClearCache()
	_, err = c.GetCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&reads))
}

func TestResolvePrefersEnvironment(t *testing.T) {
	var reads int32
	srv := fakeVault(t, false, &reads)
	c, err := NewClient(enabledConfig(srv.URL))
	require.NoError(t, err)

	creds, err := c.Resolve(context.Background(), BrokerCredentials{APIKey: "env", SecretKey: "envsecret"})
	require.NoError(t, err)
	assert.Equal(t, "env", creds.APIKey)
	assert.Zero(t, atomic.LoadInt32(&reads))

	creds, err = c.Resolve(context.Background(), BrokerCredentials{APIKey: "half"})
	require.NoError(t, err)
	assert.Equal(t, "AK", creds.APIKey)
}

func TestDisabledVault(t *testing.T) {
	c, err := NewClient(config.VaultConfig{})
	require.NoError(t, err)
	assert.False(t, c.IsEnabled())
	assert.NoError(t, c.Health(context.Background()))

	_, err = c.GetCredentials(context.Background())
	assert.ErrorIs(t, err, ErrCredentialsNotFound)

	require.NoError(t, c.StoreCredentials(context.Background(), BrokerCredentials{APIKey: "a", SecretKey: "b"}))
	creds, err := c.GetCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", creds.APIKey)
}

func TestHealth(t *testing.T) {
	var reads int32
	ok, err := NewClient(enabledConfig(fakeVault(t, false, &reads).URL))
	require.NoError(t, err)
	assert.NoError(t, ok.Health(context.Background()))
}
