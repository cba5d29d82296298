package frontend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/proxy"
)

func TestBackendDialer_shouldForward(t *testing.T) {
	t.Run("no_proxy", func(t *testing.T) {
		tr, err := NewTransport(&TransportConfig{ForwardRules: []string{"*"}})
		require.NoError(t, err)
		require.NotNil(t, tr.DialContext)

		d := &backendDialer{forwardRules: []string{"*"}}
		assert.False(t, d.shouldForward("backend.internal:80"))
	})

	t.Run("all", func(t *testing.T) {
		_, err := NewTransport(&TransportConfig{ForwardProxy: "socks5://127.0.0.1:1080"})
		require.NoError(t, err)
	})

	t.Run("rules", func(t *testing.T) {
		tr, err := NewTransport(&TransportConfig{
			ForwardProxy: "http://127.0.0.1:3128",
			ForwardRules: []string{"*.internal"},
		})
		require.NoError(t, err)
		assert.True(t, tr.DisableKeepAlives)

		d := &backendDialer{
			proxyDialer:  proxy.Direct,
			forwardRules: []string{"*.internal"},
		}
		assert.True(t, d.shouldForward("db.internal:5432"))
		assert.False(t, d.shouldForward("example.com:80"))

		d.forwardRules = nil
		assert.True(t, d.shouldForward("example.com:80"))
	})

	t.Run("bad_proxy", func(t *testing.T) {
		_, err := NewTransport(&TransportConfig{ForwardProxy: "ftp://127.0.0.1:21"})
		assert.Error(t, err)
	})
}
