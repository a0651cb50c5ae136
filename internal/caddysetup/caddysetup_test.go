package caddysetup

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigLocalhostUsesInternalIssuer(t *testing.T) {
	raw, err := Config(Options{ListenAddr: ":8443", Upstream: "127.0.0.1:8081", Domain: "localhost"})
	require.NoError(t, err)

	var cfg map[string]any
	require.NoError(t, json.Unmarshal(raw, &cfg))
	apps := cfg["apps"].(map[string]any)
	policies := apps["tls"].(map[string]any)["automation"].(map[string]any)["policies"].([]any)
	issuers := policies[0].(map[string]any)["issuers"].([]any)
	assert.Equal(t, "internal", issuers[0].(map[string]any)["module"])

	assert.Contains(t, string(raw), `"dial":"127.0.0.1:8081"`)
	assert.Contains(t, string(raw), `"listen":[":8443"]`)
}

func TestConfigRequiresDomain(t *testing.T) {
	_, err := Config(Options{ListenAddr: ":443", Upstream: "127.0.0.1:8081"})
	assert.Error(t, err)
}
