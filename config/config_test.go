package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const (
	testVault     = "0x1111111111111111111111111111111111111111"
	testSender    = "0x2222222222222222222222222222222222222222"
	testDestVault = "0x3333333333333333333333333333333333333333"
	testSecret    = "0123456789abcdef0123456789abcdef"
	testKey       = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
)

const yamlConfig = `
source:
  rpc_url: http://source:8545
  chain_id: 11155111
  vault: ` + testVault + `
  vault_sender: ` + testSender + `
destination:
  rpc_url: http://dest:8545
  chain_id: 43113
  vault: ` + testDestVault + `
  chain_selector: 14767482510784806043
request:
  ttl: 30m
  dispatch_timeout: 90s
authority:
  key: ` + testKey + `
journal:
  driver: sqlite
  dsn: file:journal.db
admin:
  jwt_secret: ` + testSecret + `
`

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "coordinatord.yaml", yamlConfig))
	require.NoError(t, err)

	require.Equal(t, 30*time.Minute, cfg.Request.TTL.Duration)
	require.Equal(t, 90*time.Second, cfg.Request.DispatchTimeout.Duration)
	require.Equal(t, 15*time.Second, cfg.Request.PollInterval.Duration)
	require.Equal(t, 4, cfg.Request.MaxAttempts)
	require.Equal(t, uint64(150), cfg.Policy.RatioPercent)
	require.Equal(t, uint64(2000), cfg.Policy.ExchangeRate)
	require.Equal(t, testDestVault, cfg.Destination.Receiver)
	require.Equal(t, ":7090", cfg.Admin.Listen)
	require.Equal(t, "info", cfg.Logging.Level)

	domain := cfg.LoanDomain()
	require.Equal(t, uint64(43113), domain.ChainID)
	require.Equal(t, common.HexToAddress(testDestVault), domain.VerifyingContract)
	require.NoError(t, domain.Validate())
}

func TestLoadTOML(t *testing.T) {
	contents := `
[source]
rpc_url = "http://source:8545"
chain_id = 1
vault = "` + testVault + `"
vault_sender = "` + testSender + `"

[destination]
rpc_url = "http://dest:8545"
chain_id = 2
vault = "` + testDestVault + `"
receiver = "` + testSender + `"
chain_selector = 7

[policy]
ratio_percent = 200
exchange_rate = 1

[request]
ttl = "2h"

[authority]
key = "` + testKey + `"

[admin]
jwt_secret = "` + testSecret + `"
`
	cfg, err := Load(writeFile(t, "coordinatord.toml", contents))
	require.NoError(t, err)
	require.Equal(t, 2*time.Hour, cfg.Request.TTL.Duration)
	require.Equal(t, uint64(200), cfg.PolicyParams().RatioPercent)
	require.Equal(t, common.HexToAddress(testSender), cfg.LoanDomain().VerifyingContract)
	require.Equal(t, "memory", cfg.Journal.Driver)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("CROSSLOAN_REQUEST_TTL", "45m")
	t.Setenv("CROSSLOAN_POLICY_RATIO_PERCENT", "175")
	t.Setenv("CROSSLOAN_ADMIN_LISTEN", "127.0.0.1:9000")

	cfg, err := Load(writeFile(t, "coordinatord.yml", yamlConfig))
	require.NoError(t, err)
	require.Equal(t, 45*time.Minute, cfg.Request.TTL.Duration)
	require.Equal(t, uint64(175), cfg.Policy.RatioPercent)
	require.Equal(t, "127.0.0.1:9000", cfg.Admin.Listen)
}

func TestAuthorityKeySources(t *testing.T) {
	base := strings.Replace(yamlConfig, "  key: "+testKey, "  key_env: TEST_AUTHORITY_KEY", 1)
	t.Setenv("TEST_AUTHORITY_KEY", " "+testKey+"\n")
	cfg, err := Load(writeFile(t, "env.yaml", base))
	require.NoError(t, err)
	require.Equal(t, testKey, cfg.Authority.Key)

	keyPath := writeFile(t, "authority.key", testKey+"\n")
	fromFile := strings.Replace(yamlConfig, "  key: "+testKey, "  key_file: "+keyPath, 1)
	cfg, err = Load(writeFile(t, "file.yaml", fromFile))
	require.NoError(t, err)
	require.Equal(t, testKey, cfg.Authority.Key)

	t.Setenv("TEST_AUTHORITY_KEY", "")
	_, err = Load(writeFile(t, "empty.yaml", base))
	require.ErrorContains(t, err, "key_env")
}

func TestJWTSecretFile(t *testing.T) {
	secretPath := writeFile(t, "jwt.secret", testSecret+"\n")
	contents := strings.Replace(yamlConfig, "  jwt_secret: "+testSecret, "  jwt_secret_file: "+secretPath, 1)
	cfg, err := Load(writeFile(t, "secret.yaml", contents))
	require.NoError(t, err)
	require.Equal(t, testSecret, cfg.Admin.JWTSecret)
}

func TestValidateRejectsIncompleteConfig(t *testing.T) {
	cases := map[string]struct {
		from, to string
		want     string
	}{
		"missing rpc":       {"  rpc_url: http://source:8545", "  rpc_url: \"\"", "source.rpc_url"},
		"bad address":       {"  vault: " + testVault, "  vault: not-an-address", "source.vault"},
		"missing selector":  {"  chain_selector: 14767482510784806043", "  chain_selector: 0", "chain_selector"},
		"short jwt secret":  {"  jwt_secret: " + testSecret, "  jwt_secret: short", "jwt_secret"},
		"unknown journal":   {"  driver: sqlite", "  driver: redis", "journal.driver"},
		"ttl under timeout": {"  ttl: 30m", "  ttl: 1m", "request.ttl"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			contents := strings.Replace(yamlConfig, tc.from, tc.to, 1)
			require.NotEqual(t, yamlConfig, contents)
			_, err := Load(writeFile(t, "bad.yaml", contents))
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	_, err := Load(writeFile(t, "coordinatord.json", "{}"))
	require.ErrorContains(t, err, "unsupported config format")
}
