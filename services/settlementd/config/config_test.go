package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const baseYAML = `
listen: ":8080"
chain:
  rpc_url: "http://127.0.0.1:8545"
  custodian: "0x00000000000000000000000000000000000000c0"
  trade_contract: "0x00000000000000000000000000000000000000d0"
  native_token: "0x00000000000000000000000000000000000000e0"
  stable_token: "0x00000000000000000000000000000000000000f0"
  receipt_timeout: 45s
auth:
  hmac_secret: "test-secret"
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "settlementd.yaml", baseYAML))
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.ListenAddress)
	require.Equal(t, 256, cfg.MaxConnections)
	require.Equal(t, 45*time.Second, cfg.Chain.ReceiptTimeout.Duration)
	require.Equal(t, 2*time.Second, cfg.Chain.PollInterval.Duration)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.NotEmpty(t, cfg.Database.Path)
	require.NotEmpty(t, cfg.Database.HoldsPath)
	require.Equal(t, "PRX", cfg.Tokens.Native)
	require.Equal(t, "USDT", cfg.Tokens.Stable)
	require.Equal(t, "local", cfg.Lock.Driver)
	require.Equal(t, 150*time.Second, cfg.Lock.TTL.Duration)
	require.Equal(t, "settlement:admin", cfg.Auth.AdminScope)
	require.Equal(t, 15*time.Minute, cfg.Recon.Interval.Duration)
	require.False(t, cfg.Payments.Enabled())
}

func TestLoadRejectsUnknownYAMLKeys(t *testing.T) {
	_, err := Load(writeFile(t, "settlementd.yaml", baseYAML+"bogus: true\n"))
	require.Error(t, err)
}

func TestLoadTOML(t *testing.T) {
	body := `
listen = ":9000"

[chain]
rpc_url = "http://127.0.0.1:8545"
custodian = "0x00000000000000000000000000000000000000c0"
trade_contract = "0x00000000000000000000000000000000000000d0"
native_token = "0x00000000000000000000000000000000000000e0"
stable_token = "0x00000000000000000000000000000000000000f0"
poll_interval = "500ms"

[auth]
hmac_secret = "toml-secret"
`
	cfg, err := Load(writeFile(t, "settlementd.toml", body))
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.ListenAddress)
	require.Equal(t, 500*time.Millisecond, cfg.Chain.PollInterval.Duration)
	require.Equal(t, "toml-secret", cfg.Auth.HMACSecret)

	_, err = Load(writeFile(t, "bad.toml", body+"\n[mystery]\nkey = 1\n"))
	require.ErrorContains(t, err, "unknown config key")
}

func TestSecretsResolveFromEnvAndFile(t *testing.T) {
	t.Setenv("SETTLEMENTD_TEST_STRIPE", "sk_test_env")
	secretPath := writeFile(t, "hmac", "  file-secret\n")
	body := strings.Replace(baseYAML, `  hmac_secret: "test-secret"`, "  hmac_secret_file: \""+secretPath+"\"", 1) +
		"payments:\n  secret_key_env: SETTLEMENTD_TEST_STRIPE\n"

	cfg, err := Load(writeFile(t, "settlementd.yaml", body))
	require.NoError(t, err)
	require.Equal(t, "file-secret", cfg.Auth.HMACSecret)
	require.Equal(t, "sk_test_env", cfg.Payments.SecretKey)
	require.True(t, cfg.Payments.Enabled())
}

func TestEmptySecretEnvIsAnError(t *testing.T) {
	body := baseYAML + "payments:\n  secret_key_env: SETTLEMENTD_TEST_UNSET_VAR\n"
	_, err := Load(writeFile(t, "settlementd.yaml", body))
	require.ErrorContains(t, err, "secret_key_env")
}

func TestValidate(t *testing.T) {
	cases := map[string]struct {
		edit string
		want string
	}{
		"missing rpc":      {edit: `rpc_url: ""`, want: "rpc_url"},
		"bad custodian":    {edit: `custodian: "nope"`, want: "custodian"},
		"postgres no dsn":  {edit: "database:\n  driver: postgres", want: "dsn"},
		"redis no address": {edit: "lock:\n  driver: redis", want: "redis_addr"},
		"redis short ttl":  {edit: "lock:\n  driver: redis\n  redis_addr: 127.0.0.1:6379\n  ttl: 90s", want: "lock ttl"},
		"same tokens":      {edit: "tokens:\n  native: USDT\n  stable: usdt", want: "must differ"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			body := baseYAML
			switch {
			case strings.HasPrefix(tc.edit, "rpc_url"):
				body = strings.Replace(body, `rpc_url: "http://127.0.0.1:8545"`, tc.edit, 1)
			case strings.HasPrefix(tc.edit, "custodian"):
				body = strings.Replace(body, `custodian: "0x00000000000000000000000000000000000000c0"`, tc.edit, 1)
			default:
				body += tc.edit + "\n"
			}
			_, err := Load(writeFile(t, "settlementd.yaml", body))
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestLoadDotEnvIsOptional(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))

	path := writeFile(t, "test.env", "SETTLEMENTD_DOTENV_CHECK=loaded\n")
	t.Cleanup(func() { os.Unsetenv("SETTLEMENTD_DOTENV_CHECK") })
	require.NoError(t, LoadDotEnv(path))
	require.Equal(t, "loaded", os.Getenv("SETTLEMENTD_DOTENV_CHECK"))
}

func TestMinLockTTLCoversBothReceipts(t *testing.T) {
	require.Equal(t, 5*time.Minute, MinLockTTL(2*time.Minute))

	body := baseYAML + "lock:\n  driver: redis\n  redis_addr: 127.0.0.1:6379\n  ttl: 150s\n"
	cfg, err := Load(writeFile(t, "settlementd.yaml", body))
	require.NoError(t, err)
	require.Equal(t, 150*time.Second, cfg.Lock.TTL.Duration)
}
