package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/callcore/pkg/call"
	"github.com/arzzra/callcore/pkg/media"
)

func TestLoad_WritesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "softphone.yaml")
	l := zerolog.Nop()

	cfg, used, err := Load(&l, path)
	require.NoError(t, err)
	assert.Equal(t, path, used)
	assert.FileExists(t, path)

	def := Default()
	assert.Equal(t, def.Call, cfg.Call)
	assert.Equal(t, def.Media, cfg.Media)
	assert.Equal(t, def.Relay, cfg.Relay)
	assert.Equal(t, TransportWS, cfg.Signaling.Transport)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "softphone.yaml")
	content := `
id: alice
display_name: Alice
call:
  busy_policy: ignore
  video: false
signaling:
  transport: sip
  sip:
    listen_port: 5070
    peers:
      bob: "sip:bob@10.0.0.2:5060"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("SOFTPHONE_CALL_RING_TIMEOUT", "30s")
	t.Setenv("SOFTPHONE_DISPLAY_NAME", "Alice Env")

	cfg, _, err := Load(nil, path)
	require.NoError(t, err)

	assert.Equal(t, "alice", cfg.ID)
	assert.Equal(t, "Alice Env", cfg.DisplayName)
	assert.Equal(t, 30*time.Second, cfg.Call.RingTimeout)
	// ключи, которых нет в файле, берутся из значений по умолчанию
	assert.Equal(t, 2*time.Second, cfg.Call.ResetDelay)

	cc := cfg.CallConfig()
	assert.Equal(t, call.BusyIgnore, cc.BusyPolicy)
	assert.Equal(t, media.Constraints{Audio: true}, cc.Constraints)
	require.NoError(t, cc.Validate())

	sc := cfg.SIPConfig()
	assert.Equal(t, "alice", sc.ID)
	assert.Equal(t, 5070, sc.ListenPort)
	assert.Equal(t, "sip:bob@10.0.0.2:5060", sc.Peers["bob"])
	require.NoError(t, sc.Validate())

	mc := cfg.MediaConfig()
	require.NoError(t, mc.Validate())
	assert.True(t, mc.Devices.Microphone)
}

func TestLoad_BrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "softphone.yaml")
	require.NoError(t, os.WriteFile(path, []byte("call: [unterminated"), 0o600))

	_, _, err := Load(nil, path)
	require.Error(t, err)
}
