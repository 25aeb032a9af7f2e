package envconfig

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	env, err := New(DefaultOptions("ig_song_finder.settings"))
	require.NoError(t, err)
	want := []string{
		"NO_BYTECODE_CACHE=1",
		"SETTINGS_MODULE=ig_song_finder.settings",
		"UNBUFFERED_OUTPUT=1",
	}
	require.Equal(t, want, env.Environ())
}

func TestMapIsCopy(t *testing.T) {
	env, err := New(DefaultOptions("app.settings"))
	require.NoError(t, err)
	m := env.Map()
	m[KeySettingsModule] = "evil.settings"
	got, _ := env.Get(KeySettingsModule)
	require.Equal(t, "app.settings", got)
}

func TestEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("CELERY_BROKER_URL=redis://redis:6379/0\n# comment\nLOG_LEVEL=info\n"), 0o644))
	env, err := New(Options{NoBytecodeCache: true, SettingsModule: "app.settings", EnvFile: path})
	require.NoError(t, err)
	v, ok := env.Get("CELERY_BROKER_URL")
	require.True(t, ok)
	require.Equal(t, "redis://redis:6379/0", v)
	_, ok = env.Get(KeyUnbufferedOutput)
	require.False(t, ok)
}

func TestReservedKeysCannotBeOverridden(t *testing.T) {
	opts := DefaultOptions("app.settings")
	opts.Extra = map[string]string{KeySettingsModule: "other.settings"}
	_, err := New(opts)
	require.Error(t, err)
}

func TestValidation(t *testing.T) {
	for _, module := range []string{"", "app settings", "app..settings", "1app.settings"} {
		if _, err := New(DefaultOptions(module)); err == nil {
			t.Fatalf("expected error for module %q", module)
		}
	}
	opts := DefaultOptions("app.settings")
	opts.Extra = map[string]string{"BAD-KEY": "x"}
	_, err := New(opts)
	require.Error(t, err)
}

func TestFromMapRoundTrip(t *testing.T) {
	env, err := New(DefaultOptions("app.settings"))
	require.NoError(t, err)
	again := FromMap(env.Map())
	if !reflect.DeepEqual(env.Environ(), again.Environ()) {
		t.Fatalf("round trip changed environment")
	}
}
