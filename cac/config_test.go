package cac

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-ca/caproto"
)

// clearEnv unsets every EPICS_CA_* variable consulted by NewContextConfig for the test.
func clearEnv(t *testing.T) {
	t.Helper()

	for _, name := range []string{
		EnvAddrList, EnvAutoAddrList, EnvConnTimeout, EnvMaxArrayBytes,
		EnvMaxSearchPeriod, EnvRepeaterPort, EnvServerPort,
	} {
		t.Setenv(name, "")
	}
}

func TestNewContextConfig(t *testing.T) {
	require := require.New(t)

	t.Run("Defaults", func(t *testing.T) {
		clearEnv(t)

		cfg, err := NewContextConfig()
		require.NoError(err)
		require.Equal(caproto.DefaultServerPort, cfg.ServerPort())
		require.Equal(caproto.DefaultRepeaterPort, cfg.RepeaterPort())
		require.Equal(uint32(caproto.DefaultMaxArrayBytes), cfg.MaxArrayBytes())
		require.Equal(30*time.Second, cfg.ConnTimeout())
		require.Equal(5*time.Second, cfg.EchoTimeout())
		require.Equal(10*time.Second, cfg.GovernorPeriod())
		require.Equal(300*time.Second, cfg.maxSearchPeriod)
		require.True(cfg.autoAddrList)
		require.True(cfg.AutoFlush())
		require.Empty(cfg.addrList)
		require.NotEmpty(cfg.hostName)
		require.NotEmpty(cfg.userName)
	})

	t.Run("Environment", func(t *testing.T) {
		clearEnv(t)
		t.Setenv(EnvServerPort, "6064")
		t.Setenv(EnvRepeaterPort, "6065")
		t.Setenv(EnvAddrList, " 10.0.0.255  10.0.1.255:5070 ")
		t.Setenv(EnvAutoAddrList, "no")
		t.Setenv(EnvConnTimeout, "2.5")
		t.Setenv(EnvMaxArrayBytes, "1000000")
		t.Setenv(EnvMaxSearchPeriod, "120")

		cfg, err := NewContextConfig()
		require.NoError(err)
		require.Equal(6064, cfg.ServerPort())
		require.Equal(6065, cfg.RepeaterPort())
		require.Equal([]string{"10.0.0.255", "10.0.1.255:5070"}, cfg.addrList)
		require.False(cfg.autoAddrList)
		require.Equal(2500*time.Millisecond, cfg.ConnTimeout())
		require.Equal(uint32(1000000), cfg.MaxArrayBytes())
		require.Equal(120*time.Second, cfg.maxSearchPeriod)
	})

	t.Run("Invalid environment is ignored", func(t *testing.T) {
		clearEnv(t)
		t.Setenv(EnvServerPort, "abc")
		t.Setenv(EnvConnTimeout, "0")
		t.Setenv(EnvMaxSearchPeriod, "10")
		t.Setenv(EnvMaxArrayBytes, "100")

		cfg, err := NewContextConfig()
		require.NoError(err)
		require.Equal(caproto.DefaultServerPort, cfg.ServerPort())
		require.Equal(30*time.Second, cfg.ConnTimeout())
		require.Equal(300*time.Second, cfg.maxSearchPeriod)
		require.Equal(uint32(caproto.DefaultMaxArrayBytes), cfg.MaxArrayBytes())
	})

	t.Run("Options override environment", func(t *testing.T) {
		clearEnv(t)
		t.Setenv(EnvServerPort, "6064")

		cfg, err := NewContextConfig(WithServerPort(7064), WithAutoAddrList(false))
		require.NoError(err)
		require.Equal(7064, cfg.ServerPort())
		require.False(cfg.autoAddrList)
	})

	t.Run("Invalid options", func(t *testing.T) {
		clearEnv(t)

		tests := []struct {
			opt    ContextOption
			errMsg string
		}{
			{WithServerPort(0), "port is out of range [1, 65535]"},
			{WithRepeaterPort(65536), "port is out of range [1, 65535]"},
			{WithMaxArrayBytes(1024), "max array bytes out of range [16384, 1073741824]"},
			{WithConnTimeout(time.Millisecond), "connection timeout out of range [0.1, 3600]"},
			{WithEchoTimeout(time.Hour), "echo timeout out of range [0.01, 300]"},
			{WithConnectTimeout(time.Minute), "connect timeout out of range [0.1, 30]"},
			{WithMaxSearchPeriod(time.Second), "max search period must be at least 60 seconds"},
			{WithGovernorPeriod(time.Hour), "governor period out of range [0.01, 600]"},
			{WithFlushBlockThreshold(10), "flush block threshold must be at least 1024 bytes"},
			{WithFlowControlThreshold(0), "flow control threshold out of range [1, 1000]"},
			{WithRepeaterWarnAttempts(0), "repeater warn attempts out of range [1, 1000]"},
			{WithBufferPool(0, 1), "buffer pool limits must be positive"},
			{WithHostName(""), "invalid host name"},
			{WithClientName(""), "invalid client name"},
			{WithClock(nil), "clock is nil"},
			{WithLogger(nil), "logger is nil"},
		}

		for _, tt := range tests {
			_, err := NewContextConfig(tt.opt)
			require.EqualError(err, tt.errMsg)
		}

		err := WithConnTimeout(time.Second).apply(nil)
		require.ErrorIs(err, ErrContextConfigNil)
	})
}

func TestContext_UpdateConfigOptions(t *testing.T) {
	require := require.New(t)
	clearEnv(t)

	cfg, err := NewContextConfig(WithAutoAddrList(false))
	require.NoError(err)

	c, err := NewContext(context.Background(), cfg)
	require.NoError(err)
	defer c.Close()

	require.NoError(c.UpdateConfigOptions(
		WithConnTimeout(10*time.Second),
		WithEchoTimeout(time.Second),
		WithGovernorPeriod(time.Second),
		WithFlushBlockThreshold(4096),
		WithAutoFlush(false),
	))
	require.Equal(10*time.Second, cfg.ConnTimeout())
	require.Equal(time.Second, cfg.EchoTimeout())
	require.Equal(time.Second, cfg.GovernorPeriod())
	require.Equal(4096, cfg.FlushBlockThreshold())
	require.False(cfg.AutoFlush())

	require.ErrorIs(c.UpdateConfigOptions(WithServerPort(6000)), ErrRuntimeOption)
	require.Equal(caproto.DefaultServerPort, cfg.ServerPort())

	require.EqualError(c.UpdateConfigOptions(WithConnTimeout(0)), "connection timeout out of range [0.1, 3600]")
}
