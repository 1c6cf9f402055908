package cac

import (
	"errors"
	"os"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/arloliu/go-ca/caproto"
	"github.com/arloliu/go-ca/logger"
	"github.com/benbjohnson/clock"
)

// Environment variables consulted by NewContextConfig.
const (
	EnvAddrList        = "EPICS_CA_ADDR_LIST"
	EnvAutoAddrList    = "EPICS_CA_AUTO_ADDR_LIST"
	EnvConnTimeout     = "EPICS_CA_CONN_TMO"
	EnvMaxArrayBytes   = "EPICS_CA_MAX_ARRAY_BYTES"
	EnvMaxSearchPeriod = "EPICS_CA_MAX_SEARCH_PERIOD"
	EnvRepeaterPort    = "EPICS_CA_REPEATER_PORT"
	EnvServerPort      = "EPICS_CA_SERVER_PORT"
)

const minMaxSearchPeriod = 60 * time.Second

// ContextConfig represents the configuration parameters of a client Context.
type ContextConfig struct {
	mu sync.RWMutex

	// serverPort is the UDP port searches are sent to when an address list entry has no port.
	// Defaults to 5064.
	serverPort int
	// repeaterPort is the UDP port of the local CA repeater.
	// Defaults to 5065.
	repeaterPort int

	// addrList holds the explicit search destinations, "host" or "host:port".
	addrList []string
	// autoAddrList adds the broadcast address of every local interface to the search destinations.
	// Defaults to true.
	autoAddrList bool

	// maxArrayBytes bounds the payload size of a single request or response.
	// Defaults to 16384 bytes.
	maxArrayBytes uint32

	// connTimeout is the receive watchdog period of a circuit, and the send watchdog period.
	// Defaults to 30 seconds.
	connTimeout time.Duration
	// echoTimeout is how long a circuit waits for the reply to an echo probe.
	// Defaults to 5 seconds.
	echoTimeout time.Duration
	// connectTimeout bounds the TCP connect of a new circuit.
	// Defaults to 3 seconds.
	connectTimeout time.Duration

	// maxSearchPeriod caps the period of the slowest search tier. It must be at least 60 seconds.
	// Defaults to 300 seconds.
	maxSearchPeriod time.Duration
	// governorPeriod is the delay before disconnected channels are searched again, all together.
	// Defaults to 10 seconds.
	governorPeriod time.Duration

	// flushBlockThreshold is the size of queued outbound bytes above which requests block
	// until the send loop catches up.
	// Defaults to 64 KiB.
	flushBlockThreshold int
	// flushBlockWake is the periodic wake interval of a request blocked by flushBlockThreshold.
	// Defaults to 1 second.
	flushBlockWake time.Duration
	// flowControlThreshold is the number of contiguous full receive buffers after which the
	// circuit asks the server to stop sending subscription updates.
	// Defaults to 10.
	flowControlThreshold int
	// autoFlush sends queued requests as soon as they are issued.
	// Defaults to true.
	autoFlush bool

	// repeaterWarnAttempts is the number of unconfirmed repeater registrations after which a
	// warning is logged.
	// Defaults to 10.
	repeaterWarnAttempts int

	// smallBufferMax and largeBufferMax bound the receive body buffers in use at the same time.
	// Defaults to 256 and 8.
	smallBufferMax int
	largeBufferMax int

	// hostName and userName are announced to servers on every new circuit.
	hostName string
	userName string

	clock  clock.Clock
	logger logger.Logger

	exceptionHandler       ExceptionHandler
	multiplyDefinedHandler MultiplyDefinedHandler
}

// NewContextConfig creates a client context configuration.
//
// Defaults are taken from the EPICS_CA_* environment variables when they are set and valid,
// then the provided options are applied in order. See the WithXXX functions for the
// available options.
//
// Returns the configuration and the first error reported by an option.
func NewContextConfig(opts ...ContextOption) (*ContextConfig, error) {
	cfg := &ContextConfig{
		serverPort:           caproto.DefaultServerPort,
		repeaterPort:         caproto.DefaultRepeaterPort,
		autoAddrList:         true,
		maxArrayBytes:        caproto.DefaultMaxArrayBytes,
		connTimeout:          30 * time.Second,
		echoTimeout:          5 * time.Second,
		connectTimeout:       3 * time.Second,
		maxSearchPeriod:      300 * time.Second,
		governorPeriod:       10 * time.Second,
		flushBlockThreshold:  64 * 1024,
		flushBlockWake:       1 * time.Second,
		flowControlThreshold: 10,
		autoFlush:            true,
		repeaterWarnAttempts: 10,
		smallBufferMax:       256,
		largeBufferMax:       8,
		hostName:             defaultHostName(),
		userName:             defaultUserName(),
		clock:                clock.New(),
		logger:               logger.GetLogger(),
	}

	cfg.applyEnv()

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// applyEnv seeds the defaults from the environment. Invalid values are logged and ignored.
func (cfg *ContextConfig) applyEnv() {
	envOpts := []struct {
		name  string
		parse func(string) ContextOption
	}{
		{EnvServerPort, func(v string) ContextOption { return WithServerPort(atoi(v)) }},
		{EnvRepeaterPort, func(v string) ContextOption { return WithRepeaterPort(atoi(v)) }},
		{EnvAddrList, func(v string) ContextOption { return WithAddrList(strings.Fields(v)...) }},
		{EnvAutoAddrList, func(v string) ContextOption { return WithAutoAddrList(!strings.EqualFold(v, "NO")) }},
		{EnvMaxArrayBytes, func(v string) ContextOption { return WithMaxArrayBytes(atoi(v)) }},
		{EnvConnTimeout, func(v string) ContextOption { return WithConnTimeout(seconds(v)) }},
		{EnvMaxSearchPeriod, func(v string) ContextOption { return WithMaxSearchPeriod(seconds(v)) }},
	}

	for _, env := range envOpts {
		val, ok := os.LookupEnv(env.name)
		if !ok || strings.TrimSpace(val) == "" {
			continue
		}

		if err := env.parse(strings.TrimSpace(val)).apply(cfg); err != nil {
			cfg.logger.Warn("ignore invalid environment variable", "name", env.name, "value", val, "error", err)
		}
	}
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}

	return n
}

func seconds(s string) time.Duration {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return -1
	}

	return time.Duration(f * float64(time.Second))
}

func defaultHostName() string {
	name, err := os.Hostname()
	if err != nil {
		return "localhost"
	}

	return name
}

func defaultUserName() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}

	if name := os.Getenv("USER"); name != "" {
		return name
	}

	return "unknown"
}

// ServerPort returns the default server port for search destinations.
func (cfg *ContextConfig) ServerPort() int {
	return cfg.serverPort
}

// RepeaterPort returns the local repeater port.
func (cfg *ContextConfig) RepeaterPort() int {
	return cfg.repeaterPort
}

// MaxArrayBytes returns the maximum payload size of a request or response.
func (cfg *ContextConfig) MaxArrayBytes() uint32 {
	return cfg.maxArrayBytes
}

// ConnTimeout returns the circuit receive watchdog period.
func (cfg *ContextConfig) ConnTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.connTimeout
}

// EchoTimeout returns the echo reply wait of the receive watchdog.
func (cfg *ContextConfig) EchoTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.echoTimeout
}

// GovernorPeriod returns the delay applied to disconnected channels before searching again.
func (cfg *ContextConfig) GovernorPeriod() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.governorPeriod
}

// FlushBlockThreshold returns the outbound backlog size that blocks new requests.
func (cfg *ContextConfig) FlushBlockThreshold() int {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.flushBlockThreshold
}

func (cfg *ContextConfig) flushBlockWakeInterval() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.flushBlockWake
}

// FlowControlThreshold returns the number of contiguous full reads that turns flow control on.
func (cfg *ContextConfig) FlowControlThreshold() int {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.flowControlThreshold
}

// AutoFlush reports whether requests are sent as soon as they are issued.
func (cfg *ContextConfig) AutoFlush() bool {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.autoFlush
}

// ContextOption represents a functional option for configuring a ContextConfig.
type ContextOption interface {
	apply(*ContextConfig) error
}

type ctxOptFunc struct {
	name      string
	runtime   bool
	applyFunc func(*ContextConfig) error
}

func (c *ctxOptFunc) apply(cfg *ContextConfig) error {
	if cfg == nil {
		return ErrContextConfigNil
	}

	if c.runtime {
		cfg.mu.Lock()
		defer cfg.mu.Unlock()
	}

	return c.applyFunc(cfg)
}

func newCtxOptFunc(name string, runtime bool, f func(*ContextConfig) error) *ctxOptFunc {
	return &ctxOptFunc{
		name:      name,
		runtime:   runtime,
		applyFunc: f,
	}
}

func validPort(port int) error {
	if port < 1 || port > 65535 {
		return errors.New("port is out of range [1, 65535]")
	}

	return nil
}

// WithServerPort sets the default server port used for search destinations without a port.
//
// The default value is 5064, or EPICS_CA_SERVER_PORT.
//
// This option can't be changed at runtime.
func WithServerPort(port int) ContextOption {
	return newCtxOptFunc("WithServerPort", false, func(cfg *ContextConfig) error {
		if err := validPort(port); err != nil {
			return err
		}
		cfg.serverPort = port

		return nil
	})
}

// WithRepeaterPort sets the UDP port of the local repeater.
//
// The default value is 5065, or EPICS_CA_REPEATER_PORT.
//
// This option can't be changed at runtime.
func WithRepeaterPort(port int) ContextOption {
	return newCtxOptFunc("WithRepeaterPort", false, func(cfg *ContextConfig) error {
		if err := validPort(port); err != nil {
			return err
		}
		cfg.repeaterPort = port

		return nil
	})
}

// WithAddrList sets the explicit search destinations. Each entry is "host" or "host:port".
//
// The default value is EPICS_CA_ADDR_LIST split on white space.
//
// This option can't be changed at runtime.
func WithAddrList(addrs ...string) ContextOption {
	return newCtxOptFunc("WithAddrList", false, func(cfg *ContextConfig) error {
		list := make([]string, 0, len(addrs))
		for _, addr := range addrs {
			if addr = strings.TrimSpace(addr); addr != "" {
				list = append(list, addr)
			}
		}
		cfg.addrList = list

		return nil
	})
}

// WithAutoAddrList enables or disables searching on the broadcast address of every local interface.
//
// The default value is true, false when EPICS_CA_AUTO_ADDR_LIST is "NO".
//
// This option can't be changed at runtime.
func WithAutoAddrList(val bool) ContextOption {
	return newCtxOptFunc("WithAutoAddrList", false, func(cfg *ContextConfig) error {
		cfg.autoAddrList = val

		return nil
	})
}

// WithMaxArrayBytes sets the maximum payload size of a request or response.
// It must be at least 16384 bytes.
//
// The default value is 16384, or EPICS_CA_MAX_ARRAY_BYTES.
//
// This option can't be changed at runtime.
func WithMaxArrayBytes(n int) ContextOption {
	return newCtxOptFunc("WithMaxArrayBytes", false, func(cfg *ContextConfig) error {
		if n < caproto.DefaultMaxArrayBytes || n > 1<<30 {
			return errors.New("max array bytes out of range [16384, 1073741824]")
		}
		cfg.maxArrayBytes = uint32(n) //nolint:gosec

		return nil
	})
}

// WithConnTimeout sets the receive watchdog period of circuits.
// A circuit that stays silent for this period is probed with an echo request.
//
// The default value is 30 seconds, or EPICS_CA_CONN_TMO.
//
// This option can be changed at runtime; running circuits pick it up on the next restart
// of their watchdog.
func WithConnTimeout(val time.Duration) ContextOption {
	return newCtxOptFunc("WithConnTimeout", true, func(cfg *ContextConfig) error {
		if val < 100*time.Millisecond || val > time.Hour {
			return errors.New("connection timeout out of range [0.1, 3600]")
		}
		cfg.connTimeout = val

		return nil
	})
}

// WithEchoTimeout sets how long a circuit waits for the reply to an echo probe before it is
// declared unresponsive.
//
// The default value is 5 seconds.
//
// This option can be changed at runtime.
func WithEchoTimeout(val time.Duration) ContextOption {
	return newCtxOptFunc("WithEchoTimeout", true, func(cfg *ContextConfig) error {
		if val < 10*time.Millisecond || val > 5*time.Minute {
			return errors.New("echo timeout out of range [0.01, 300]")
		}
		cfg.echoTimeout = val

		return nil
	})
}

// WithConnectTimeout sets the timeout of the TCP connect of a new circuit.
//
// The default value is 3 seconds.
//
// This option can't be changed at runtime.
func WithConnectTimeout(val time.Duration) ContextOption {
	return newCtxOptFunc("WithConnectTimeout", false, func(cfg *ContextConfig) error {
		if val < 100*time.Millisecond || val > 30*time.Second {
			return errors.New("connect timeout out of range [0.1, 30]")
		}
		cfg.connectTimeout = val

		return nil
	})
}

// WithMaxSearchPeriod caps the retry period of the slowest search tier.
// It must be at least 60 seconds.
//
// The default value is 300 seconds, or EPICS_CA_MAX_SEARCH_PERIOD.
//
// This option can't be changed at runtime.
func WithMaxSearchPeriod(val time.Duration) ContextOption {
	return newCtxOptFunc("WithMaxSearchPeriod", false, func(cfg *ContextConfig) error {
		if val < minMaxSearchPeriod {
			return errors.New("max search period must be at least 60 seconds")
		}
		cfg.maxSearchPeriod = val

		return nil
	})
}

// WithGovernorPeriod sets the delay before disconnected channels are searched again.
//
// The default value is 10 seconds.
//
// This option can be changed at runtime.
func WithGovernorPeriod(val time.Duration) ContextOption {
	return newCtxOptFunc("WithGovernorPeriod", true, func(cfg *ContextConfig) error {
		if val < 10*time.Millisecond || val > 10*time.Minute {
			return errors.New("governor period out of range [0.01, 600]")
		}
		cfg.governorPeriod = val

		return nil
	})
}

// WithFlushBlockThreshold sets the outbound backlog, in bytes, above which new requests block
// until the send loop has made progress.
//
// The default value is 64 KiB.
//
// This option can be changed at runtime.
func WithFlushBlockThreshold(n int) ContextOption {
	return newCtxOptFunc("WithFlushBlockThreshold", true, func(cfg *ContextConfig) error {
		if n < 1024 {
			return errors.New("flush block threshold must be at least 1024 bytes")
		}
		cfg.flushBlockThreshold = n

		return nil
	})
}

// WithFlushBlockWake sets the periodic wake interval of requests blocked by the flush
// block threshold.
//
// The default value is 1 second.
//
// This option can be changed at runtime.
func WithFlushBlockWake(val time.Duration) ContextOption {
	return newCtxOptFunc("WithFlushBlockWake", true, func(cfg *ContextConfig) error {
		if val < time.Millisecond || val > time.Minute {
			return errors.New("flush block wake out of range [0.001, 60]")
		}
		cfg.flushBlockWake = val

		return nil
	})
}

// WithFlowControlThreshold sets the number of contiguous full receive buffers after which a
// circuit sends EVENTS_OFF to the server.
//
// The default value is 10.
//
// This option can be changed at runtime.
func WithFlowControlThreshold(n int) ContextOption {
	return newCtxOptFunc("WithFlowControlThreshold", true, func(cfg *ContextConfig) error {
		if n < 1 || n > 1000 {
			return errors.New("flow control threshold out of range [1, 1000]")
		}
		cfg.flowControlThreshold = n

		return nil
	})
}

// WithAutoFlush enables or disables sending requests as soon as they are issued.
// When disabled, requests are sent by Context.Flush.
//
// The default value is true.
//
// This option can be changed at runtime.
func WithAutoFlush(val bool) ContextOption {
	return newCtxOptFunc("WithAutoFlush", true, func(cfg *ContextConfig) error {
		cfg.autoFlush = val

		return nil
	})
}

// WithRepeaterWarnAttempts sets the number of unconfirmed repeater registrations after which
// a warning is logged.
//
// The default value is 10.
//
// This option can't be changed at runtime.
func WithRepeaterWarnAttempts(n int) ContextOption {
	return newCtxOptFunc("WithRepeaterWarnAttempts", false, func(cfg *ContextConfig) error {
		if n < 1 || n > 1000 {
			return errors.New("repeater warn attempts out of range [1, 1000]")
		}
		cfg.repeaterWarnAttempts = n

		return nil
	})
}

// WithBufferPool sets how many receive body buffers of each tier may be in use at once.
// Messages that find their tier exhausted are dropped.
//
// The default values are 256 small and 8 large buffers.
//
// This option can't be changed at runtime.
func WithBufferPool(smallMax int, largeMax int) ContextOption {
	return newCtxOptFunc("WithBufferPool", false, func(cfg *ContextConfig) error {
		if smallMax < 1 || largeMax < 1 {
			return errors.New("buffer pool limits must be positive")
		}
		cfg.smallBufferMax = smallMax
		cfg.largeBufferMax = largeMax

		return nil
	})
}

// WithHostName sets the host name announced to servers.
//
// The default value is the name reported by the operating system.
//
// This option can't be changed at runtime.
func WithHostName(name string) ContextOption {
	return newCtxOptFunc("WithHostName", false, func(cfg *ContextConfig) error {
		if name == "" || len(name) > caproto.MaxNameLength {
			return errors.New("invalid host name")
		}
		cfg.hostName = name

		return nil
	})
}

// WithClientName sets the user name announced to servers.
//
// The default value is the name of the current user.
//
// This option can't be changed at runtime.
func WithClientName(name string) ContextOption {
	return newCtxOptFunc("WithClientName", false, func(cfg *ContextConfig) error {
		if name == "" || len(name) > caproto.MaxNameLength {
			return errors.New("invalid client name")
		}
		cfg.userName = name

		return nil
	})
}

// WithClock sets the clock driving watchdogs, search timers, the disconnect governor and the
// repeater registration. Tests use a mock clock.
//
// The default value is the real clock.
//
// This option can't be changed at runtime.
func WithClock(clk clock.Clock) ContextOption {
	return newCtxOptFunc("WithClock", false, func(cfg *ContextConfig) error {
		if clk == nil {
			return errors.New("clock is nil")
		}
		cfg.clock = clk

		return nil
	})
}

// WithLogger sets the logger of the context.
//
// The default logger is the global logger instance.
//
// This option can't be changed at runtime.
func WithLogger(l logger.Logger) ContextOption {
	return newCtxOptFunc("WithLogger", false, func(cfg *ContextConfig) error {
		if l == nil {
			return errors.New("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}

// WithExceptionHandler sets the handler of exceptions that cannot be attributed to a single
// pending request.
//
// The default handler logs the exception.
//
// This option can't be changed at runtime.
func WithExceptionHandler(h ExceptionHandler) ContextOption {
	return newCtxOptFunc("WithExceptionHandler", false, func(cfg *ContextConfig) error {
		cfg.exceptionHandler = h

		return nil
	})
}

// WithMultiplyDefinedHandler sets the handler invoked when two servers answer a search for
// the same channel.
//
// The default handler logs a warning.
//
// This option can't be changed at runtime.
func WithMultiplyDefinedHandler(h MultiplyDefinedHandler) ContextOption {
	return newCtxOptFunc("WithMultiplyDefinedHandler", false, func(cfg *ContextConfig) error {
		cfg.multiplyDefinedHandler = h

		return nil
	})
}
