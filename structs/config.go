package structs

import (
	"sync"
	"time"

	goccy "github.com/goccy/go-json"
)

const (
	DefaultLocalBase      = 0x10000
	DefaultTimerFloor     = 50 * time.Millisecond
	DefaultCallTimeout    = 200 * time.Millisecond
	DefaultPoolCapacity   = 16
	DefaultSourceCacheTTL = time.Minute
)

// Config holds bridge-wide configuration with thread-safe access. The main
// loop owns mutation, but console sessions read it from their own goroutines,
// so all fields are private and accessed via getters/setters that handle
// locking.
type Config struct {
	mu             sync.RWMutex
	localBase      uint32        // First uid handed out for session-local references
	timerFloor     time.Duration // Minimum deferred-execution delay
	callTimeout    time.Duration // Wall-clock budget for a single script call
	poolCapacity   int           // Concurrent call contexts; exceeding this fails the call
	warnUnsafe     bool          // Log timer arguments that reference mutable engine objects
	convertUnsafe  bool          // Rewrite such arguments to their stable ids
	sourceCacheTTL time.Duration
	logPath        string
}

// Default returns a Config with the bridge's stock settings.
func Default() *Config {
	return &Config{
		localBase:      DefaultLocalBase,
		timerFloor:     DefaultTimerFloor,
		callTimeout:    DefaultCallTimeout,
		poolCapacity:   DefaultPoolCapacity,
		warnUnsafe:     true,
		convertUnsafe:  true,
		sourceCacheTTL: DefaultSourceCacheTTL,
	}
}

func (c *Config) LocalBase() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.localBase
}

func (c *Config) SetLocalBase(base uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localBase = base
}

func (c *Config) TimerFloor() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.timerFloor
}

func (c *Config) SetTimerFloor(floor time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timerFloor = floor
}

func (c *Config) CallTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.callTimeout
}

func (c *Config) SetCallTimeout(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callTimeout = timeout
}

func (c *Config) PoolCapacity() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.poolCapacity
}

func (c *Config) SetPoolCapacity(capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.poolCapacity = capacity
}

func (c *Config) WarnUnsafe() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.warnUnsafe
}

func (c *Config) SetWarnUnsafe(warn bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warnUnsafe = warn
}

func (c *Config) ConvertUnsafe() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.convertUnsafe
}

func (c *Config) SetConvertUnsafe(convert bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.convertUnsafe = convert
}

func (c *Config) SourceCacheTTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sourceCacheTTL
}

func (c *Config) SetSourceCacheTTL(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sourceCacheTTL = ttl
}

func (c *Config) LogPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logPath
}

func (c *Config) SetLogPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logPath = path
}

// configJSON is the JSON serialization format for Config.
type configJSON struct {
	LocalBase      uint32 `json:"localBase"`
	TimerFloorMS   int64  `json:"timerFloorMS"`
	CallTimeoutMS  int64  `json:"callTimeoutMS"`
	PoolCapacity   int    `json:"poolCapacity"`
	WarnUnsafe     bool   `json:"warnUnsafe"`
	ConvertUnsafe  bool   `json:"convertUnsafe"`
	SourceCacheTTL int64  `json:"sourceCacheTTLMS"`
	LogPath        string `json:"logPath,omitempty"`
}

// MarshalJSON implements json.Marshaler for Config.
func (c *Config) MarshalJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return goccy.Marshal(configJSON{
		LocalBase:      c.localBase,
		TimerFloorMS:   c.timerFloor.Milliseconds(),
		CallTimeoutMS:  c.callTimeout.Milliseconds(),
		PoolCapacity:   c.poolCapacity,
		WarnUnsafe:     c.warnUnsafe,
		ConvertUnsafe:  c.convertUnsafe,
		SourceCacheTTL: c.sourceCacheTTL.Milliseconds(),
		LogPath:        c.logPath,
	})
}

// UnmarshalJSON implements json.Unmarshaler for Config. Zero or missing
// numeric fields fall back to defaults so partial config files stay valid.
func (c *Config) UnmarshalJSON(data []byte) error {
	var j configJSON
	if err := goccy.Unmarshal(data, &j); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.localBase = j.LocalBase
	if c.localBase == 0 {
		c.localBase = DefaultLocalBase
	}
	c.timerFloor = time.Duration(j.TimerFloorMS) * time.Millisecond
	if c.timerFloor == 0 {
		c.timerFloor = DefaultTimerFloor
	}
	c.callTimeout = time.Duration(j.CallTimeoutMS) * time.Millisecond
	if c.callTimeout == 0 {
		c.callTimeout = DefaultCallTimeout
	}
	c.poolCapacity = j.PoolCapacity
	if c.poolCapacity == 0 {
		c.poolCapacity = DefaultPoolCapacity
	}
	c.warnUnsafe = j.WarnUnsafe
	c.convertUnsafe = j.ConvertUnsafe
	c.sourceCacheTTL = time.Duration(j.SourceCacheTTL) * time.Millisecond
	if c.sourceCacheTTL == 0 {
		c.sourceCacheTTL = DefaultSourceCacheTTL
	}
	c.logPath = j.LogPath
	return nil
}
