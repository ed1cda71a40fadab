package structs_test

import (
	"testing"
	"time"

	goccy "github.com/goccy/go-json"
	"github.com/zond/mudbridge/structs"
)

func TestDefaults(t *testing.T) {
	cfg := structs.Default()
	if got := cfg.LocalBase(); got != structs.DefaultLocalBase {
		t.Errorf("got local base %#x, want %#x", got, structs.DefaultLocalBase)
	}
	if got := cfg.TimerFloor(); got != structs.DefaultTimerFloor {
		t.Errorf("got timer floor %v, want %v", got, structs.DefaultTimerFloor)
	}
	if got := cfg.CallTimeout(); got != structs.DefaultCallTimeout {
		t.Errorf("got call timeout %v, want %v", got, structs.DefaultCallTimeout)
	}
	if got := cfg.PoolCapacity(); got != structs.DefaultPoolCapacity {
		t.Errorf("got pool capacity %d, want %d", got, structs.DefaultPoolCapacity)
	}
	if !cfg.WarnUnsafe() || !cfg.ConvertUnsafe() {
		t.Error("unsafe-argument policies should both default on")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	cfg := structs.Default()
	cfg.SetLocalBase(0x20000)
	cfg.SetTimerFloor(75 * time.Millisecond)
	cfg.SetCallTimeout(time.Second)
	cfg.SetPoolCapacity(4)
	cfg.SetConvertUnsafe(false)
	cfg.SetLogPath("/var/log/bridge.log")

	b, err := goccy.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	loaded := &structs.Config{}
	if err := goccy.Unmarshal(b, loaded); err != nil {
		t.Fatal(err)
	}

	if got := loaded.LocalBase(); got != 0x20000 {
		t.Errorf("got local base %#x, want 0x20000", got)
	}
	if got := loaded.TimerFloor(); got != 75*time.Millisecond {
		t.Errorf("got timer floor %v, want 75ms", got)
	}
	if got := loaded.CallTimeout(); got != time.Second {
		t.Errorf("got call timeout %v, want 1s", got)
	}
	if got := loaded.PoolCapacity(); got != 4 {
		t.Errorf("got pool capacity %d, want 4", got)
	}
	if !loaded.WarnUnsafe() {
		t.Error("warn policy lost in round trip")
	}
	if loaded.ConvertUnsafe() {
		t.Error("convert policy gained in round trip")
	}
	if got := loaded.LogPath(); got != "/var/log/bridge.log" {
		t.Errorf("got log path %q, want /var/log/bridge.log", got)
	}
}

func TestUnmarshalPartialFallsBackToDefaults(t *testing.T) {
	cfg := &structs.Config{}
	if err := goccy.Unmarshal([]byte(`{"poolCapacity": 2}`), cfg); err != nil {
		t.Fatal(err)
	}
	if got := cfg.PoolCapacity(); got != 2 {
		t.Errorf("got pool capacity %d, want 2", got)
	}
	if got := cfg.LocalBase(); got != structs.DefaultLocalBase {
		t.Errorf("got local base %#x, want the default", got)
	}
	if got := cfg.TimerFloor(); got != structs.DefaultTimerFloor {
		t.Errorf("got timer floor %v, want the default", got)
	}
	if got := cfg.SourceCacheTTL(); got != structs.DefaultSourceCacheTTL {
		t.Errorf("got source cache TTL %v, want the default", got)
	}
}
