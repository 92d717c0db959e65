package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"envmon/internal/store"
	"envmon/internal/telemetry"
)

const ruleTimeout = time.Second

// Rule is a user script defining check(reading, config). A string result
// is appended to the alert message; nil means nothing to report.
//
//	function check(r, cfg)
//	  if r.dew_point > 24 then return "muggy: dew point " .. r.dew_point end
//	end
type Rule struct {
	mu     sync.Mutex
	state  *lua.LState
	check  *lua.LFunction
	logger *slog.Logger
}

// LoadRule reads and compiles a rule script from path.
func LoadRule(path string, logger *slog.Logger) (*Rule, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule: %w", err)
	}
	return NewRule(string(src), logger)
}

// NewRule compiles a rule script in a sandboxed VM.
func NewRule(source string, logger *slog.Logger) (*Rule, error) {
	L := lua.NewState()

	// Sandbox
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)

	r := &Rule{state: L, logger: logger.With("component", "rule")}
	r.registerSystemModule()

	ctx, cancel := context.WithTimeout(context.Background(), ruleTimeout)
	defer cancel()
	L.SetContext(ctx)
	err := L.DoString(source)
	L.RemoveContext()
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("compile rule: %w", err)
	}

	fn, ok := L.GetGlobal("check").(*lua.LFunction)
	if !ok {
		L.Close()
		return nil, fmt.Errorf("compile rule: script must define function check(reading, config)")
	}
	r.check = fn
	return r, nil
}

// Check runs the rule against one reading.
func (r *Rule) Check(ctx context.Context, reading store.Reading, cfg store.AlertConfig) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, ruleTimeout)
	defer cancel()
	L := r.state
	L.SetContext(ctx)
	defer L.RemoveContext()

	err := L.CallByParam(lua.P{
		Fn:      r.check,
		NRet:    1,
		Protect: true,
	}, readingTable(L, reading), configTable(L, cfg))
	if err != nil {
		return "", fmt.Errorf("rule check: %w", err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	switch v := ret.(type) {
	case lua.LString:
		return string(v), nil
	case *lua.LNilType:
		return "", nil
	case lua.LBool:
		if !bool(v) {
			return "", nil
		}
	}
	return "", fmt.Errorf("rule check: check must return a string or nil, got %s", ret.Type())
}

// Close releases the VM.
func (r *Rule) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Close()
}

func readingTable(L *lua.LState, rd store.Reading) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("temperatura", lua.LNumber(rd.Temperature))
	t.RawSetString("umidade", lua.LNumber(rd.Humidity))
	t.RawSetString("timestamp", lua.LString(rd.Timestamp))
	t.RawSetString("latency", lua.LNumber(rd.LatencyMs))
	t.RawSetString("dew_point", lua.LNumber(telemetry.DewPoint(rd)))
	return t
}

func configTable(L *lua.LState, cfg store.AlertConfig) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("tempMax", lua.LNumber(cfg.TempMax))
	t.RawSetString("humMin", lua.LNumber(cfg.HumMin))
	t.RawSetString("isActive", lua.LBool(cfg.IsActive))
	t.RawSetString("chatId", lua.LString(cfg.ChatID))
	return t
}

// registerSystemModule exposes system.log, system.hour and
// system.time_between to rule scripts.
func (r *Rule) registerSystemModule() {
	L := r.state
	mod := L.NewTable()
	mod.RawSetString("log", L.NewFunction(r.systemLog))
	mod.RawSetString("hour", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(time.Now().Hour()))
		return 1
	}))
	mod.RawSetString("time_between", L.NewFunction(systemTimeBetween))
	L.SetGlobal("system", mod)
}

// system.log(level, msg)
func (r *Rule) systemLog(L *lua.LState) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)

	switch level {
	case "debug":
		r.logger.Debug("rule log", "msg", msg)
	case "warn":
		r.logger.Warn("rule log", "msg", msg)
	case "error":
		r.logger.Error("rule log", "msg", msg)
	default:
		r.logger.Info("rule log", "msg", msg)
	}
	return 0
}

// system.time_between(from_hour, to_hour) handles ranges across midnight.
func systemTimeBetween(L *lua.LState) int {
	from := L.CheckInt(1)
	to := L.CheckInt(2)
	L.Push(lua.LBool(hourBetween(time.Now().Hour(), from, to)))
	return 1
}

func hourBetween(hour, from, to int) bool {
	if from <= to {
		return hour >= from && hour < to
	}
	return hour >= from || hour < to
}
