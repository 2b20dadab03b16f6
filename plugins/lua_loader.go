package plugins

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/kingrea/pype/internal/publish"
)

// LuaLoader loads *.lua plugins into a sandboxed gopher-lua state. The chunk
// returns a descriptor table, or a list of them, each with a process(data)
// function. process may return false plus a message to fail validation, or
// raise error() for a hard failure.
type LuaLoader struct{}

// Name implements registry.Loader.
func (LuaLoader) Name() string { return "lua" }

// Accepts implements registry.Loader.
func (LuaLoader) Accepts(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".lua")
}

// Load implements registry.Loader.
func (LuaLoader) Load(path string) ([]publish.Plugin, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plugin: read %s: %w", path, err)
	}
	L := newSandboxState()
	fn, err := L.LoadString(string(code))
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("plugin: compile %s: %w", path, err)
	}
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		L.Close()
		return nil, fmt.Errorf("plugin: run %s: %w", path, err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	table, ok := ret.(*lua.LTable)
	if !ok {
		L.Close()
		return nil, fmt.Errorf("plugin: %s must return a table, got %s", path, ret.Type())
	}
	var tables []*lua.LTable
	if table.RawGetString("name") == lua.LNil && table.Len() > 0 {
		for idx := 1; idx <= table.Len(); idx++ {
			entry, ok := table.RawGetInt(idx).(*lua.LTable)
			if !ok {
				L.Close()
				return nil, fmt.Errorf("plugin: %s: entry %d is not a table", path, idx)
			}
			tables = append(tables, entry)
		}
	} else {
		tables = []*lua.LTable{table}
	}

	// gopher-lua states are single threaded; every plugin of the file shares L.
	lock := &sync.Mutex{}
	plugins := make([]publish.Plugin, 0, len(tables))
	for idx, entry := range tables {
		process, ok := entry.RawGetString("process").(*lua.LFunction)
		if !ok {
			L.Close()
			return nil, fmt.Errorf("plugin: %s plugins[%d]: process must be a function", path, idx)
		}
		descriptor, _ := luaToGo(entry).(map[string]any)
		delete(descriptor, "process")
		def, err := DefinitionFromMap(descriptor)
		if err != nil {
			L.Close()
			return nil, fmt.Errorf("plugin: %s plugins[%d]: %w", path, idx, err)
		}
		if len(def.Rules) > 0 {
			L.Close()
			return nil, fmt.Errorf("plugin: %s plugins[%d]: rules are only supported in YAML plugins", path, idx)
		}
		plugins = append(plugins, &scriptPlugin{
			spec: def.Spec(),
			call: func(data map[string]any) error {
				lock.Lock()
				defer lock.Unlock()
				return callLuaProcess(L, process, data)
			},
		})
	}
	return plugins, nil
}

// newSandboxState opens only the base, table, string and math libraries and
// strips the base functions that read files or compile code.
func newSandboxState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

func callLuaProcess(L *lua.LState, fn *lua.LFunction, data map[string]any) error {
	table := goToLua(L, data).(*lua.LTable)
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 2, Protect: true}, table); err != nil {
		return fmt.Errorf("lua: %w", err)
	}
	message := L.Get(-1)
	ok := L.Get(-2)
	L.Pop(2)

	// Copy the table back so the caller sees the script's writes.
	if updated, isMap := luaToGo(table).(map[string]any); isMap {
		for key := range data {
			if _, present := updated[key]; !present {
				delete(data, key)
			}
		}
		for key, value := range updated {
			data[key] = value
		}
	}
	if ok == lua.LFalse {
		msg := "lua plugin reported failure"
		if str, isStr := message.(lua.LString); isStr && str != "" {
			msg = string(str)
		}
		return errInvalid{msg: msg}
	}
	return nil
}

func luaToGo(value lua.LValue) any {
	return luaToGoVisited(value, map[*lua.LTable]bool{})
}

func luaToGoVisited(value lua.LValue, visited map[*lua.LTable]bool) any {
	switch v := value.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if visited[v] {
			return nil
		}
		visited[v] = true
		defer delete(visited, v)
		return tableToGo(v, visited)
	default:
		return nil
	}
}

func tableToGo(t *lua.LTable, visited map[*lua.LTable]bool) any {
	isArray := true
	maxN := 0
	count := 0
	t.ForEach(func(k, _ lua.LValue) {
		count++
		if kn, ok := k.(lua.LNumber); ok {
			if n := int(kn); float64(n) == float64(kn) && n > 0 {
				if n > maxN {
					maxN = n
				}
				return
			}
		}
		isArray = false
	})
	if isArray && maxN > 0 && count == maxN {
		arr := make([]any, maxN)
		for idx := 1; idx <= maxN; idx++ {
			arr[idx-1] = luaToGoVisited(t.RawGetInt(idx), visited)
		}
		return arr
	}
	out := make(map[string]any)
	t.ForEach(func(k, v lua.LValue) {
		if _, isFn := v.(*lua.LFunction); isFn {
			return
		}
		var key string
		switch kv := k.(type) {
		case lua.LString:
			key = string(kv)
		default:
			key = k.String()
		}
		out[key] = luaToGoVisited(v, visited)
	})
	return out
}

func goToLua(L *lua.LState, value any) lua.LValue {
	switch v := value.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(v)
	case int:
		return lua.LNumber(v)
	case int32:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case float32:
		return lua.LNumber(v)
	case float64:
		return lua.LNumber(v)
	case string:
		return lua.LString(v)
	case []string:
		t := L.NewTable()
		for idx, item := range v {
			t.RawSetInt(idx+1, lua.LString(item))
		}
		return t
	case []any:
		t := L.NewTable()
		for idx, item := range v {
			t.RawSetInt(idx+1, goToLua(L, item))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for key, item := range v {
			t.RawSetString(key, goToLua(L, item))
		}
		return t
	case map[string]string:
		t := L.NewTable()
		for key, item := range v {
			t.RawSetString(key, lua.LString(item))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(v))
	}
}
