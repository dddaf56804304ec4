package jsengine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cryguy/runspace/internal/core"
)

// setupFunc installs one group of host bindings on a fresh VM.
type setupFunc func(rt core.JSRuntime) error

var setupFuncs = []setupFunc{
	setupConsole,
	setupState,
	setupResponse,
	setupHostObjects,
}

func requestState(reqIDStr string) (*core.RequestState, error) {
	state := core.GetRequestState(core.ParseReqID(reqIDStr))
	if state == nil {
		return nil, fmt.Errorf("no active request")
	}
	return state, nil
}

// setupConsole registers the Go side of console.*, which captures output
// into the per-request log buffer.
func setupConsole(rt core.JSRuntime) error {
	return rt.RegisterFunc("__console", func(reqIDStr, level, message string) {
		core.AddLog(core.ParseReqID(reqIDStr), level, message)
	})
}

// setupState registers the Go functions backing the State object. Values
// cross the boundary as {"v": value} JSON envelopes.
func setupState(rt core.JSRuntime) error {
	if err := rt.RegisterFunc("__state_get", func(reqIDStr, name string) (string, error) {
		rs, err := requestState(reqIDStr)
		if err != nil {
			return "", err
		}
		v, ok := rs.State.Get(name)
		if !ok {
			return "", nil
		}
		data, err := json.Marshal(map[string]any{"v": v})
		if err != nil {
			return "", fmt.Errorf("encoding state %q: %w", name, err)
		}
		return string(data), nil
	}); err != nil {
		return fmt.Errorf("registering __state_get: %w", err)
	}

	if err := rt.RegisterFunc("__state_set", func(reqIDStr, name, envelope, scopes string) (string, error) {
		rs, err := requestState(reqIDStr)
		if err != nil {
			return "", err
		}
		var wrapped struct {
			V any `json:"v"`
		}
		if err := json.Unmarshal([]byte(envelope), &wrapped); err != nil {
			return "", fmt.Errorf("decoding state %q: %w", name, err)
		}
		var scopeList []string
		if scopes != "" {
			scopeList = strings.Split(scopes, ",")
		}
		rs.State.Set(name, wrapped.V, scopeList...)
		return "", nil
	}); err != nil {
		return fmt.Errorf("registering __state_set: %w", err)
	}

	if err := rt.RegisterFunc("__state_has", func(reqIDStr, name string) int {
		rs, err := requestState(reqIDStr)
		if err != nil {
			return 0
		}
		return boolToInt(rs.State.Has(name))
	}); err != nil {
		return fmt.Errorf("registering __state_has: %w", err)
	}

	if err := rt.RegisterFunc("__state_del", func(reqIDStr, name string) int {
		rs, err := requestState(reqIDStr)
		if err != nil {
			return 0
		}
		return boolToInt(rs.State.Delete(name))
	}); err != nil {
		return fmt.Errorf("registering __state_del: %w", err)
	}

	// Numbers cross as strings; not every VM binding converts float64.
	if err := rt.RegisterFunc("__state_incr", func(reqIDStr, name, delta string) (string, error) {
		rs, err := requestState(reqIDStr)
		if err != nil {
			return "", err
		}
		d, err := strconv.ParseFloat(delta, 64)
		if err != nil {
			return "", fmt.Errorf("increment %q: invalid delta %q", name, delta)
		}
		total, err := rs.State.Increment(name, d)
		if err != nil {
			return "", err
		}
		return strconv.FormatFloat(total, 'g', -1, 64), nil
	}); err != nil {
		return fmt.Errorf("registering __state_incr: %w", err)
	}

	if err := rt.RegisterFunc("__state_keys", func(reqIDStr string) (string, error) {
		rs, err := requestState(reqIDStr)
		if err != nil {
			return "", err
		}
		data, _ := json.Marshal(rs.State.Keys())
		return string(data), nil
	}); err != nil {
		return fmt.Errorf("registering __state_keys: %w", err)
	}
	return nil
}

// setupResponse registers the Go functions backing the Response object.
func setupResponse(rt core.JSRuntime) error {
	if err := rt.RegisterFunc("__resp_status", func(reqIDStr string, code int) (string, error) {
		rs, err := requestState(reqIDStr)
		if err != nil {
			return "", err
		}
		rs.Response.SetStatus(code)
		return "", nil
	}); err != nil {
		return fmt.Errorf("registering __resp_status: %w", err)
	}

	if err := rt.RegisterFunc("__resp_header", func(reqIDStr, name, value string, add int) (string, error) {
		rs, err := requestState(reqIDStr)
		if err != nil {
			return "", err
		}
		if add == 1 {
			rs.Response.AddHeader(name, value)
		} else {
			rs.Response.SetHeader(name, value)
		}
		return "", nil
	}); err != nil {
		return fmt.Errorf("registering __resp_header: %w", err)
	}

	if err := rt.RegisterFunc("__resp_write", func(reqIDStr, chunk string) (string, error) {
		rs, err := requestState(reqIDStr)
		if err != nil {
			return "", err
		}
		_, _ = rs.Response.WriteString(chunk)
		return "", nil
	}); err != nil {
		return fmt.Errorf("registering __resp_write: %w", err)
	}

	if err := rt.RegisterFunc("__resp_redirect", func(reqIDStr, location string, code int) (string, error) {
		rs, err := requestState(reqIDStr)
		if err != nil {
			return "", err
		}
		rs.Response.Redirect(location, code)
		return "", nil
	}); err != nil {
		return fmt.Errorf("registering __resp_redirect: %w", err)
	}
	return nil
}

// hostObjectsJS builds State, Response and console on top of the Go
// functions. It is re-run on every reset so a script that overwrote one of
// them does not leak the change to the next request.
const hostObjectsJS = `
(function() {
	function rid() { return globalThis.__requestID || ''; }
	var State = {
		get: function(name) {
			var r = __state_get(rid(), String(name));
			return r === '' ? undefined : JSON.parse(r).v;
		},
		set: function(name, value, scopes) {
			__state_set(rid(), String(name), JSON.stringify({v: value === undefined ? null : value}), (scopes || []).join(','));
			return value;
		},
		has: function(name) { return __state_has(rid(), String(name)) === 1; },
		remove: function(name) { return __state_del(rid(), String(name)) === 1; },
		increment: function(name, by) {
			return Number(__state_incr(rid(), String(name), String(by === undefined ? 1 : Number(by))));
		},
		keys: function() { return JSON.parse(__state_keys(rid())); }
	};
	var Response = {
		status: function(code) { __resp_status(rid(), code | 0); return Response; },
		header: function(name, value) { __resp_header(rid(), String(name), String(value), 0); return Response; },
		appendHeader: function(name, value) { __resp_header(rid(), String(name), String(value), 1); return Response; },
		write: function(s) { __resp_write(rid(), String(s)); return Response; },
		json: function(v, code) {
			if (code) Response.status(code);
			__resp_header(rid(), 'Content-Type', 'application/json', 0);
			__resp_write(rid(), JSON.stringify(v));
			return Response;
		},
		redirect: function(url, code) { __resp_redirect(rid(), String(url), code | 0); return Response; }
	};
	var con = {};
	['log', 'info', 'warn', 'error', 'debug'].forEach(function(lvl) {
		con[lvl] = function() {
			var parts = [];
			for (var j = 0; j < arguments.length; j++) {
				var arg = arguments[j];
				if (typeof arg === 'object' && arg !== null) {
					try { parts.push(JSON.stringify(arg)); } catch (e) { parts.push('[object Object]'); }
				} else {
					parts.push(String(arg));
				}
			}
			__console(rid(), lvl, parts.join(' '));
		};
	});
	globalThis.State = State;
	globalThis.Response = Response;
	globalThis.console = con;
})();
`

func setupHostObjects(rt core.JSRuntime) error {
	if err := rt.Eval(hostObjectsJS); err != nil {
		return err
	}
	// Everything defined so far survives resets.
	return rt.Eval(`
		globalThis.__rs_baseline = {};
		Object.getOwnPropertyNames(globalThis).forEach(function(n) { globalThis.__rs_baseline[n] = true; });
		globalThis.__rs_baseline.__rs_baseline = true;
	`)
}

// resetJS deletes every global added since setup, including the per-request
// __requestID and bound variables.
const resetJS = `
(function() {
	var keep = globalThis.__rs_baseline;
	var names = Object.getOwnPropertyNames(globalThis);
	for (var i = 0; i < names.length; i++) {
		if (!keep[names[i]]) {
			try { delete globalThis[names[i]]; } catch (e) {}
		}
	}
})();
`

// boolToInt converts a bool to 1 (true) or 0 (false) for JS interop,
// since some JS engines cannot marshal Go bool return values directly.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
