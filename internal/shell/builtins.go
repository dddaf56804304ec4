package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cryguy/runspace/internal/core"
	"mvdan.cc/sh/v3/interp"
)

// builtins is an exec handler middleware serving the runspace commands:
//
//	state get NAME | set NAME VALUE [SCOPE...] | incr NAME [DELTA] | has NAME | del NAME | keys
//	respond status CODE | header NAME VALUE | redirect URL [CODE] | write TEXT...
func (e *Engine) builtins(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(ctx context.Context, args []string) error {
		if len(args) == 0 {
			return next(ctx, args)
		}
		switch args[0] {
		case "state":
			return runBuiltin(ctx, args, stateBuiltin)
		case "respond":
			return runBuiltin(ctx, args, respondBuiltin)
		}
		return next(ctx, args)
	}
}

type builtinFunc func(rs *core.RequestState, stdout io.Writer, args []string) error

// runBuiltin resolves the request state and maps errors to exit status 1
// with the message on stderr, the way a shell builtin reports failure.
func runBuiltin(ctx context.Context, args []string, fn builtinFunc) error {
	hc := interp.HandlerCtx(ctx)
	rs := core.GetRequestState(core.ParseReqID(hc.Env.Get(RequestIDVar).String()))
	if rs == nil {
		fmt.Fprintf(hc.Stderr, "%s: no active request\n", args[0])
		return interp.NewExitStatus(1)
	}
	if err := fn(rs, hc.Stdout, args[1:]); err != nil {
		if err != errFalse {
			fmt.Fprintf(hc.Stderr, "%s: %v\n", args[0], err)
		}
		return interp.NewExitStatus(1)
	}
	return nil
}

// errFalse makes a predicate builtin exit 1 without printing anything.
var errFalse = fmt.Errorf("false")

func need(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("usage: %s", usage)
	}
	return nil
}

func stateBuiltin(rs *core.RequestState, stdout io.Writer, args []string) error {
	if err := need(args, 1, "state get|set|incr|has|del|keys"); err != nil {
		return err
	}
	switch args[0] {
	case "get":
		if err := need(args, 2, "state get NAME"); err != nil {
			return err
		}
		v, ok := rs.State.Get(args[1])
		if !ok {
			return errFalse
		}
		fmt.Fprintln(stdout, envValue(v))
	case "set":
		if err := need(args, 3, "state set NAME VALUE [SCOPE...]"); err != nil {
			return err
		}
		rs.State.Set(args[1], parseValue(args[2]), args[3:]...)
	case "incr":
		if err := need(args, 2, "state incr NAME [DELTA]"); err != nil {
			return err
		}
		delta := 1.0
		if len(args) > 2 {
			d, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return fmt.Errorf("invalid delta %q", args[2])
			}
			delta = d
		}
		n, err := rs.State.Increment(args[1], delta)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, strconv.FormatFloat(n, 'f', -1, 64))
	case "has":
		if err := need(args, 2, "state has NAME"); err != nil {
			return err
		}
		if !rs.State.Has(args[1]) {
			return errFalse
		}
	case "del":
		if err := need(args, 2, "state del NAME"); err != nil {
			return err
		}
		rs.State.Delete(args[1])
	case "keys":
		for _, k := range rs.State.Keys() {
			fmt.Fprintln(stdout, k)
		}
	default:
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
	return nil
}

// parseValue keeps numbers, booleans and JSON documents typed so that a
// value set from shell reads back the same from JavaScript.
func parseValue(s string) any {
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") || trimmed == "true" || trimmed == "false" {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return s
}

func respondBuiltin(rs *core.RequestState, _ io.Writer, args []string) error {
	if err := need(args, 1, "respond status|header|redirect|write"); err != nil {
		return err
	}
	switch args[0] {
	case "status":
		if err := need(args, 2, "respond status CODE"); err != nil {
			return err
		}
		code, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid status %q", args[1])
		}
		rs.Response.SetStatus(code)
	case "header":
		if err := need(args, 3, "respond header NAME VALUE"); err != nil {
			return err
		}
		rs.Response.SetHeader(args[1], strings.Join(args[2:], " "))
	case "redirect":
		if err := need(args, 2, "respond redirect URL [CODE]"); err != nil {
			return err
		}
		code := 0
		if len(args) > 2 {
			c, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid status %q", args[2])
			}
			code = c
		}
		rs.Response.Redirect(args[1], code)
	case "write":
		_, _ = rs.Response.WriteString(strings.Join(args[1:], " "))
	default:
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
	return nil
}
