package runspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/cryguy/runspace/internal/compress"
	"github.com/cryguy/runspace/internal/core"
)

type scriptKey struct{}

// withScript records the script a route will run so the middleware binds
// the engine for its language.
func withScript(ctx context.Context, src core.Source) context.Context {
	return context.WithValue(ctx, scriptKey{}, src)
}

func scriptFrom(ctx context.Context) (core.Source, bool) {
	src, ok := ctx.Value(scriptKey{}).(core.Source)
	return src, ok
}

// ScriptHandler runs src on the runspace the middleware bound to the
// request and writes the script's response. Path wildcards are passed to
// the script as arguments.
func (h *Host) ScriptHandler(src core.Source) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ec := ExecutionContextFrom(r.Context())
		if ec == nil {
			h.log.Error("script route reached without a bound runspace", "script", src.Name, "path", r.URL.Path)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if args := pathArgs(r); len(args) > 0 {
			ec.SetArgs(args)
		}

		out, err := h.Run(ec, src)
		if err != nil {
			h.scriptFailed(w, r, ec, src, err)
			return
		}
		writeResponse(w, r, ec.Response, out)
	})
}

func (h *Host) scriptFailed(w http.ResponseWriter, r *http.Request, ec *ExecutionContext, src core.Source, err error) {
	var cerr *core.CompilationError
	var rerr *core.RuntimeError
	switch {
	case errors.Is(err, core.ErrOperationCanceled):
		h.log.Info("request aborted", "request", ec.ID, "script", src.Name)
		return
	case errors.As(err, &cerr):
		h.log.Error("script does not compile", "script", src.Name, "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	case errors.As(err, &rerr):
		h.log.Warn("script failed", "script", src.Name, "request", ec.ID, "err", rerr.Err)
		http.Error(w, rerr.Error(), http.StatusInternalServerError)
	default:
		h.log.Error("running script", "script", src.Name, "request", ec.ID, "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

// pathArgs collects the wildcard values of the matched pattern.
func pathArgs(r *http.Request) map[string]any {
	if r.Pattern == "" {
		return nil
	}
	args := make(map[string]any)
	for _, seg := range strings.Split(r.Pattern, "/") {
		if !strings.HasPrefix(seg, "{") || !strings.HasSuffix(seg, "}") {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(seg, "{"), "}")
		name = strings.TrimSuffix(name, "...")
		if name == "$" || name == "" {
			continue
		}
		args[name] = r.PathValue(name)
	}
	return args
}

// writeResponse flushes resp to w once. When the script buffered no body its
// output is written instead: strings as text, everything else as JSON.
func writeResponse(w http.ResponseWriter, r *http.Request, resp *core.Response, out any) {
	if !resp.Commit() {
		return
	}
	header := resp.Header()
	body := resp.Body()
	if len(body) == 0 && out != nil {
		switch v := out.(type) {
		case string:
			body = []byte(v)
			if header.Get("Content-Type") == "" {
				header.Set("Content-Type", "text/plain; charset=utf-8")
			}
		case []byte:
			body = v
		default:
			data, err := json.Marshal(v)
			if err != nil {
				http.Error(w, fmt.Sprintf("encoding script output: %v", err), http.StatusInternalServerError)
				return
			}
			body = data
			if header.Get("Content-Type") == "" {
				header.Set("Content-Type", "application/json")
			}
		}
	}

	dst := w.Header()
	for name, values := range header {
		dst[name] = values
	}
	if len(body) >= compress.MinSize && dst.Get("Content-Encoding") == "" {
		if coding := compress.Negotiate(r.Header.Get("Accept-Encoding")); coding != "" {
			if encoded, err := compress.Encode(coding, body); err == nil {
				body = encoded
				dst.Set("Content-Encoding", coding)
				dst.Add("Vary", "Accept-Encoding")
			}
		}
	}
	dst.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(resp.Status())
	if r.Method != http.MethodHead {
		w.Write(body)
	}
}

// Router mounts script routes behind the host middleware.
type Router struct {
	host *Host
	mux  *http.ServeMux
	wrap Middleware
}

// NewRouter returns a router whose every route runs through mws (outermost
// first) and then the runspace middleware.
func (h *Host) NewRouter(mws ...Middleware) *Router {
	return &Router{host: h, mux: http.NewServeMux(), wrap: Chain(mws...)}
}

// Script mounts src at pattern, a net/http ServeMux pattern such as
// "GET /items/{id}".
func (rt *Router) Script(pattern string, src core.Source) {
	if src.Name == "" {
		src.Name = pattern
	}
	handler := rt.host.Middleware()(rt.host.ScriptHandler(src))
	rt.mux.Handle(pattern, rt.wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r.WithContext(withScript(r.Context(), src)))
	})))
}

// Handle mounts a plain handler behind the runspace middleware, so it can
// use RunspaceFrom and ExecutionContextFrom.
func (rt *Router) Handle(pattern string, handler http.Handler) {
	rt.mux.Handle(pattern, rt.wrap(rt.host.Middleware()(handler)))
}

// HandleRaw mounts handler without a runspace.
func (rt *Router) HandleRaw(pattern string, handler http.Handler) {
	rt.mux.Handle(pattern, rt.wrap(handler))
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.mux.ServeHTTP(w, r)
}
