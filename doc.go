// Package pyhost runs untrusted Python inside isolates: CPython compiled to
// WebAssembly, driven by a controller that talks to the host over a framed
// message channel.
//
// # Overview
//
// A [proxy.Proxy] owns one isolate at a time. Calls are multiplexed over a
// single channel by correlation id. A run that exceeds its timeout tears the
// isolate down and a fresh one replaces it before the call returns. Files
// written under /sandbox are persisted to the first storage backend that
// survives a write/read/delete round trip.
//
// # Basic Usage
//
//	lang := python.New(python.WithModulePath("python.wasm"))
//	defer lang.Close()
//
//	p, _ := proxy.New(ctx, isolate.NewInProcess(isolate.Config{
//	    Language: lang, // no Storage candidates: files persist in memory
//	}))
//	defer p.Destroy(ctx)
//
//	p.Run(ctx, `x = 42`)
//	res := p.Run(ctx, `x * 2`, proxy.WithTimeout(5*time.Second))
//	fmt.Println(res.Stdout) // 84
//
// # Streaming
//
//	p.Run(ctx, code, proxy.WithOutput(func(line string) {
//	    fmt.Print(line)
//	}))
//
// See the [proxy], [isolate], [storage] and [language/python] packages for
// detailed API documentation, and cmd/pyhost for the CLI and HTTP server.
package pyhost
