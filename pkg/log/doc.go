/*
Package log provides structured logging for Gantry using zerolog.

The package wraps zerolog to give every host daemon process JSON-structured
logging with component-, project-, machine-, and container-scoped child
loggers, a configurable level, and a small set of package-level helpers for
the common one-line logging calls scattered through pkg/component,
pkg/watcher, and pkg/runtime.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - zerolog.Logger instance                  │          │
	│  │  - Initialized via log.Init(cfg)             │          │
	│  │  - Safe for concurrent use                   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Config                            │          │
	│  │  - Level: debug/info/warn/error              │          │
	│  │  - JSONOutput: JSON or console (human)       │          │
	│  │  - Output: any io.Writer, default os.Stdout  │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Scoped loggers                      │          │
	│  │  - WithComponent("web")                      │          │
	│  │  - WithProject("acme")                       │          │
	│  │  - WithMachine("host-1")                     │          │
	│  │  - WithContainer("a1b2c3d4e5f6")              │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                          │          │
	│  │    "component": "web",                       │          │
	│  │    "time": "2026-07-31T10:30:00Z",           │          │
	│  │    "message": "rollover complete"            │          │
	│  │  }                                            │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  2026-07-31T10:30:00Z INF rollover complete  │          │
	│  │    component=web                             │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────────┘

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	clog := log.WithComponent("web")
	clog.Info().Str("image", fullImage).Msg("starting container")

The `gantry` CLI defaults to console output for a human operator; `gantryd`
defaults to JSON so a process supervisor can ship its stdout straight to a
log pipeline. Both share the same Config and Init entrypoint; only the
flag default differs (see cmd/gantry/main.go).
*/
package log
