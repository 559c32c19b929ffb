// Package sym defines canonical symbols for grimoire subsystems.
// These symbols are stable across logs, CLI output, and documentation;
// they let an operator scan a mixed log stream by shape instead of
// reading component names.
package sym

// Resolution pipeline symbols.
const (
	Resolve  = "✶" // resolver — a resolution request entering the chain
	Route    = "⟶" // route table — pattern match and path selection
	Fetch    = "⇣" // remote fetch — contents API traffic
	Cache    = "⊞" // cache — memory/persistent tier activity
	Guard    = "⊘" // validator — content rejected or flagged
	Fallback = "↯" // fallback chain — a level was skipped
	Refresh  = "꩜" // background revalidation workers
)

// Infrastructure symbols.
const (
	Guild  = "⌬" // guild registry — per-tenant repository config
	DB     = "⊔" // database/storage layer
	Server = "⊨" // admin HTTP/websocket surface
	Config = "≡" // configuration load/reload
)
