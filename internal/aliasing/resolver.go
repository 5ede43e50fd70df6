package aliasing

import (
	"log/slog"
	"sort"
	"strings"
)

// maxChainDepth bounds alias chain traversal in Resolve. Chains longer than
// this only occur in a cyclic map built without NewResolver validation.
const maxChainDepth = 32

// Resolver resolves KPI identifiers using a validated alias map.
// Thread-safe for concurrent use (immutable after construction).
//
// Resolution is transitive: if "old_revenue" aliases "revenue_v2" and
// "revenue_v2" aliases "revenue", then "old_revenue" resolves to "revenue".
type Resolver struct {
	aliases map[string]string
}

// NewResolver creates a resolver from config with validation.
//
// Entries are processed in sorted key order so that validation outcomes are
// deterministic regardless of map iteration order. Rules:
//   - Keys and values are trimmed.
//   - Entries with an empty key or canonical id are skipped with a warning.
//   - Self-referential entries are skipped with a warning.
//   - Entries that would close a cycle with already-accepted entries are
//     skipped with a warning.
//
// If config is nil or has no aliases, returns a no-op resolver (passthrough).
func NewResolver(cfg *Config) *Resolver {
	if cfg == nil || len(cfg.KPIAliases) == 0 {
		return &Resolver{
			aliases: map[string]string{},
		}
	}

	keys := make([]string, 0, len(cfg.KPIAliases))
	for key := range cfg.KPIAliases {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	valid := make(map[string]string, len(keys))

	for _, rawKey := range keys {
		alias := strings.TrimSpace(rawKey)
		canonical := strings.TrimSpace(cfg.KPIAliases[rawKey])

		if alias == "" {
			slog.Warn("Skipping alias with empty key")

			continue
		}

		if canonical == "" {
			slog.Warn("Skipping alias with empty canonical id",
				slog.String("alias", alias))

			continue
		}

		if alias == canonical {
			slog.Warn("Skipping self-referential alias",
				slog.String("alias", alias))

			continue
		}

		if closesCycle(valid, alias, canonical) {
			slog.Warn("Skipping alias that would create a resolution cycle",
				slog.String("alias", alias),
				slog.String("canonical", canonical))

			continue
		}

		valid[alias] = canonical

		slog.Debug("Registered KPI alias",
			slog.String("alias", alias),
			slog.String("canonical", canonical))
	}

	return &Resolver{
		aliases: valid,
	}
}

// closesCycle reports whether adding alias → canonical to the accepted map
// would produce a resolution cycle. It follows the chain starting at
// canonical through accepted entries; reaching alias again means a cycle.
func closesCycle(accepted map[string]string, alias, canonical string) bool {
	current := canonical

	// accepted is acyclic by construction, so the walk terminates within
	// len(accepted) steps.
	for i := 0; i <= len(accepted); i++ {
		if current == alias {
			return true
		}

		next, ok := accepted[current]
		if !ok {
			return false
		}

		current = next
	}

	return true
}

// AliasCount returns the number of registered aliases.
func (r *Resolver) AliasCount() int {
	if r == nil {
		return 0
	}

	return len(r.aliases)
}

// HasAlias reports whether the given id is a registered alias key.
func (r *Resolver) HasAlias(kpiID string) bool {
	if r == nil {
		return false
	}

	_, ok := r.aliases[kpiID]

	return ok
}

// Aliases returns a copy of the registered alias map.
func (r *Resolver) Aliases() map[string]string {
	if r == nil {
		return map[string]string{}
	}

	aliases := make(map[string]string, len(r.aliases))
	for alias, canonical := range r.aliases {
		aliases[alias] = canonical
	}

	return aliases
}

// Resolve maps a KPI id to its canonical form, following alias chains.
// Unknown ids pass through unchanged. Safe on a nil receiver.
//
// Chain traversal is bounded by maxChainDepth so a hand-built cyclic map
// cannot loop forever; validated resolvers never hit the bound.
func (r *Resolver) Resolve(kpiID string) string {
	if r == nil || len(r.aliases) == 0 || kpiID == "" {
		return kpiID
	}

	current := kpiID

	for i := 0; i < maxChainDepth; i++ {
		next, ok := r.aliases[current]
		if !ok {
			return current
		}

		current = next
	}

	return current
}
