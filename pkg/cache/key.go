package cache

import (
	"sort"
	"strings"
)

// Key builds deterministic cache keys for downstream calls. Parameters
// are sorted so logically identical requests always map to the same key
// and remain invalidatable with glob patterns like "discord:guilds/*".
type Key struct {
	// Target is the logical downstream service (discord, exchange).
	Target string

	// Endpoint identifies the resource, e.g. "guilds/123/channels".
	Endpoint string

	// Params are query or lookup parameters distinguishing variants of
	// the same endpoint.
	Params map[string]string
}

// String renders the key as "target:endpoint?k1=v1&k2=v2" with sorted
// parameter names.
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(k.Target)
	b.WriteByte(':')
	b.WriteString(k.Endpoint)

	if len(k.Params) > 0 {
		names := make([]string, 0, len(k.Params))
		for name := range k.Params {
			names = append(names, name)
		}
		sort.Strings(names)

		b.WriteByte('?')
		for i, name := range names {
			if i > 0 {
				b.WriteByte('&')
			}
			b.WriteString(name)
			b.WriteByte('=')
			b.WriteString(k.Params[name])
		}
	}
	return b.String()
}
