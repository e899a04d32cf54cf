package parser

import (
	"fmt"
	"sort"
	"strconv"
)

type FlattenOptions struct {
	MaxDepth int
	MaxKeys  int
}

// FlattenJSON turns nested JSON values into dotted/indexed keys
// ("a.b", "a.c[0]"). Keys are visited in sorted order so the result is the
// same for equal inputs even when MaxKeys truncates it.
func FlattenJSON(value any, opts FlattenOptions) map[string]any {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 16
	}
	if opts.MaxKeys <= 0 {
		opts.MaxKeys = 5000
	}

	out := make(map[string]any)
	flattenInto(out, "", value, 0, opts)
	return out
}

func flattenInto(out map[string]any, prefix string, value any, depth int, opts FlattenOptions) {
	if len(out) >= opts.MaxKeys {
		return
	}
	if depth > opts.MaxDepth {
		if prefix != "" {
			out[prefix] = fmt.Sprintf("<max_depth:%d>", opts.MaxDepth)
		}
		return
	}

	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flattenInto(out, key, v[k], depth+1, opts)
			if len(out) >= opts.MaxKeys {
				return
			}
		}
	case []any:
		for i, child := range v {
			idx := strconv.Itoa(i)
			key := idx
			if prefix != "" {
				key = prefix + "[" + idx + "]"
			}
			flattenInto(out, key, child, depth+1, opts)
			if len(out) >= opts.MaxKeys {
				return
			}
		}
	default:
		if prefix == "" {
			out["value"] = v
			return
		}
		out[prefix] = v
	}
}
