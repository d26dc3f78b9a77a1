package remoterules

const settingsKey = "remote_rules"

// Merge combines the local config map with a remote config. Maps merge
// recursively; lists and scalars are replaced as a whole. The local
// remote_rules section is always kept so a remote ruleset cannot change its
// own source or verification.
func Merge(local, remote map[string]any, strategy string) map[string]any {
	if remote == nil {
		return cloneMap(local)
	}
	var merged map[string]any
	if strategy == MergeLocalWins {
		merged = replaceRecursive(remote, local)
	} else {
		merged = replaceRecursive(local, remote)
	}
	if rr, ok := local[settingsKey]; ok {
		merged[settingsKey] = cloneValue(rr)
	} else {
		delete(merged, settingsKey)
	}
	return merged
}

func replaceRecursive(base, over map[string]any) map[string]any {
	out := cloneMap(base)
	for k, v := range over {
		om, overIsMap := asMap(v)
		bm, baseIsMap := asMap(out[k])
		if overIsMap && baseIsMap {
			out[k] = replaceRecursive(bm, om)
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

// asMap accepts both JSON maps and the map[string]any form produced by yaml.
func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, item := range t {
			if ks, ok := k.(string); ok {
				m[ks] = item
			}
		}
		return m, true
	}
	return nil, false
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	if m, ok := asMap(v); ok {
		return cloneMap(m)
	}
	if l, ok := v.([]any); ok {
		out := make([]any, len(l))
		for i, item := range l {
			out[i] = cloneValue(item)
		}
		return out
	}
	return v
}
