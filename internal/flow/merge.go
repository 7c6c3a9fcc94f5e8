package flow

// DeepMerge merges src into dst and returns dst. Nested maps are merged
// recursively; any other value in src, arrays included, replaces the value
// under the same key in dst. dst may be nil.
func DeepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for key, val := range src {
		srcMap, srcIsMap := val.(map[string]any)
		if srcIsMap {
			if dstMap, dstIsMap := dst[key].(map[string]any); dstIsMap {
				dst[key] = DeepMerge(dstMap, srcMap)
				continue
			}
			dst[key] = DeepMerge(make(map[string]any, len(srcMap)), srcMap)
			continue
		}
		dst[key] = val
	}
	return dst
}
