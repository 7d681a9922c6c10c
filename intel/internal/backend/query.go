package backend

import (
	"sort"
	"strings"
)

// Search parameters compared as ranges. reporttimeend bounds reporttime.
var (
	gteParams = map[string]string{
		"confidence": "confidence",
		"firsttime":  "firsttime",
		"reporttime": "reporttime",
	}
	lteParams = map[string]string{
		"lasttime":      "lasttime",
		"reporttimeend": "reporttime",
	}
	// anyOfParams match when any listed value matches; other lists must
	// match every value.
	anyOfParams = map[string]bool{
		"group": true,
		"tags":  true,
	}
)

// BuildQuery translates search parameters into an OpenSearch query body.
// Values prefixed with "!" are excluded instead of required.
func BuildQuery(params map[string][]string) map[string]any {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	filter := []any{}
	mustNot := []any{}
	for _, key := range keys {
		if field, ok := gteParams[key]; ok {
			for _, v := range params[key] {
				filter = append(filter, rangeClause(field, "gte", v))
			}
			continue
		}
		if field, ok := lteParams[key]; ok {
			for _, v := range params[key] {
				filter = append(filter, rangeClause(field, "lte", v))
			}
			continue
		}

		include, exclude := splitNegated(params[key])
		for _, v := range exclude {
			mustNot = append(mustNot, termClause(key, v))
		}
		switch {
		case len(include) == 0:
		case anyOfParams[key]:
			filter = append(filter, map[string]any{"terms": map[string]any{key: include}})
		default:
			for _, v := range include {
				filter = append(filter, termClause(key, v))
			}
		}
	}

	boolQuery := map[string]any{"filter": filter}
	if len(mustNot) > 0 {
		boolQuery["must_not"] = mustNot
	}
	return map[string]any{
		"query": map[string]any{"bool": boolQuery},
		"sort":  []any{map[string]any{"@timestamp": map[string]any{"order": "desc"}}},
	}
}

func rangeClause(field, op, value string) map[string]any {
	return map[string]any{"range": map[string]any{field: map[string]any{op: value}}}
}

func termClause(field, value string) map[string]any {
	return map[string]any{"term": map[string]any{field: value}}
}

func splitNegated(values []string) (include, exclude []string) {
	for _, v := range values {
		if strings.HasPrefix(v, "!") {
			exclude = append(exclude, v[1:])
		} else {
			include = append(include, v)
		}
	}
	return include, exclude
}
