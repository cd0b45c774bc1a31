package redis

import (
	"sort"
	"strconv"

	"github.com/procflow/procflow/model"
)

// fieldString renders a flag value the way the CAS script compares it:
// booleans as "0"/"1" so guards written from Go and values written by HSET
// agree byte for byte.
func fieldString(v any) string {
	switch t := v.(type) {
	case bool:
		if t {
			return "1"
		}
		return "0"
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case model.ProcessState:
		return strconv.Itoa(int(t))
	default:
		return ""
	}
}

func atoi(s string) int {
	v, _ := strconv.Atoi(s)
	return v
}

func atoi64(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func sortInt64(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
