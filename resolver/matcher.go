package resolver

import "strings"

const segmentSeparator = "-"

// isPattern reports whether term uses segment wildcards.
func isPattern(term string) bool {
	return strings.ContainsAny(term, "*#")
}

// matchSegments matches a service name against a pattern split on "-".
// "*" consumes exactly one segment, "#" consumes any number including none.
//
//	api-*      matches api-gateway, not api or api-v1-edge
//	#-worker   matches worker, mail-worker and mail-bulk-worker
func matchSegments(pattern, name string) bool {
	if pattern == name {
		return true
	}
	pp := strings.Split(pattern, segmentSeparator)
	np := strings.Split(name, segmentSeparator)

	prev := make([]bool, len(np)+1)
	cur := make([]bool, len(np)+1)
	prev[0] = true

	for i := 1; i <= len(pp); i++ {
		part := pp[i-1]
		cur[0] = part == "#" && prev[0]
		for j := 1; j <= len(np); j++ {
			switch part {
			case "#":
				cur[j] = prev[j] || cur[j-1]
			case "*":
				cur[j] = prev[j-1]
			default:
				cur[j] = prev[j-1] && part == np[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(np)]
}
