package stack

import (
	"regexp"
	"strings"

	"github.com/botgate/botgate/pkg/engine"
)

var (
	// "The following resource(s) failed to delete: [Cluster, Role]."
	bracketListPattern = regexp.MustCompile(`(?i)failed to delete:?\s*\[([^\]]*)\]`)
	// "resource Cluster failed to delete" / "Resource Cluster failed to delete because ..."
	singleResourcePattern = regexp.MustCompile(`(?i)\bresource\s+['"]?([A-Za-z0-9_.:/-]+)['"]?\s+failed to delete`)
)

// StuckResources extracts the logical ids of resources that blocked a delete.
// It reads the stack status reason first, then DELETE_FAILED resource events.
// The result is deduplicated and keeps first-seen order.
func StuckResources(stackName, reason string, events []Event) []string {
	var ids []string
	seen := make(map[string]bool)
	add := func(id string) {
		id = strings.Trim(strings.TrimSpace(id), `'"`)
		if id == "" || id == stackName || seen[id] {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}

	for _, m := range bracketListPattern.FindAllStringSubmatch(reason, -1) {
		for _, id := range strings.Split(m[1], ",") {
			add(id)
		}
	}
	for _, m := range singleResourcePattern.FindAllStringSubmatch(reason, -1) {
		add(m[1])
	}
	for _, ev := range events {
		if ev.Status == string(engine.StackStatusDeleteFailed) {
			add(ev.LogicalResourceID)
		}
	}
	return ids
}
