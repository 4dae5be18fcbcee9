package domain

import "sort"

var protectedNamespaces = map[string]struct{}{
	"default":           {},
	"kube-system":       {},
	"kube-public":       {},
	"kube-node-lease":   {},
	"azure-alb-system":  {},
	"azure-system":      {},
	"gatekeeper-system": {},
	"project":           {},
}

// IsProtected reports whether namespace must never be deleted.
func IsProtected(namespace string) bool {
	_, ok := protectedNamespaces[namespace]
	return ok
}

// ProtectedNamespaces returns the protected set in sorted order.
func ProtectedNamespaces() []string {
	out := make([]string, 0, len(protectedNamespaces))
	for name := range protectedNamespaces {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
