package allocator

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// portDecl is one internal port declared by a service, in manifest order.
type portDecl struct {
	service  string
	internal int
}

// declaredPorts walks the manifest's services in sorted name order and
// returns every declared internal port. The order matches rewriteManifest's
// walk so mapped host ports line up one-to-one.
func declaredPorts(doc map[string]any) ([]portDecl, error) {
	services, err := servicesSection(doc)
	if err != nil {
		return nil, err
	}

	var decls []portDecl
	for _, name := range sortedKeys(services) {
		svc, ok := services[name].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("service %q is not a mapping", name)
		}
		ports, ok := svc["ports"].([]any)
		if !ok {
			continue
		}
		for _, entry := range ports {
			internal, _, err := parsePortEntry(entry)
			if err != nil {
				return nil, fmt.Errorf("service %q: %w", name, err)
			}
			decls = append(decls, portDecl{service: name, internal: internal})
		}
	}
	return decls, nil
}

// rewriteManifest produces a copy of doc with the suffix applied to service
// names, container names, and the topology network, and with host-side
// ports replaced by the leased mappings. Each service keeps its original
// name as a network alias so intra-topology DNS resolution is unaffected by
// the renaming. Fields unrelated to naming, ports, and networks pass
// through untouched.
func rewriteManifest(doc map[string]any, suffix, networkPrefix, networkName string, mappings []PortMapping) (map[string]any, error) {
	services, err := servicesSection(doc)
	if err != nil {
		return nil, err
	}

	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}

	next := 0 // cursor into mappings, same walk order as declaredPorts
	newServices := make(map[string]any, len(services))
	for _, name := range sortedKeys(services) {
		svc, ok := services[name].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("service %q is not a mapping", name)
		}
		newSvc := make(map[string]any, len(svc))
		for k, v := range svc {
			newSvc[k] = v
		}

		if cn, ok := newSvc["container_name"].(string); ok {
			newSvc["container_name"] = cn + "-" + suffix
		}

		if ports, ok := newSvc["ports"].([]any); ok {
			rewrittenPorts := make([]any, len(ports))
			for i, entry := range ports {
				internal, _, err := parsePortEntry(entry)
				if err != nil {
					return nil, fmt.Errorf("service %q: %w", name, err)
				}
				if next >= len(mappings) || mappings[next].Internal != internal || mappings[next].Service != name {
					return nil, fmt.Errorf("service %q: port mappings out of step with manifest", name)
				}
				rewrittenPorts[i] = fmt.Sprintf("%d:%d", mappings[next].Host, internal)
				next++
			}
			newSvc["ports"] = rewrittenPorts
		}

		newSvc["networks"] = rewriteServiceNetworks(newSvc["networks"], name, networkPrefix, networkName)
		newServices[name+"-"+suffix] = newSvc
	}
	if next != len(mappings) {
		return nil, fmt.Errorf("port mappings out of step with manifest: %d unused", len(mappings)-next)
	}
	out["services"] = newServices

	// The topology network is created by this allocation, never external.
	out["networks"] = map[string]any{
		networkName: map[string]any{
			"driver": "bridge",
			"name":   networkName,
		},
	}
	return out, nil
}

// rewriteServiceNetworks renames memberships of the shared challenge
// network, keeps memberships of other networks, and guarantees the service
// is reachable by its original name via an alias. Handles both the list
// form and the per-network mapping form.
func rewriteServiceNetworks(raw any, serviceName, networkPrefix, networkName string) map[string]any {
	result := map[string]any{}
	switch networks := raw.(type) {
	case []any:
		for _, n := range networks {
			name, ok := n.(string)
			if !ok {
				continue
			}
			if name == networkPrefix {
				name = networkName
			}
			result[name] = map[string]any{}
		}
	case map[string]any:
		for name, settings := range networks {
			if name == networkPrefix {
				name = networkName
			}
			m, ok := settings.(map[string]any)
			if !ok || m == nil {
				m = map[string]any{}
			}
			result[name] = m
		}
	}

	member, ok := result[networkName].(map[string]any)
	if !ok {
		member = map[string]any{}
	}
	aliases, _ := member["aliases"].([]any)
	found := false
	for _, a := range aliases {
		if a == serviceName {
			found = true
			break
		}
	}
	if !found {
		aliases = append(aliases, serviceName)
	}
	member["aliases"] = aliases
	result[networkName] = member
	return result
}

// parsePortEntry accepts the integer form (8000) and the string form
// ("10001:8000", optionally with a protocol suffix) and returns the
// internal port and declared host port (0 when none).
func parsePortEntry(entry any) (internal, host int, err error) {
	switch v := entry.(type) {
	case int:
		return v, 0, nil
	case string:
		spec := v
		if i := strings.IndexByte(spec, '/'); i >= 0 {
			spec = spec[:i]
		}
		parts := strings.Split(spec, ":")
		switch len(parts) {
		case 1:
			internal, err = strconv.Atoi(parts[0])
			if err != nil {
				return 0, 0, fmt.Errorf("invalid port entry %q", v)
			}
			return internal, 0, nil
		case 2:
			host, err = strconv.Atoi(parts[0])
			if err != nil {
				return 0, 0, fmt.Errorf("invalid port entry %q", v)
			}
			internal, err = strconv.Atoi(parts[1])
			if err != nil {
				return 0, 0, fmt.Errorf("invalid port entry %q", v)
			}
			return internal, host, nil
		default:
			return 0, 0, fmt.Errorf("unsupported port entry %q", v)
		}
	default:
		return 0, 0, fmt.Errorf("unsupported port entry type %T", entry)
	}
}

func servicesSection(doc map[string]any) (map[string]any, error) {
	services, ok := doc["services"].(map[string]any)
	if !ok || len(services) == 0 {
		return nil, fmt.Errorf("manifest declares no services")
	}
	return services, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
