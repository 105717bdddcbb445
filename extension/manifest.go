package extension

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ManifestPrefixes are the three well-known resource directories searched
// for extension manifests, in load order.
var ManifestPrefixes = []string{
	"resources/internal",
	"resources/vendor",
	"resources/services",
}

// LoadManifests discovers extension manifests under root. For every
// declared point, the file named by the point key is opened under each
// prefix. Each entry binds an extension name to the identifier of a
// pre-registered factory:
//
//	# comment
//	failover = cluster.FailoverCluster
//	cluster.BroadcastCluster
//
// A bare identifier derives its name from the identifier's base segment
// with the capability type-name suffix stripped and lowercased. Binding
// one name to two different identifiers fails with ErrDuplicateExtension.
func (r *Registry) LoadManifests(root string) error {
	r.mu.Lock()
	points := make([]*point, 0, len(r.pointsByKey))
	for _, p := range r.pointsByKey {
		points = append(points, p)
	}
	r.mu.Unlock()

	for _, p := range points {
		for _, prefix := range ManifestPrefixes {
			path := filepath.Join(root, prefix, p.key)
			if err := r.loadManifestFile(p, path); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) loadManifestFile(p *point, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open manifest %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		name, id := "", line
		if eq := strings.Index(line, "="); eq >= 0 {
			name = strings.TrimSpace(line[:eq])
			id = strings.TrimSpace(line[eq+1:])
		}
		if id == "" {
			return fmt.Errorf("manifest %s line %d: empty identifier", path, lineNo)
		}
		if name == "" {
			name = deriveName(id, p.typ.Name())
		}

		r.mu.Lock()
		rec, ok := r.identifiers[id]
		r.mu.Unlock()
		if !ok {
			return fmt.Errorf("manifest %s line %d: unknown identifier %q", path, lineNo, id)
		}
		if rec.point != p {
			return fmt.Errorf("manifest %s line %d: identifier %q belongs to point %q, not %q",
				path, lineNo, id, rec.point.key, p.key)
		}
		if err := p.addNamed(name, rec); err != nil {
			return fmt.Errorf("manifest %s line %d: %w", path, lineNo, err)
		}
	}
	return sc.Err()
}

// deriveName turns an identifier like "cluster.FailoverCluster" into
// "failover" for a capability type named "Cluster".
func deriveName(id, typeName string) string {
	base := id
	if i := strings.LastIndexAny(base, "./"); i >= 0 {
		base = base[i+1:]
	}
	base = strings.TrimSuffix(base, typeName)
	return strings.ToLower(base)
}
