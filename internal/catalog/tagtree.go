package catalog

import (
	"sort"
	"strings"
)

// BuildTagTree nests a flat tag list by parent id. Tags whose parent is not in
// the list become roots.
func BuildTagTree(tags []Tag) []*TagNode {
	nodes := make(map[int64]*TagNode, len(tags))
	for _, t := range tags {
		nodes[t.ID] = &TagNode{Tag: t, Children: []*TagNode{}}
	}
	roots := []*TagNode{}
	for _, t := range tags {
		n := nodes[t.ID]
		if t.ParentID != nil {
			if p, ok := nodes[*t.ParentID]; ok && p != n {
				p.Children = append(p.Children, n)
				continue
			}
		}
		roots = append(roots, n)
	}
	sortNodes(roots)
	return roots
}

func sortNodes(nodes []*TagNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return strings.ToLower(nodes[i].Name) < strings.ToLower(nodes[j].Name)
	})
	for _, n := range nodes {
		sortNodes(n.Children)
	}
}
