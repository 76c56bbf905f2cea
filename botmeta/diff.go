package botmeta

// ChangeSummary compares two uploaded trees file by file. A file counts as
// modified when its Telegram file id or size changed under the same path.
type ChangeSummary struct {
	Added     int `json:"added"`
	Removed   int `json:"removed"`
	Modified  int `json:"modified"`
	Unchanged int `json:"unchanged"`
}

// Total returns the number of files considered by the comparison.
func (s ChangeSummary) Total() int {
	return s.Added + s.Removed + s.Modified + s.Unchanged
}

// ChangePercent returns the share of changed files in percent, 0..100.
func (s ChangeSummary) ChangePercent() float64 {
	total := s.Total()
	if total == 0 {
		return 0
	}
	changed := s.Added + s.Removed + s.Modified
	return float64(changed) / float64(total) * 100
}

// Compare summarizes the differences between the previous and next trees.
func Compare(prev, next *FolderNode) ChangeSummary {
	prevFiles := flatten(prev)
	nextFiles := flatten(next)

	var sum ChangeSummary
	for path, nf := range nextFiles {
		pf, ok := prevFiles[path]
		switch {
		case !ok:
			sum.Added++
		case pf.FileID != nf.FileID || pf.Size != nf.Size:
			sum.Modified++
		default:
			sum.Unchanged++
		}
	}
	for path := range prevFiles {
		if _, ok := nextFiles[path]; !ok {
			sum.Removed++
		}
	}
	return sum
}

func flatten(root *FolderNode) map[string]FileEntry {
	out := make(map[string]FileEntry)
	if root == nil {
		return out
	}
	var walk func(n *FolderNode, prefix string)
	walk = func(n *FolderNode, prefix string) {
		for _, f := range n.Files {
			out[prefix+f.Name] = f
		}
		for _, child := range n.Folders {
			walk(child, prefix+child.Name+"/")
		}
	}
	walk(root, "")
	return out
}
