// Package nav computes menu pages over an uploaded folder tree. It is pure:
// Advance maps a tree, a cursor, and an action to the next cursor and a
// render description, and never touches Telegram or the store.
package nav

import (
	"strings"

	"github.com/botshelf/botshelf/botmeta"
)

// PageSize is the number of items shown per menu page.
const PageSize = 30

// Cursor is a user's position inside a bot's tree: the folder path from the
// root plus the index of the first visible item on the current page.
type Cursor struct {
	Path   []string `json:"path,omitempty"`
	Offset int      `json:"offset"`
}

// Root returns the cursor pointing at the first page of the root folder.
func Root() Cursor {
	return Cursor{}
}

// ActionKind enumerates navigation actions.
type ActionKind int

const (
	// ActionHome jumps to the root folder.
	ActionHome ActionKind = iota
	// ActionBack moves one folder up.
	ActionBack
	// ActionNextPage advances to the next page of the current folder.
	ActionNextPage
	// ActionPrevPage returns to the previous page of the current folder.
	ActionPrevPage
	// ActionOpen descends into the folder at Index.
	ActionOpen
	// ActionSelect picks the file at Index for forwarding.
	ActionSelect
)

// Action is one navigation step. Index addresses an item by its absolute
// position in the folder's combined listing (folders first, then files),
// which keeps callback payloads short regardless of folder names.
type Action struct {
	Kind  ActionKind
	Index int
}

// Item is one row of the rendered page.
type Item struct {
	Label    string
	IsFolder bool
	// Index is the item's absolute position in the combined listing.
	Index int
}

// Render describes what the session should draw or do next.
type Render struct {
	// Title is the breadcrumb of the current folder.
	Title string
	Items []Item
	Page  int
	Pages int

	HasBack bool
	HasPrev bool
	HasNext bool
	Empty   bool

	// Notice carries a user-facing warning, e.g. when the tree changed
	// under the cursor and the position was reset.
	Notice string

	// Forward is set for ActionSelect: the file to forward from the channel.
	Forward *botmeta.FileEntry
}

// Advance applies act to the cursor over root and returns the next cursor
// plus the render of the resulting position. A nil or invalid cursor path
// (the tree may have been replaced since) resets to the root.
func Advance(root *botmeta.FolderNode, cur Cursor, act Action) (Cursor, Render) {
	folder, ok := resolve(root, cur.Path)
	notice := ""
	if !ok {
		cur = Root()
		folder = root
		notice = "That folder is no longer available."
	}

	switch act.Kind {
	case ActionHome:
		cur = Root()
	case ActionBack:
		if len(cur.Path) > 0 {
			cur = Cursor{Path: cur.Path[:len(cur.Path)-1]}
		}
	case ActionNextPage:
		if cur.Offset+PageSize < itemCount(folder) {
			cur.Offset += PageSize
		}
	case ActionPrevPage:
		cur.Offset -= PageSize
		if cur.Offset < 0 {
			cur.Offset = 0
		}
	case ActionOpen:
		child, ok := folderAt(folder, act.Index)
		if !ok {
			notice = "That folder is no longer available."
			break
		}
		cur = Cursor{Path: append(append([]string(nil), cur.Path...), child.Name)}
	case ActionSelect:
		file, ok := fileAt(folder, act.Index)
		if !ok {
			notice = "That file is no longer available."
			break
		}
		render := describe(root, cur)
		render.Notice = notice
		render.Forward = &file
		return cur, render
	}

	folder, ok = resolve(root, cur.Path)
	if !ok {
		cur = Root()
	}
	if cur.Offset >= itemCount(folderOrRoot(root, cur)) {
		cur.Offset = 0
	}

	render := describe(root, cur)
	render.Notice = notice
	return cur, render
}

// Describe renders the current position without applying an action.
func Describe(root *botmeta.FolderNode, cur Cursor) (Cursor, Render) {
	if _, ok := resolve(root, cur.Path); !ok {
		cur = Root()
	}
	return cur, describe(root, cur)
}

func folderOrRoot(root *botmeta.FolderNode, cur Cursor) *botmeta.FolderNode {
	if folder, ok := resolve(root, cur.Path); ok {
		return folder
	}
	return root
}

func describe(root *botmeta.FolderNode, cur Cursor) Render {
	folder := folderOrRoot(root, cur)
	total := itemCount(folder)

	render := Render{
		Title:   title(cur.Path),
		HasBack: len(cur.Path) > 0,
		HasPrev: cur.Offset > 0,
		HasNext: cur.Offset+PageSize < total,
		Empty:   total == 0,
		Pages:   (total + PageSize - 1) / PageSize,
		Page:    cur.Offset/PageSize + 1,
	}
	if render.Pages == 0 {
		render.Pages = 1
	}

	if folder == nil {
		return render
	}
	end := cur.Offset + PageSize
	if end > total {
		end = total
	}
	for i := cur.Offset; i < end; i++ {
		if i < len(folder.Folders) {
			render.Items = append(render.Items, Item{
				Label:    folder.Folders[i].Name,
				IsFolder: true,
				Index:    i,
			})
			continue
		}
		file := folder.Files[i-len(folder.Folders)]
		render.Items = append(render.Items, Item{Label: file.Name, Index: i})
	}
	return render
}

func title(path []string) string {
	if len(path) == 0 {
		return "/"
	}
	return "/" + strings.Join(path, "/")
}

func resolve(root *botmeta.FolderNode, path []string) (*botmeta.FolderNode, bool) {
	if root == nil {
		return nil, len(path) == 0
	}
	node := root
	for _, name := range path {
		child, ok := node.Child(name)
		if !ok {
			return nil, false
		}
		node = child
	}
	return node, true
}

func itemCount(n *botmeta.FolderNode) int {
	if n == nil {
		return 0
	}
	return len(n.Folders) + len(n.Files)
}

func folderAt(n *botmeta.FolderNode, index int) (*botmeta.FolderNode, bool) {
	if n == nil || index < 0 || index >= len(n.Folders) {
		return nil, false
	}
	return n.Folders[index], true
}

func fileAt(n *botmeta.FolderNode, index int) (botmeta.FileEntry, bool) {
	if n == nil {
		return botmeta.FileEntry{}, false
	}
	fileIdx := index - len(n.Folders)
	if fileIdx < 0 || fileIdx >= len(n.Files) {
		return botmeta.FileEntry{}, false
	}
	return n.Files[fileIdx], true
}
