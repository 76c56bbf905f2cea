package botmeta

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FileEntry describes a single uploaded file and the channel message that carries it.
type FileEntry struct {
	Name      string `json:"fileName"`
	FileID    string `json:"fileId"`
	MessageID int    `json:"messageId"`
	Size      int64  `json:"fileSize,omitempty"`
	Kind      string `json:"fileType,omitempty"`
}

// FolderNode is one folder in the uploaded tree. Subfolder order follows the
// order of keys in the uploaded JSON and is preserved across store round trips.
type FolderNode struct {
	Name    string
	Folders []*FolderNode
	Files   []FileEntry
}

// Clone returns a deep copy of the folder tree.
func (n *FolderNode) Clone() *FolderNode {
	if n == nil {
		return nil
	}
	out := &FolderNode{Name: n.Name}
	if n.Files != nil {
		out.Files = append([]FileEntry(nil), n.Files...)
	}
	for _, child := range n.Folders {
		out.Folders = append(out.Folders, child.Clone())
	}
	return out
}

// Child returns the direct subfolder with the given name.
func (n *FolderNode) Child(name string) (*FolderNode, bool) {
	if n == nil {
		return nil, false
	}
	for _, child := range n.Folders {
		if child.Name == name {
			return child, true
		}
	}
	return nil, false
}

// CountFiles returns the total number of files in the tree.
func (n *FolderNode) CountFiles() int {
	if n == nil {
		return 0
	}
	total := len(n.Files)
	for _, child := range n.Folders {
		total += child.CountFiles()
	}
	return total
}

// CountFolders returns the total number of folders in the tree, excluding the root.
func (n *FolderNode) CountFolders() int {
	if n == nil {
		return 0
	}
	total := len(n.Folders)
	for _, child := range n.Folders {
		total += child.CountFolders()
	}
	return total
}

// MarshalJSON encodes the node as {"files": [...], "subfolders": {...}}.
// Subfolder names become object keys written in Folders order; the node's own
// Name is carried by the parent key and never serialized.
func (n *FolderNode) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"files":`)
	files := n.Files
	if files == nil {
		files = []FileEntry{}
	}
	fileData, err := json.Marshal(files)
	if err != nil {
		return nil, err
	}
	buf.Write(fileData)
	buf.WriteString(`,"subfolders":{`)
	for i, child := range n.Folders {
		if i > 0 {
			buf.WriteByte(',')
		}
		nameData, err := json.Marshal(child.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(nameData)
		buf.WriteByte(':')
		childData, err := child.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(childData)
	}
	buf.WriteString("}}")
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes the wire shape while keeping subfolder key order.
// encoding/json maps would lose ordering, so the object is walked token by token.
func (n *FolderNode) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	return n.decodeObject(dec)
}

func (n *FolderNode) decodeObject(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("folder node: expected object, got %v", tok)
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("folder node: expected key, got %v", keyTok)
		}
		switch key {
		case "files":
			var files []FileEntry
			if err := dec.Decode(&files); err != nil {
				return fmt.Errorf("folder node: files: %w", err)
			}
			n.Files = files
		case "subfolders":
			if err := n.decodeSubfolders(dec); err != nil {
				return err
			}
		default:
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return fmt.Errorf("folder node: %s: %w", key, err)
			}
		}
	}

	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

func (n *FolderNode) decodeSubfolders(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("folder node: subfolders must be an object, got %v", tok)
	}
	for dec.More() {
		nameTok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := nameTok.(string)
		if !ok {
			return fmt.Errorf("folder node: expected subfolder name, got %v", nameTok)
		}
		child := &FolderNode{Name: name}
		if err := child.decodeObject(dec); err != nil {
			return err
		}
		n.Folders = append(n.Folders, child)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}
