package botmeta

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	tokenRe   = regexp.MustCompile(`^\d{8,10}:[A-Za-z0-9_-]{35}$`)
	channelRe = regexp.MustCompile(`^(@[a-zA-Z0-9_]{5,32}|-100\d{10,})$`)
	botIDRe   = regexp.MustCompile(`^\d{8,10}$`)
)

const (
	maxNameLen   = 255
	maxTreeDepth = 32
)

// Name fragments rejected in folder and file names. Uploaded metadata is
// rendered back into chat messages, so injection-looking names are refused
// outright instead of escaped.
var dangerousFragments = []string{
	"<script",
	"javascript:",
	"../",
	"..\\",
	"__proto__",
	"${",
	"{{",
}

// ValidateToken checks the Telegram bot token format without logging it anywhere.
func ValidateToken(token string) error {
	if !tokenRe.MatchString(token) {
		return fmt.Errorf("invalid bot token format")
	}
	return nil
}

// BotIDFromToken extracts the numeric bot identifier prefix of a token.
func BotIDFromToken(token string) (string, error) {
	if err := ValidateToken(token); err != nil {
		return "", err
	}
	return token[:strings.IndexByte(token, ':')], nil
}

// ValidateBotID checks a standalone bot identifier.
func ValidateBotID(id string) error {
	if !botIDRe.MatchString(id) {
		return fmt.Errorf("invalid bot id %q", id)
	}
	return nil
}

// ParseChannelRef validates and parses an uploaded channel reference:
// either @username or a -100-prefixed numeric chat ID.
func ParseChannelRef(raw string) (ChannelRef, error) {
	raw = strings.TrimSpace(raw)
	if !channelRe.MatchString(raw) {
		return ChannelRef{}, fmt.Errorf("invalid channel reference %q", raw)
	}
	if strings.HasPrefix(raw, "@") {
		return ChannelRef{Username: strings.TrimPrefix(raw, "@")}, nil
	}
	var id int64
	if _, err := fmt.Sscanf(raw, "%d", &id); err != nil {
		return ChannelRef{}, fmt.Errorf("invalid channel id %q", raw)
	}
	return ChannelRef{ID: id}, nil
}

// ValidateName checks a single folder or file name.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("empty name")
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("name too long: %d bytes", len(name))
	}
	if name == "." || name == ".." {
		return fmt.Errorf("reserved name %q", name)
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("name %q contains path separators", name)
	}
	lower := strings.ToLower(name)
	for _, frag := range dangerousFragments {
		if strings.Contains(lower, frag) {
			return fmt.Errorf("name %q contains rejected fragment %q", name, frag)
		}
	}
	return nil
}

// ValidateTree walks the folder tree and checks names, depth, duplicate
// siblings, and structural sharing. A nil root is valid (no metadata yet).
func ValidateTree(root *FolderNode) error {
	if root == nil {
		return nil
	}
	seen := make(map[*FolderNode]struct{})
	return validateNode(root, "", 0, seen)
}

func validateNode(n *FolderNode, path string, depth int, seen map[*FolderNode]struct{}) error {
	if depth > maxTreeDepth {
		return fmt.Errorf("tree exceeds max depth %d at %q", maxTreeDepth, path)
	}
	if _, dup := seen[n]; dup {
		return fmt.Errorf("tree contains a shared or cyclic node at %q", path)
	}
	seen[n] = struct{}{}

	fileNames := make(map[string]struct{}, len(n.Files))
	for _, f := range n.Files {
		if err := ValidateName(f.Name); err != nil {
			return fmt.Errorf("file in %q: %w", path, err)
		}
		if f.FileID == "" {
			return fmt.Errorf("file %q in %q has empty file id", f.Name, path)
		}
		if f.MessageID <= 0 {
			return fmt.Errorf("file %q in %q has invalid message id %d", f.Name, path, f.MessageID)
		}
		if _, dup := fileNames[f.Name]; dup {
			return fmt.Errorf("duplicate file %q in %q", f.Name, path)
		}
		fileNames[f.Name] = struct{}{}
	}

	folderNames := make(map[string]struct{}, len(n.Folders))
	for _, child := range n.Folders {
		if err := ValidateName(child.Name); err != nil {
			return fmt.Errorf("folder in %q: %w", path, err)
		}
		if _, dup := folderNames[child.Name]; dup {
			return fmt.Errorf("duplicate folder %q in %q", child.Name, path)
		}
		folderNames[child.Name] = struct{}{}
		if err := validateNode(child, path+"/"+child.Name, depth+1, seen); err != nil {
			return err
		}
	}
	return nil
}
