package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// shareIDRe matches the story id in share links like https://story.snapchat.com/s/ABC123
var shareIDRe = regexp.MustCompile(`/s/([^/?#]+)`)

// NewItem converts a raw source record into an Item with a stable ID.
// Unknown kinds default to photo.
func NewItem(raw RawItem) Item {
	kind := raw.Kind
	if !kind.Valid() {
		kind = MediaPhoto
	}
	item := Item{
		ID:         raw.RemoteID,
		URL:        raw.URL,
		Kind:       kind,
		CapturedAt: raw.Timestamp,
	}
	item.EnsureID()
	return item
}

// EnsureID fills in ID when it is empty. It never leaves ID empty.
func (i *Item) EnsureID() {
	if i.ID == "" {
		i.ID = GenerateID(i.URL, i.Kind, i.CapturedAt)
	}
}

// GenerateID derives an item id from its payload.
// Prefers the id embedded in a share URL, then a hash of (url, kind, timestamp).
// Falls back to a random id when there is nothing to hash.
func GenerateID(url string, kind MediaKind, timestamp int64) string {
	if m := shareIDRe.FindStringSubmatch(url); len(m) == 2 && m[1] != "" {
		return m[1]
	}
	if url == "" && timestamp == 0 {
		return "item_" + uuid.NewString()
	}
	return hashString(fmt.Sprintf("%s|%s|%d", url, kind, timestamp))
}

// hashString returns a 20 character hex digest
func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:10])
}
