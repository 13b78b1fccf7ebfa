package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ContentHash computes the deterministic content hash of an entity.
//
// The hash covers the entity's textual representation plus the payload
// fields its descriptor marks hashable. Types without a registered
// descriptor hash every payload field. Identity, breadcrumbs, timestamps
// and pipeline-assigned attributes never contribute, so moving an entity or
// re-syncing it with identical content yields the same hash.
//
// Canonical form is JSON with sorted object keys (encoding/json sorts map
// keys), so the hash is stable across a marshal/unmarshal round trip.
func ContentHash(e *Entity) (string, error) {
	input := map[string]interface{}{
		"entity_type_id": e.TypeID,
		"textual":        e.Textual,
	}

	if desc, ok := DescriptorFor(e.TypeID); ok {
		for _, name := range desc.HashableFields() {
			if v, present := e.Payload[name]; present {
				input["payload."+name] = v
			}
		}
	} else {
		for name, v := range e.Payload {
			input["payload."+name] = v
		}
	}

	switch {
	case e.File != nil:
		// The blob participates through its checksum when the source
		// provides one; size and mime type otherwise.
		input["file.checksum"] = e.File.Checksum
		input["file.size"] = e.File.Size
		input["file.mime_type"] = e.File.MimeType
	case e.Email != nil:
		input["email.subject"] = e.Email.Subject
		input["email.from"] = e.Email.From
		input["email.message_id"] = e.Email.MessageID
	}
	if e.Code != nil {
		input["code.path"] = e.Code.Path
		input["code.commit_sha"] = e.Code.CommitSHA
	}

	canonical, err := canonicalJSON(input)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize entity %s: %w", e.SourceEntityID, err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON marshals a value into byte-stable JSON. Round-tripping the
// value through encoding/json first normalizes numeric types (ints become
// float64) so a freshly built entity and one reloaded from the archive hash
// identically.
func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var normalized interface{}
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

// EmbeddableText renders the text that is chunked and embedded for an
// entity: the display name, the descriptor's embeddable payload fields in
// sorted order, then the textual representation.
func EmbeddableText(e *Entity) string {
	var b strings.Builder

	if e.Name != "" {
		b.WriteString(e.Name)
		b.WriteString("\n")
	}

	if desc, ok := DescriptorFor(e.TypeID); ok {
		for _, name := range desc.EmbeddableFields() {
			if v, present := e.Payload[name]; present {
				b.WriteString(fmt.Sprintf("%s: %v\n", name, v))
			}
		}
	} else {
		names := make([]string, 0, len(e.Payload))
		for name := range e.Payload {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			b.WriteString(fmt.Sprintf("%s: %v\n", name, e.Payload[name]))
		}
	}

	if e.Textual != "" {
		b.WriteString(e.Textual)
	}

	return SanitizeText(b.String())
}
