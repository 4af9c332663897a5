package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/sjson"
)

type PatchOp string

const (
	PatchAdd     PatchOp = "add"
	PatchReplace PatchOp = "replace"
	PatchRemove  PatchOp = "remove"
)

var (
	ErrEmptyPatchPath = errors.New("Patch path is empty")
	ErrUnknownPatchOp = errors.New("Unknown patch op")
)

// Patch is one structural change to the room document, addressed by a
// JSON-pointer style path such as `/clients/5/calibration`.
type Patch struct {
	Op    PatchOp         `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// ApplyPatches applies an ordered patch list to a full room document and
// returns the updated document. Applying the patch stream produced by a
// sequence of updates to the snapshot taken before them reproduces the
// live document exactly.
func ApplyPatches(doc []byte, patches []Patch) ([]byte, error) {
	var err error

	for _, p := range patches {
		path, perr := PointerToPath(p.Path)
		if perr != nil {
			return nil, perr
		}

		switch p.Op {
		case PatchAdd, PatchReplace:
			doc, err = sjson.SetRawBytes(doc, path, p.Value)

		case PatchRemove:
			doc, err = sjson.DeleteBytes(doc, path)

		default:
			return nil, fmt.Errorf("Failed to apply patch at '%s': %w", p.Path, ErrUnknownPatchOp)
		}

		if err != nil {
			return nil, fmt.Errorf("Failed to apply patch at '%s': %w", p.Path, err)
		}
	}

	return doc, nil
}

// PointerToPath converts a JSON-pointer style patch path into the dotted
// path syntax that gjson and sjson understand.
func PointerToPath(pointer string) (string, error) {
	trimmed := strings.TrimPrefix(pointer, "/")
	if trimmed == "" {
		return "", ErrEmptyPatchPath
	}

	parts := strings.Split(trimmed, "/")
	for i, part := range parts {
		parts[i] = escapePathPart(part)
	}

	return strings.Join(parts, "."), nil
}

func escapePathPart(part string) string {
	if !strings.ContainsAny(part, ".*?\\") {
		return part
	}

	var b strings.Builder
	for _, r := range part {
		switch r {
		case '.', '*', '?', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}

	return b.String()
}
