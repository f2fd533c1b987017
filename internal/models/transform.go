package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Vector3 is an x/y/z triple.
type Vector3 [3]float64

// Stored translations are the negated client origin. invert is the only place
// that convention is applied; it is its own inverse.
func invert(v Vector3) Vector3 {
	return Vector3{-v[0], -v[1], -v[2]}
}

// SetTranslation stores a client supplied origin/translation.
func (m *Model) SetTranslation(v Vector3) {
	s := invert(v)
	m.TranslationX, m.TranslationY, m.TranslationZ = s[0], s[1], s[2]
}

// Translation returns the translation in the client (display) convention.
func (m *Model) Translation() Vector3 {
	return invert(Vector3{m.TranslationX, m.TranslationY, m.TranslationZ})
}

// ArchiveKey is the blob key for a model revision: {model_id}/{revision}.zip.
func ArchiveKey(modelID, revision int) string {
	return fmt.Sprintf("%d/%d.zip", modelID, revision)
}

// ModelPrefix is the directory holding every revision of a model.
func ModelPrefix(modelID int) string {
	return fmt.Sprintf("%d/", modelID)
}

// ParseArchiveKey is the inverse of ArchiveKey.
func ParseArchiveKey(key string) (modelID, revision int, ok bool) {
	dir, file, found := strings.Cut(key, "/")
	if !found || !strings.HasSuffix(file, ".zip") {
		return 0, 0, false
	}
	modelID, err := strconv.Atoi(dir)
	if err != nil || modelID <= 0 {
		return 0, 0, false
	}
	revision, err = strconv.Atoi(strings.TrimSuffix(file, ".zip"))
	if err != nil || revision <= 0 {
		return 0, 0, false
	}
	return modelID, revision, true
}
