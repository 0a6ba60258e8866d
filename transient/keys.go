package transient

import (
	"net/url"
	"strings"
)

// Key layout inside the store's kv namespace. Ids and parameter names are
// path escaped so they never contain a separator.
//
//	entry/<id>                 entry marker
//	entry/<id>/param/<name>    encoded parameter value
//	entry/<id>/blobs           JSON blob list
//	entry/<id>/size            decimal byte size of the blob list
//	entry/<id>/completed       completion flag
//	storage-size               decimal aggregate of all entry sizes
const (
	entryPrefix    = "entry/"
	paramSegment   = "/param/"
	storageSizeKey = "storage-size"
)

func entryKey(id string) string {
	return entryPrefix + url.PathEscape(id)
}

func entryChildPrefix(id string) string {
	return entryKey(id) + "/"
}

func paramKey(id, name string) string {
	return entryKey(id) + paramSegment + url.PathEscape(name)
}

func paramPrefix(id string) string {
	return entryKey(id) + paramSegment
}

func blobsKey(id string) string {
	return entryKey(id) + "/blobs"
}

func sizeKey(id string) string {
	return entryKey(id) + "/size"
}

func completedKey(id string) string {
	return entryKey(id) + "/completed"
}

// parseEntryMarker returns the id of an entry marker key.
func parseEntryMarker(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, entryPrefix)
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	id, err := url.PathUnescape(rest)
	if err != nil {
		return "", false
	}
	return id, true
}

// parseParamName returns the parameter name of a key under paramPrefix(id).
func parseParamName(id, key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, paramPrefix(id))
	if !ok || rest == "" {
		return "", false
	}
	name, err := url.PathUnescape(rest)
	if err != nil {
		return "", false
	}
	return name, true
}
