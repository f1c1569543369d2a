package rfc9111

import (
	"net/http"
	"strings"
)

// GetListHeader returns the members of a list-based field, across all field lines.
func GetListHeader(header http.Header, field string) []string {
	list := make([]string, 0)
	for _, hdr := range header.Values(field) {
		for _, item := range strings.Split(hdr, ",") {
			if item = strings.TrimSpace(item); item != "" {
				list = append(list, item)
			}
		}
	}
	return list
}

// HasListMember reports whether the list-based field contains member,
// compared case-insensitively.
func HasListMember(header http.Header, field, member string) bool {
	for _, item := range GetListHeader(header, field) {
		if strings.EqualFold(item, member) {
			return true
		}
	}
	return false
}
