package postbox

import (
	"strings"

	"github.com/careloop/postbox/store"
)

// Well-known slot flags. Flags are free-form strings carried on a slot; these
// two are the ones the rest of the system recognizes. Unread folder counts
// are computed from the absence of FlagRead.
const (
	// FlagRead marks a slot's message as read by the slot's owner.
	// Re-exported from store, where backends count unread slots by it.
	FlagRead = store.FlagRead
	// FlagChecked marks a slot as selected in a client's list view.
	FlagChecked = "checked"
)

// isValidFlag checks if a flag string is acceptable.
// Flags are non-empty, contain no whitespace or control characters, and are
// capped at a sane length.
func isValidFlag(flag string) bool {
	if flag == "" || len(flag) > 64 {
		return false
	}
	if strings.ContainsAny(flag, " \t\n\r") {
		return false
	}
	for _, c := range flag {
		if c < 32 || c == 127 {
			return false
		}
	}
	return true
}
