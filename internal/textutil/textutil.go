// Package textutil holds small text helpers shared by the API and CLI.
package textutil

import (
	"path"
	"strings"
)

var unsafeFileChars = strings.NewReplacer(
	"\\", "-",
	":", "-",
	"*", "-",
	"?", "",
	"\"", "",
	"<", "",
	">", "",
	"|", "",
)

// SanitizeFileName reduces a client-supplied filename to a single safe path
// element for use inside a storage key. Directory components are stripped and
// unsafe characters replaced. Returns "" when nothing usable remains.
func SanitizeFileName(name string) string {
	name = path.Base(strings.TrimSpace(strings.ReplaceAll(name, "\\", "/")))
	if name == "." || name == "/" {
		return ""
	}
	return strings.TrimSpace(unsafeFileChars.Replace(name))
}
