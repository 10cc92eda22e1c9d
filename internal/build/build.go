// Package build carries the binary's identity. Version is stamped through
// ldflags at release time and stays "dev" for local builds.
package build

import "strings"

var (
	Version = "dev"
	AppName = "Weft"
	Slug    = ""
)

func init() {
	if Slug == "" {
		Slug = strings.ToLower(AppName)
	}
}
