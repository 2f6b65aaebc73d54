package web

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed static/index.html
var staticFiles embed.FS

// staticRoot returns the embedded UI rooted at static/, so index.html is
// served as "/" and assets as "/static/<name>".
func staticRoot() (fs.FS, error) {
	sub, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, fmt.Errorf("web: static fs: %w", err)
	}
	return sub, nil
}
