package fsutil

import (
	"os"
	"path/filepath"
	"strings"
)

var rasterExts = map[string]struct{}{
	".tif":  {},
	".tiff": {},
	".img":  {},
	".vrt":  {},
	".jp2":  {},
}

// IsRasterFile checks if a file is a supported geo-raster format.
func IsRasterFile(path string) bool {
	_, ok := rasterExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// FileExists reports whether path exists and is a regular file.
func FileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}
