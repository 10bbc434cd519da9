// Package all registers every built-in stack trace processor plugin.
package all

import (
	_ "github.com/grafana/stackproc/pkg/processors/inapp"      // Import processors.inapp
	_ "github.com/grafana/stackproc/pkg/processors/sourcemaps" // Import processors.sourcemaps
)
