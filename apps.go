// Package tutorial wires the tutorial site's installed apps to celery.
package tutorial

import (
	// installed apps with task modules
	_ "github.com/taoh/tutorial/snippets"
)
