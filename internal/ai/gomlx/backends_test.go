package gomlx

// Backends used by the tests.

import (
	_ "github.com/gomlx/gomlx/backends/default"
)
