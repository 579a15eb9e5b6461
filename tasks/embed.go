// Package tasks provides the embedded task bundles.
package tasks

import "embed"

// FS contains all embedded task files.
//
//go:embed all:echo-hi all:notes-file all:py-fib
var FS embed.FS
