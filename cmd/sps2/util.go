package main

import (
	"context"
	"path/filepath"
)

func cmdContext() context.Context {
	return context.Background()
}

func scratchDir(opts *globalOptions) string {
	return filepath.Join(opts.storeRoot, "scratch")
}
