//go:build !unix

package queue

import "os"

// Without flock the file queue is only safe within a single process.
func lockExclusive(*os.File) error { return nil }

func unlock(*os.File) error { return nil }
