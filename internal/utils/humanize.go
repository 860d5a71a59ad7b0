package utils

import "github.com/dustin/go-humanize"

// HumanBytes renders a byte count the way memory-overload log lines report
// it, e.g. "3.2 GB".
func HumanBytes(n uint64) string {
	return humanize.Bytes(n)
}
