package util

import (
	"log"
	"os"
	"strconv"
)

// Debug controls DPrintf verbosity; messages at a level above it are
// dropped. It defaults to the BLOCKFS_DEBUG environment variable so tools
// and tests can raise verbosity without code changes.
var Debug uint64 = debugFromEnv()

func debugFromEnv() uint64 {
	s := os.Getenv("BLOCKFS_DEBUG")
	if s == "" {
		return 0
	}
	level, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return level
}

func DPrintf(level uint64, format string, a ...interface{}) {
	if level <= Debug {
		log.Printf(format, a...)
	}
}

func RoundUp(n uint64, sz uint64) uint64 {
	return (n + sz - 1) / sz
}

func Min(n uint64, m uint64) uint64 {
	if n < m {
		return n
	} else {
		return m
	}
}

func Max(n uint64, m uint64) uint64 {
	if n > m {
		return n
	} else {
		return m
	}
}

func SumOverflows(x uint64, y uint64) bool {
	return x+y < x
}
