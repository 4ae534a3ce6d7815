package discover

import (
	"bufio"
	"bytes"
	"os"
	"runtime"
	"strconv"
	"strings"
)

var (
	osReadFileFunc = os.ReadFile
	runtimeGOOS    = runtime.GOOS
)

// systemMemory reports MemTotal from /proc/meminfo, or zero where that is
// not available.
func systemMemory() uint64 {
	if runtimeGOOS != "linux" {
		return 0
	}

	bts, err := osReadFileFunc("/proc/meminfo")
	if err != nil {
		return 0
	}

	return parseMemTotal(bts)
}

func parseMemTotal(bts []byte) uint64 {
	scanner := bufio.NewScanner(bytes.NewReader(bts))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok || key != "MemTotal" {
			continue
		}

		fields := strings.Fields(value)
		if len(fields) == 0 {
			return 0
		}

		n, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return 0
		}

		if len(fields) > 1 && strings.EqualFold(fields[1], "kB") {
			n *= 1024
		}
		return n
	}

	return 0
}
