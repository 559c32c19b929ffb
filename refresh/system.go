package refresh

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/grimoire/errors"
)

// memoryPerWorkerGB is a generous estimate for one in-flight refresh:
// response buffer, decode copies, and sqlite write overhead
const memoryPerWorkerGB = 0.064

// memoryBufferGB is headroom reserved for the rest of the process
const memoryBufferGB = 0.5

func memoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "reading memory stats")
	}
	return v.Total, v.Available, nil
}

// safeWorkerCount recommends a worker count for the available memory
func safeWorkerCount(availableGB float64) int {
	if availableGB <= memoryBufferGB {
		return 1
	}
	recommended := int((availableGB - memoryBufferGB) / memoryPerWorkerGB)
	if recommended < 1 {
		return 1
	}
	return recommended
}

// checkMemoryPressure warns when the configured worker count outruns
// available memory. Returns empty when the count looks fine or when the
// stats are unreadable.
func checkMemoryPressure(workers int) string {
	total, available, err := memoryStats()
	if err != nil {
		return ""
	}

	availableGB := float64(available) / 1024 / 1024 / 1024
	totalGB := float64(total) / 1024 / 1024 / 1024
	recommended := safeWorkerCount(availableGB)

	if workers > recommended {
		return fmt.Sprintf(
			"worker count %d exceeds recommended %d for available memory (%.1f/%.1fGB)",
			workers, recommended, totalGB-availableGB, totalGB)
	}
	return ""
}
