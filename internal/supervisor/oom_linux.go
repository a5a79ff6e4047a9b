//go:build linux

package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/dsmmcken/qgate/internal/worker"
)

// HandleOOM polices the resident memory of leased workers.
//
// Every period it sums each leased worker's RSS as a fraction of total
// RAM; when the sum exceeds highWaterMark it SIGKILLs the largest
// workers until back under the mark. Killed workers are respawned by
// the child-exit supervisor.
func HandleOOM(ctx context.Context, pool *worker.Pool, highWaterMark float64, period time.Duration) error {
	totalMem, err := totalMemoryBytes()
	if err != nil {
		return fmt.Errorf("reading total memory: %w", err)
	}
	go func() {
		log.Info("Installing oom handler")
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pool.InspectPids(func(pids []int) {
					log.Trace("Running oom handler")
					go func() {
						if err := killOutOfMemoryProcesses(pids, totalMem, highWaterMark); err != nil {
							log.Errorf("Failed to run the oom killer: %v", err)
						}
					}()
				})
			}
		}
	}()
	return nil
}

type procUsage struct {
	pid      int
	fraction float64
}

func killOutOfMemoryProcesses(pids []int, totalMem float64, hwm float64) error {
	self := os.Getpid()
	pageSize := float64(unix.Getpagesize())

	var usage []procUsage
	for _, pid := range pids {
		ppid, state, rssPages, err := readProcStat(pid)
		if err != nil {
			// Process already gone.
			continue
		}
		if ppid != self || state == 'Z' || state == 'X' {
			continue
		}
		fraction := float64(rssPages) * pageSize / totalMem
		log.Debugf("Process memory usage %d: %f", pid, fraction)
		usage = append(usage, procUsage{pid: pid, fraction: fraction})
	}

	var memoryFraction float64
	for _, u := range usage {
		memoryFraction += u.fraction
	}
	if memoryFraction <= hwm {
		return nil
	}
	log.Errorf("CRITICAL: high memory water mark reached %f", memoryFraction)

	// Kill the largest consumers until the total drops under the mark.
	sort.Slice(usage, func(i, j int) bool { return usage[i].fraction > usage[j].fraction })
	for _, u := range usage {
		log.Errorf("OOM: killing worker %d (mem usage: %f)", u.pid, u.fraction)
		if err := unix.Kill(u.pid, unix.SIGKILL); err != nil {
			log.Errorf("Failed to kill process %d: %v", u.pid, err)
			continue
		}
		memoryFraction -= u.fraction
		if memoryFraction < hwm {
			break
		}
	}
	return nil
}

// readProcStat extracts (ppid, state, rss pages) from /proc/<pid>/stat.
func readProcStat(pid int) (int, byte, int64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, 0, 0, err
	}
	return parseProcStat(string(data))
}

func parseProcStat(line string) (int, byte, int64, error) {
	// The comm field is parenthesized and may contain spaces; fields
	// are counted from the closing parenthesis.
	end := strings.LastIndexByte(line, ')')
	if end < 0 || end+2 >= len(line) {
		return 0, 0, 0, fmt.Errorf("malformed stat line")
	}
	fields := strings.Fields(line[end+2:])
	// After comm: state=0, ppid=1, ... rss=21.
	if len(fields) < 22 {
		return 0, 0, 0, fmt.Errorf("short stat line")
	}
	state := fields[0][0]
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("parsing ppid: %w", err)
	}
	rss, err := strconv.ParseInt(fields[21], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("parsing rss: %w", err)
	}
	return ppid, state, rss, nil
}

// totalMemoryBytes reads MemTotal from /proc/meminfo.
func totalMemoryBytes() (float64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return 0, fmt.Errorf("parsing MemTotal: %w", err)
		}
		return kb * 1024, nil
	}
	return 0, fmt.Errorf("MemTotal not found in /proc/meminfo")
}
