package region

import (
	"errors"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// StaleGuardAfter is how long a guard may be held before the holder's pid is
// checked. A guard held by a dead process is reclaimed.
var StaleGuardAfter = 2 * time.Second

// guardBackoff is the sleep between acquisition attempts once spinning stops.
const guardBackoff = 50 * time.Microsecond

// lockGuard acquires the cross-process guard at off. The guard word holds the
// pid of its holder, 0 when free.
func (r *Region) lockGuard(mem []byte, off int) {
	w := word(mem, off)
	var since time.Time
	for spins := 0; ; spins++ {
		if atomic.CompareAndSwapUint32(w, 0, r.pid) {
			return
		}
		if spins < 64 {
			runtime.Gosched()
			continue
		}
		if since.IsZero() {
			since = time.Now()
		} else if time.Since(since) > StaleGuardAfter {
			holder := atomic.LoadUint32(w)
			if holder != 0 && !processAlive(int(holder)) && atomic.CompareAndSwapUint32(w, holder, r.pid) {
				r.log.Warn("Reclaimed guard at %#x from dead process %d", off, holder)
				return
			}
			since = time.Now()
		}
		time.Sleep(guardBackoff)
	}
}

func unlockGuard(mem []byte, off int) {
	atomic.StoreUint32(word(mem, off), 0)
}

// processAlive reports whether pid names a running process.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
