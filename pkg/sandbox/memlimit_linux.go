package sandbox

import "syscall"

// limitDataSegment caps the process's writable private memory. Go reports
// an allocation past it as a fatal out of memory error. An existing lower
// limit is kept, since raising the hard limit needs privileges.
func limitDataSegment(bytes uint64) error {
	var cur syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_DATA, &cur); err != nil {
		return err
	}
	if bytes > cur.Max {
		bytes = cur.Max
	}
	if bytes >= cur.Cur && cur.Cur == cur.Max {
		return nil
	}
	return syscall.Setrlimit(syscall.RLIMIT_DATA, &syscall.Rlimit{Cur: bytes, Max: bytes})
}
