// Package errno defines the error numbers returned across the system call
// boundary. Values follow the kernel ABI so that user programs can compare
// the number placed in v0 against the same constants.
package errno

import "errors"

// Errno is a kernel error number.
type Errno int

// Error numbers. The numeric values are part of the user ABI.
const (
	ENOSYS       Errno = 1  // No such system call
	EUNIMP       Errno = 2  // Unimplemented feature
	ENOMEM       Errno = 3  // Out of memory
	EAGAIN       Errno = 4  // Operation would block
	EINTR        Errno = 5  // Interrupted system call
	EFAULT       Errno = 6  // Bad memory reference
	ENAMETOOLONG Errno = 7  // String too long
	EINVAL       Errno = 8  // Invalid argument
	EPERM        Errno = 9  // Operation not permitted
	EACCES       Errno = 10 // Permission denied
	EMPROC       Errno = 11 // Too many processes for user
	ENPROC       Errno = 12 // Too many processes in system
	ENOEXEC      Errno = 13 // File is not executable
	E2BIG        Errno = 14 // Argument list too long
	ESRCH        Errno = 15 // No such process
	ECHILD       Errno = 16 // No child processes
	ENOTDIR      Errno = 17 // Not a directory
	EISDIR       Errno = 18 // Is a directory
	ENOENT       Errno = 19 // No such file or directory
	EEXIST       Errno = 22 // File or object exists
	ENODEV       Errno = 25 // No such device
	EBUSY        Errno = 27 // Device or resource busy
	EMFILE       Errno = 28 // Too many open files
	ENFILE       Errno = 29 // Too many open files in system
	EBADF        Errno = 30 // Bad file number
	EIO          Errno = 32 // Input/output error
	EROFS        Errno = 35 // Read-only file system
)

var messages = map[Errno]string{
	ENOSYS:       "no such system call",
	EUNIMP:       "unimplemented feature",
	ENOMEM:       "out of memory",
	EAGAIN:       "operation would block",
	EINTR:        "interrupted system call",
	EFAULT:       "bad memory reference",
	ENAMETOOLONG: "string too long",
	EINVAL:       "invalid argument",
	EPERM:        "operation not permitted",
	EACCES:       "permission denied",
	EMPROC:       "too many processes for user",
	ENPROC:       "too many processes",
	ENOEXEC:      "file is not executable",
	E2BIG:        "argument list too long",
	ESRCH:        "no such process",
	ECHILD:       "not a child of the caller",
	ENOTDIR:      "not a directory",
	EISDIR:       "is a directory",
	ENOENT:       "no such file or directory",
	EEXIST:       "file exists",
	ENODEV:       "no such device",
	EBUSY:        "device or resource busy",
	EMFILE:       "too many open files",
	ENFILE:       "too many open files in system",
	EBADF:        "bad file descriptor",
	EIO:          "input/output error",
	EROFS:        "read-only file system",
}

// Error implements the error interface.
func (e Errno) Error() string {
	if msg, ok := messages[e]; ok {
		return msg
	}
	return "unknown error"
}

// From maps err to the number reported to user space. Errors that carry no
// Errno in their chain are reported as EIO. A nil error maps to 0.
func From(err error) Errno {
	if err == nil {
		return 0
	}
	var e Errno
	if errors.As(err, &e) {
		return e
	}
	return EIO
}
