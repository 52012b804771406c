// Package machine describes the user-visible processor state: the
// trapframe saved on every system call, the call numbers, and the
// encoding of wait statuses.
package machine

// Trapframe is the register snapshot taken when a user thread enters the
// kernel. Only the registers the system call ABI uses are modelled.
type Trapframe struct {
	V0, V1         uint32 // call number in, result out
	A0, A1, A2, A3 uint32 // arguments; A3 is the error flag on return
	S              [8]uint32
	GP, SP, FP, RA uint32
	EPC            uint32 // address of the syscall instruction
}

// Arg returns argument register i.
func (tf *Trapframe) Arg(i int) uint32 {
	switch i {
	case 0:
		return tf.A0
	case 1:
		return tf.A1
	case 2:
		return tf.A2
	case 3:
		return tf.A3
	}
	panic("machine: argument register out of range")
}

// SetResult stores a successful return value.
func (tf *Trapframe) SetResult(v uint32) {
	tf.V0 = v
	tf.A3 = 0
}

// SetError stores an error number.
func (tf *Trapframe) SetError(code uint32) {
	tf.V0 = code
	tf.A3 = 1
}

// Advance moves EPC past the syscall instruction so the same call is not
// repeated on return.
func (tf *Trapframe) Advance() {
	tf.EPC += InstructionSize
}

// InstructionSize is the width of one instruction.
const InstructionSize = 4

// System call numbers.
const (
	SysFork    = 0
	SysVfork   = 1
	SysExecv   = 2
	SysExit    = 3
	SysWaitpid = 4
	SysGetpid  = 5
	SysOpen    = 45
	SysDup2    = 48
	SysClose   = 49
	SysRead    = 50
	SysWrite   = 55
	SysLseek   = 59
	SysReboot  = 119
)

// MkWaitExit encodes the status of a process that called _exit(code).
func MkWaitExit(code int) int32 {
	return int32((code & 0xff) << 2)
}

// WIfExited reports whether status describes a normal exit.
func WIfExited(status int32) bool {
	return status&3 == 0
}

// WExitStatus extracts the exit code from a status built by MkWaitExit.
func WExitStatus(status int32) int {
	return int(status>>2) & 0xff
}
