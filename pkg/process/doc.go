/*
Package process implements process lifecycle for the kernel: fork, execv,
_exit, waitpid and getpid, together with the process table that hands out
pids and keeps exit statuses until they are collected.

# Records and processes

A Process owns an address space, a descriptor table and one thread. It is
torn down when the process exits. The Record holds what must outlive it:
the pid, the parent pid and the exit status. Records move through three
states:

  - Running: the process has not exited
  - Exited: the status is published; the record waits to be collected
  - Reaped: the last reference is gone and the pid is free again

A record is reference counted. The process holds a reference until it
exits, the parent holds one until it collects the status or exits itself,
and each thread blocked in waitpid holds one while it sleeps. Whoever drops
the last reference removes the record from the table. A parent that exits
without waiting gives up its references, so exited children are reaped at
once and running ones at their own exit.

# Locking

Each record has its own mutex and condition variable; exit publishes the
status and broadcasts under that mutex, and waiters test for exit under it.
The table's mutex serializes pid allocation and removal only. Exec is
serialized per process.

# Usage

	k, err := process.New(process.Options{
		Config:    cfg.Kernel,
		Namespace: ns,
		UserMode:  rt,
		Logger:    log,
	})
	if err != nil {
		// Handle error
	}

	pid, err := k.Spawn("/bin/hello", []string{"hello"})
	if err != nil {
		// Handle error
	}
	code, err := k.Wait(pid)
*/
package process
