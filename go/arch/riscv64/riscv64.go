// Package riscv64 carries the RV64 ABI facts the kernel needs: the
// Linux syscall number table and the register assignments used by the
// syscall convention.
package riscv64

// Register indices into the x0..x31 file.
const (
	REG_ZERO = 0
	REG_RA   = 1
	REG_SP   = 2
	REG_GP   = 3
	REG_TP   = 4
	REG_FP   = 8
	REG_A0   = 10
	REG_A1   = 11
	REG_A2   = 12
	REG_A3   = 13
	REG_A4   = 14
	REG_A5   = 15
)

// Ecall instructions are 4 bytes; rewinding the PC by one instruction
// re-executes the syscall on resume.
const EcallSize = 4

// LinuxSyscalls maps riscv64 Linux syscall numbers to handler names.
// Lookup follows the kernel's camel→snake method naming.
var LinuxSyscalls = map[int]string{
	17:  "getcwd",
	19:  "eventfd2",
	20:  "epoll_create1",
	21:  "epoll_ctl",
	22:  "epoll_pwait",
	23:  "dup",
	24:  "dup3",
	25:  "fcntl",
	29:  "ioctl",
	32:  "flock",
	34:  "mkdirat",
	43:  "statfs",
	44:  "fstatfs",
	45:  "truncate",
	35:  "unlinkat",
	36:  "symlinkat",
	37:  "linkat",
	38:  "renameat",
	46:  "ftruncate",
	48:  "faccessat",
	49:  "chdir",
	52:  "fchmod",
	53:  "fchmodat",
	54:  "fchownat",
	55:  "fchown",
	56:  "openat",
	57:  "close",
	59:  "pipe2",
	61:  "getdents64",
	62:  "lseek",
	63:  "read",
	64:  "write",
	65:  "readv",
	66:  "writev",
	67:  "pread64",
	68:  "pwrite64",
	70:  "pwritev",
	71:  "sendfile",
	72:  "pselect6",
	73:  "ppoll",
	78:  "readlinkat",
	79:  "newfstatat",
	80:  "fstat",
	81:  "sync",
	82:  "fsync",
	83:  "fdatasync",
	88:  "utimensat",
	90:  "capget",
	93:  "exit",
	94:  "exit_group",
	96:  "set_tid_address",
	98:  "futex",
	99:  "set_robust_list",
	101: "nanosleep",
	102: "getitimer",
	103: "setitimer",
	113: "clock_gettime",
	114: "clock_getres",
	120: "sched_getscheduler",
	121: "sched_getparam",
	123: "sched_getaffinity",
	124: "sched_yield",
	129: "kill",
	130: "tkill",
	131: "tgkill",
	132: "sigaltstack",
	134: "rt_sigaction",
	135: "rt_sigprocmask",
	139: "rt_sigreturn",
	148: "getresuid",
	150: "getresgid",
	153: "times",
	154: "setpgid",
	155: "getpgid",
	156: "getsid",
	157: "setsid",
	158: "getgroups",
	160: "uname",
	163: "getrlimit",
	165: "getrusage",
	166: "umask",
	169: "gettimeofday",
	170: "settimeofday",
	167: "prctl",
	172: "getpid",
	173: "getppid",
	174: "getuid",
	175: "geteuid",
	176: "getgid",
	177: "getegid",
	178: "gettid",
	179: "sysinfo",
	199: "socketpair",
	209: "getsockopt",
	211: "sendmsg",
	212: "recvmsg",
	214: "brk",
	215: "munmap",
	216: "mremap",
	220: "clone",
	221: "execve",
	222: "mmap",
	226: "mprotect",
	227: "msync",
	228: "mlock",
	229: "munlock",
	230: "mlockall",
	231: "munlockall",
	232: "mincore",
	233: "madvise",
	258: "riscv_hwprobe",
	260: "wait4",
	261: "prlimit64",
	278: "getrandom",
	283: "membarrier",
	291: "statx",
	293: "rseq",
	425: "io_uring_setup",
	435: "clone3",
	436: "close_range",
	439: "faccessat2",
}
