package common

import (
	"syscall"
	"testing"

	"github.com/maceip/friscy/go/models/mock"
)

type testKernel struct {
	KernelBase
	exitCode int
	gotPath  string
}

func (k *testKernel) Exit(code int) uint64 {
	k.exitCode = code
	return 44
}

func (k *testKernel) OpenPath(path string, flags int) uint64 {
	k.gotPath = path
	return 3
}

func (k *testKernel) SwitchAway() {
	k.M.SetResult(-1)
}

func TestLookupAndCall(t *testing.T) {
	m := mock.NewMachine(20)
	k := &testKernel{}
	sys := Lookup(m, k, "exit")
	if sys == nil {
		t.Fatal("exit not found")
	}
	ret, ok := sys.Call([]uint64{43})
	if !ok || ret != 44 {
		t.Fatalf("call: %d %v", ret, ok)
	}
	if k.exitCode != 43 {
		t.Fatal("argument not converted")
	}
}

func TestCamelToSnakeLookup(t *testing.T) {
	m := mock.NewMachine(20)
	k := &testKernel{}
	if Lookup(m, k, "open_path") == nil {
		t.Fatal("OpenPath not reachable as open_path")
	}
	if Lookup(m, k, "no_such") != nil {
		t.Fatal("phantom syscall resolved")
	}
}

func TestStringArgCodec(t *testing.T) {
	m := mock.NewMachine(20)
	m.Memcpy(0x100, []byte("/etc/passwd\x00"))
	k := &testKernel{}
	sys := Lookup(m, k, "open_path")
	if _, ok := sys.Call([]uint64{0x100, 0}); !ok {
		t.Fatal("call produced no return")
	}
	if k.gotPath != "/etc/passwd" {
		t.Fatalf("string arg: %q", k.gotPath)
	}
}

func TestNoReturnHandler(t *testing.T) {
	m := mock.NewMachine(20)
	k := &testKernel{}
	sys := Lookup(m, k, "switch_away")
	if _, ok := sys.Call(nil); ok {
		t.Fatal("void handler reported a return value")
	}
	if int64(m.ReturnValue()) != -1 {
		t.Fatal("handler-managed result lost")
	}
}

func TestErrno(t *testing.T) {
	if Errno(nil) != 0 {
		t.Fatal("nil error must be success")
	}
	if int64(Errno(syscall.ENOENT)) != -2 {
		t.Fatalf("ENOENT: %d", int64(Errno(syscall.ENOENT)))
	}
	if int64(Errno(syscall.EBADF)) != -9 {
		t.Fatalf("EBADF: %d", int64(Errno(syscall.EBADF)))
	}
}
