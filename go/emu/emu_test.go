package emu

import (
	"archive/tar"
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/maceip/friscy/go/models"
	"github.com/maceip/friscy/go/models/cpu"
)

const testEntry = 0x10000

// buildStaticElf assembles a minimal static RV64 ELF with one RX load
// segment at the entry point.
func buildStaticElf() []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian
	code := make([]byte, 64)

	ehdr := make([]byte, 64)
	copy(ehdr, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1})
	le.PutUint16(ehdr[16:], 2) // ET_EXEC
	le.PutUint16(ehdr[18:], 0xF3)
	le.PutUint32(ehdr[20:], 1)
	le.PutUint64(ehdr[24:], testEntry)
	le.PutUint64(ehdr[32:], 64)
	le.PutUint16(ehdr[52:], 64)
	le.PutUint16(ehdr[54:], 56)
	le.PutUint16(ehdr[56:], 1)
	buf.Write(ehdr)

	phdr := make([]byte, 56)
	le.PutUint32(phdr[0:], 1)     // PT_LOAD
	le.PutUint32(phdr[4:], 4|1)   // R+X
	le.PutUint64(phdr[8:], 120)
	le.PutUint64(phdr[16:], testEntry)
	le.PutUint64(phdr[32:], uint64(len(code)))
	le.PutUint64(phdr[40:], uint64(len(code)))
	le.PutUint64(phdr[48:], 0x1000)
	buf.Write(phdr)
	buf.Write(code)
	return buf.Bytes()
}

// scriptedInterp maps PC values to pseudo-instructions; anything else
// is an illegal instruction. The PC is advanced before the op runs so
// syscall handlers can rewind it, exactly like a real ecall.
type scriptedInterp struct {
	ops map[uint64]func(c *cpu.Core)
}

func (s *scriptedInterp) Step(c *cpu.Core) error {
	op, ok := s.ops[c.PC()]
	if !ok {
		return &models.MachineException{
			Msg:  "illegal instruction",
			Addr: 0,
			Kind: models.ExcIllegalInstruction,
		}
	}
	c.IncrementPC(4)
	op(c)
	return nil
}

func ecall(nr uint64, args ...uint64) func(c *cpu.Core) {
	return func(c *cpu.Core) {
		for i, a := range args {
			c.SetReg(10+i, a)
		}
		c.SetReg(17, nr)
		c.Ecall()
	}
}

func TestStaticHello(t *testing.T) {
	interp := &scriptedInterp{ops: map[uint64]func(c *cpu.Core){}}
	core := cpu.NewCore(24, interp)
	var out []byte
	core.SetPrinter(func(p []byte) { out = append(out, p...) })

	e, err := New(core, Options{Binary: buildStaticElf(), Entry: "/hello", Args: []string{"hello"}})
	if err != nil {
		t.Fatal(err)
	}

	const msg = 0x30000
	core.Memcpy(msg, []byte("hi\n"))
	interp.ops[testEntry] = ecall(64, 1, msg, 3)      // write(1, "hi\n", 3)
	interp.ops[testEntry+4] = ecall(94, 7)            // exit_group(7)

	code, err := e.Run()
	if err != nil {
		t.Fatal(err)
	}
	if code != 7 {
		t.Fatalf("exit code: %d", code)
	}
	if string(out) != "hi\n" {
		t.Fatalf("stdout: %q", out)
	}
	if insns, _ := core.Counters(); insns == 0 {
		t.Fatal("instruction counter did not advance")
	}
}

func TestStdinYieldResume(t *testing.T) {
	interp := &scriptedInterp{ops: map[uint64]func(c *cpu.Core){}}
	core := cpu.NewCore(24, interp)
	e, err := New(core, Options{Binary: buildStaticElf(), Entry: "/cat", Args: []string{"cat"}})
	if err != nil {
		t.Fatal(err)
	}

	const buf = 0x30000
	var readLen uint64
	interp.ops[testEntry] = ecall(63, 0, buf, 16) // read(0, buf, 16)
	interp.ops[testEntry+4] = func(c *cpu.Core) {
		readLen = c.Reg(10)
		ecall(94, 0)(c)
	}

	if _, err := e.Run(); err != ErrStdinWait {
		t.Fatalf("want ErrStdinWait, got %v", err)
	}
	e.Kernel.Stdin.Push([]byte("hello\n"))
	code, err := e.Resume()
	if err != nil {
		t.Fatal(err)
	}
	if code != 0 {
		t.Fatalf("exit code: %d", code)
	}
	if readLen != 6 {
		t.Fatalf("read returned %d", readLen)
	}
	got := make([]byte, 6)
	core.MemcpyOut(got, buf)
	if string(got) != "hello\n" {
		t.Fatalf("buffer: %q", got)
	}
}

func TestRunLoopFaultRetry(t *testing.T) {
	interp := &scriptedInterp{ops: map[uint64]func(c *cpu.Core){}}
	core := cpu.NewCore(24, interp)
	e, err := New(core, Options{Binary: buildStaticElf(), Entry: "/x", Args: []string{"x"}})
	if err != nil {
		t.Fatal(err)
	}

	const target = 0x50000
	core.SetPageAttr(target, 0x1000, models.PageAttr{Read: true})
	faultOnce := &faultingInterp{inner: interp, target: target}
	core.SetInterpreter(faultOnce)

	interp.ops[testEntry] = func(c *cpu.Core) {
		if err := c.Memcpy(target, []byte{1}); err != nil {
			// Surfaced via the interpreter wrapper.
			return
		}
	}
	interp.ops[testEntry+4] = ecall(94, 3)

	code, err := e.Run()
	if err != nil {
		t.Fatal(err)
	}
	if code != 3 {
		t.Fatalf("exit code: %d", code)
	}
	v, _ := core.ReadU8(target)
	if v != 1 {
		t.Fatal("write never landed after promotion")
	}
}

// faultingInterp turns a guest store to a protected page into a
// machine exception, like a real CPU would.
type faultingInterp struct {
	inner  *scriptedInterp
	target uint64
}

func (f *faultingInterp) Step(c *cpu.Core) error {
	pc := c.PC()
	if pc == testEntry {
		if err := c.Memcpy(f.target, []byte{1}); err != nil {
			return err.(*models.MachineException)
		}
		c.IncrementPC(4)
		return nil
	}
	return f.inner.Step(c)
}

func TestVirtualFilesPresent(t *testing.T) {
	interp := &scriptedInterp{ops: map[uint64]func(c *cpu.Core){}}
	core := cpu.NewCore(24, interp)
	e, err := New(core, Options{Binary: buildStaticElf(), Entry: "/bin/app", Args: []string{"app"}})
	if err != nil {
		t.Fatal(err)
	}
	fs := e.Kernel.Fs
	passwd := fs.Resolve("/etc/passwd")
	if passwd == nil || string(passwd.Content) != "root:x:0:0:root:/root:/bin/sh\n" {
		t.Fatal("/etc/passwd wrong")
	}
	tz := fs.Resolve("/etc/localtime")
	if tz == nil || !bytes.HasPrefix(tz.Content, []byte("TZif2")) {
		t.Fatal("/etc/localtime is not TZif2")
	}
	if !bytes.HasSuffix(tz.Content, []byte("\nUTC0\n")) {
		t.Fatal("TZif footer missing")
	}
	cpuinfo := fs.Resolve("/proc/cpuinfo")
	if cpuinfo == nil || !bytes.Contains(cpuinfo.Content, []byte("rv64imafdc_zicsr_zifencei")) {
		t.Fatal("cpuinfo does not advertise the ISA")
	}
	exe := fs.Lresolve("/proc/self/exe")
	if exe == nil || exe.LinkTarget != "/bin/app" {
		t.Fatal("/proc/self/exe not bound to the entry path")
	}
	if fs.Resolve("/tmp/node-compile-cache") == nil {
		t.Fatal("node compile cache dir missing")
	}
}

func TestRootfsEntrySymlink(t *testing.T) {
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	bin := buildStaticElf()
	tw.WriteHeader(&tar.Header{Name: "bin/hello", Mode: 0755, Size: int64(len(bin))})
	tw.Write(bin)
	tw.WriteHeader(&tar.Header{Name: "bin/h", Typeflag: tar.TypeSymlink, Linkname: "hello", Mode: 0777})
	tw.Close()

	interp := &scriptedInterp{ops: map[uint64]func(c *cpu.Core){}}
	core := cpu.NewCore(24, interp)
	e, err := New(core, Options{Rootfs: tarBuf.Bytes(), Entry: "/bin/h", Args: []string{"h"}})
	if err != nil {
		t.Fatal(err)
	}
	interp.ops[testEntry] = ecall(94, 0)
	if code, err := e.Run(); err != nil || code != 0 {
		t.Fatalf("run: %d %v", code, err)
	}

	var out bytes.Buffer
	if err := e.ExportTar(&out); err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(out.Bytes(), []byte("bin/hello")) {
		t.Fatal("exported tar missing the rootfs binary")
	}
}

func TestMergeEnv(t *testing.T) {
	env := MergeEnv([]string{"HOME=/override", "EXTRA=1"})
	var home, extra, path string
	for _, kv := range env {
		switch {
		case len(kv) > 5 && kv[:5] == "HOME=":
			home = kv
		case len(kv) > 6 && kv[:6] == "EXTRA=":
			extra = kv
		case len(kv) > 5 && kv[:5] == "PATH=":
			path = kv
		}
	}
	if home != "HOME=/override" {
		t.Fatalf("override lost: %q", home)
	}
	if extra != "EXTRA=1" {
		t.Fatal("extra variable lost")
	}
	if path == "" {
		t.Fatal("default PATH missing")
	}
}
