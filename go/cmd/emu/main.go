// emu runs unmodified riscv64 Linux ELF binaries — standalone or from
// a container rootfs tar — against the in-process guest personality.
//
// Usage:
//
//	emu BINARY [ARGS...]
//	emu --rootfs TAR ENTRY [ARGS...]
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/maceip/friscy/go/emu"
	"github.com/maceip/friscy/go/models"
	"github.com/maceip/friscy/go/models/cpu"
)

// arenaBits fixes the guest address space at 2 GiB.
const arenaBits = 31

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "[emu] Error: "+format+"\n", args...)
	os.Exit(1)
}

// loadFileWithProgress reads path, showing a byte progressbar on a
// terminal (rootfs tars run to hundreds of megabytes).
func loadFileWithProgress(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	var r io.Reader = f
	if isatty.IsTerminal(os.Stderr.Fd()) {
		bar := progressbar.DefaultBytes(st.Size(), "loading "+path)
		r = io.TeeReader(f, bar)
	}
	return io.ReadAll(r)
}

// stdinFeeder pumps host stdin into the guest queue and wakes the run
// loop when bytes (or EOF) arrive.
type stdinFeeder struct {
	queue  *models.StdinQueue
	notify chan struct{}
}

func newStdinFeeder(queue *models.StdinQueue) *stdinFeeder {
	sf := &stdinFeeder{queue: queue, notify: make(chan struct{}, 1)}
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				sf.queue.Push(buf[:n])
			}
			if err != nil {
				sf.queue.SetEOF()
				sf.wake()
				return
			}
			sf.wake()
		}
	}()
	return sf
}

func (sf *stdinFeeder) wake() {
	select {
	case sf.notify <- struct{}{}:
	default:
	}
}

// wait blocks until data or EOF is available.
func (sf *stdinFeeder) wait() bool {
	for {
		if sf.queue.HasData() {
			return true
		}
		if sf.queue.EOF() {
			return false
		}
		select {
		case <-sf.notify:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func main() {
	rootfs := flag.String("rootfs", "", "populate the VFS from a tar archive and run ENTRY from it")
	exportTar := flag.String("export-tar", "", "on clean exit, serialize the VFS back to a tar file")
	verbose := flag.Bool("v", false, "verbose output")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n  %s BINARY [ARGS...]\n  %s --rootfs TAR ENTRY [ARGS...]\n", os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})))

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(1)
	}

	opts := emu.Options{}
	if *rootfs != "" {
		tarData, err := loadFileWithProgress(*rootfs)
		if err != nil {
			fatalf("could not open rootfs: %v", err)
		}
		opts.Rootfs = tarData
		opts.Entry = args[0]
		opts.Args = args
	} else {
		bin, err := os.ReadFile(args[0])
		if err != nil {
			fatalf("could not open binary: %v", err)
		}
		opts.Binary = bin
		opts.Entry = args[0]
		opts.Args = args
	}

	if cpu.DefaultInterpreter == nil {
		fatalf("no CPU interpreter backend linked into this build")
	}
	core := cpu.NewCore(arenaBits, cpu.DefaultInterpreter)
	core.SetPrinter(func(p []byte) {
		os.Stdout.Write(p)
	})

	// Interactive terminals run raw; the guest's termios decides what
	// to do with the bytes.
	stdinFd := int(os.Stdin.Fd())
	if isatty.IsTerminal(os.Stdin.Fd()) {
		if state, err := term.MakeRaw(stdinFd); err == nil {
			defer term.Restore(stdinFd, state)
		}
	}

	e, err := emu.New(core, opts)
	if err != nil {
		fatalf("%v", err)
	}

	feeder := newStdinFeeder(e.Kernel.Stdin)
	e.Kernel.Term.Write = core.Print
	if cols, rows, err := term.GetSize(stdinFd); err == nil {
		e.Kernel.Term.Rows = uint16(rows)
		e.Kernel.Term.Cols = uint16(cols)
	}

	exitCode, runErr := run(e, feeder)
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "[emu] Error: %v\n", runErr)
		os.Exit(1)
	}
	slog.Debug("execution complete", "counters", e.Counters(), "exit", exitCode)

	if *exportTar != "" {
		out, err := os.Create(*exportTar)
		if err != nil {
			fatalf("could not create export tar: %v", err)
		}
		if err := e.ExportTar(out); err != nil {
			fatalf("tar export failed: %v", err)
		}
		out.Close()
	}
	os.Exit(exitCode)
}

func run(e *emu.Emu, feeder *stdinFeeder) (int, error) {
	for {
		code, err := e.Run()
		if err == emu.ErrStdinWait {
			feeder.wait()
			continue
		}
		return code, err
	}
}
