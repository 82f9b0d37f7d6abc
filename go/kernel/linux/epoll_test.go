package linux

import (
	"testing"

	"github.com/maceip/friscy/go/vfs"
)

func TestEpollLifecycle(t *testing.T) {
	m, k := testKernel(t)
	m.SetSysargs(0)
	m.Ecall(nrEpollCreate1)
	epfd := uint64(result(m))
	if epfd < epollFdBase {
		t.Fatalf("epoll fd below base: %d", epfd)
	}

	// A fifo with no content: not readable yet.
	node := &vfs.Node{Kind: vfs.Fifo, Mode: 0600}
	rfd := k.Fs.OpenPipe(node, 0)

	const ev = 0x7000
	m.WriteU32(ev, EPOLLIN)
	m.WriteU64(ev+8, 0xdeadcafe) // caller cookie
	m.SetSysargs(epfd, EPOLL_CTL_ADD, uint64(rfd), ev)
	m.Ecall(nrEpollCtl)
	if result(m) != 0 {
		t.Fatal("epoll_ctl add failed")
	}

	const out = 0x8000
	m.SetSysargs(epfd, out, 8, 0, 0)
	m.Ecall(nrEpollPwait)
	if result(m) != 0 {
		t.Fatalf("empty fifo reported ready: %d", result(m))
	}

	node.Content = append(node.Content, 'x')
	m.SetSysargs(epfd, out, 8, 0, 0)
	m.Ecall(nrEpollPwait)
	if result(m) != 1 {
		t.Fatalf("fifo with data not ready: %d", result(m))
	}
	events, _ := m.ReadU32(out)
	cookie, _ := m.ReadU64(out + 8)
	if events&EPOLLIN == 0 || cookie != 0xdeadcafe {
		t.Fatalf("event 0x%x cookie 0x%x", events, cookie)
	}

	m.SetSysargs(epfd, EPOLL_CTL_DEL, uint64(rfd), 0)
	m.Ecall(nrEpollCtl)
	m.SetSysargs(epfd, out, 8, 0, 0)
	m.Ecall(nrEpollPwait)
	if result(m) != 0 {
		t.Fatal("deleted interest still reported")
	}
}

func TestEpollYieldOnTimeout(t *testing.T) {
	m, k := testKernel(t)
	m.Jump(0x5004)
	m.SetSysargs(0)
	m.Ecall(nrEpollCreate1)
	epfd := uint64(result(m))

	const ev = 0x7000
	m.WriteU32(ev, EPOLLIN)
	m.SetSysargs(epfd, EPOLL_CTL_ADD, 0, ev) // stdin interest
	m.Ecall(nrEpollCtl)

	// Nothing ready, timeout -1: yields via the stdin mechanism.
	var noTimeout uint64
	noTimeout--
	m.SetSysargs(epfd, 0x8000, 8, noTimeout, 0)
	m.Ecall(nrEpollPwait)
	if !k.WaitingForStdin || !m.Stopped() {
		t.Fatal("epoll_pwait with timeout did not yield")
	}
}

func TestEpollStdoutWritable(t *testing.T) {
	m, _ := testKernel(t)
	m.SetSysargs(0)
	m.Ecall(nrEpollCreate1)
	epfd := uint64(result(m))

	const ev = 0x7000
	m.WriteU32(ev, EPOLLOUT)
	m.SetSysargs(epfd, EPOLL_CTL_ADD, 1, ev)
	m.Ecall(nrEpollCtl)
	m.SetSysargs(epfd, 0x8000, 8, 0, 0)
	m.Ecall(nrEpollPwait)
	if result(m) != 1 {
		t.Fatal("stdout not writable")
	}
}
