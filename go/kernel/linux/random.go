package linux

import (
	"os"
	"syscall"

	co "github.com/maceip/friscy/go/kernel/common"
)

// fillRandom fills p from the host's /dev/urandom when available
// (OpenSSL in the guest checks randomness quality) and falls back to
// the seeded PRNG.
func (k *LinuxKernel) fillRandom(p []byte) {
	if f, err := os.Open("/dev/urandom"); err == nil {
		n, _ := f.Read(p)
		f.Close()
		p = p[n:]
	}
	for i := range p {
		p[i] = byte(k.Rng.Intn(256))
	}
}

func (k *LinuxKernel) Getrandom(buf co.Obuf, count co.Len, flags uint32) uint64 {
	tmp := make([]byte, count)
	k.fillRandom(tmp)
	if err := k.M.Mem().Memcpy(buf.Addr, tmp); err != nil {
		return errno(syscall.EFAULT)
	}
	return uint64(count)
}
