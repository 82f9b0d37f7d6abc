package common

import (
	"fmt"
	"reflect"
)

type Syscall struct {
	Name     string
	Kernel   *KernelBase
	Instance reflect.Value
	Method   reflect.Method
	In       []reflect.Type
	Out      []reflect.Type
}

// Call a syscall from the dispatch table. Will panic() if anything
// goes terribly wrong. The bool reports whether the handler produced a
// return value; handlers that switch contexts or stop the machine
// (clone, futex, execve, exit) manage a0 themselves and return
// nothing.
func (sys Syscall) Call(args []uint64) (uint64, bool) {
	in := make([]reflect.Value, len(sys.In)+1)
	in[0] = sys.Instance
	// convert syscall arguments
	converted, err := sys.Kernel.Argjoy.Convert(sys.In, false, args)
	if err != nil {
		msg := fmt.Sprintf("calling %T.%s(): %s", sys.Instance.Interface(), sys.Method.Name, err)
		panic(msg)
	}
	copy(in[1:], converted)
	// call handler function
	out := sys.Method.Func.Call(in)
	// return output if first return of function is representable as an int type
	Uint64Type := reflect.TypeOf(uint64(0))
	if len(out) > 0 && out[0].Type().ConvertibleTo(Uint64Type) {
		return out[0].Convert(Uint64Type).Uint(), true
	}
	return 0, false
}
