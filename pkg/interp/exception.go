package interp

import (
	"context"
	"errors"
	"fmt"

	"github.com/daimatz/classlink/pkg/heap"
	"github.com/daimatz/classlink/pkg/klass"
	"github.com/daimatz/classlink/pkg/vmerr"
)

// JavaException represents a guest exception being thrown. Err is set when
// the exception was raised by the runtime rather than by athrow.
type JavaException struct {
	Object *heap.Object
	Err    error
}

func (e *JavaException) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("JavaException: %s: %v", e.Object.Class().Name(), e.Err)
	}
	return fmt.Sprintf("JavaException: %s", e.Object.Class().Name())
}

func (e *JavaException) Unwrap() error { return e.Err }

// Class returns the class of the thrown object.
func (e *JavaException) Class() *klass.Class { return e.Object.Class() }

// throw allocates an exception of the named boot class. If the class is not
// available the returned error is cause itself, or a plain error naming the
// class.
func (e *Engine) throw(ctx context.Context, className string, cause error) error {
	cls, err := e.hub.LoadClass(ctx, className, e.hub.Boot())
	if err != nil {
		if cause != nil {
			return cause
		}
		return fmt.Errorf("%s (class unavailable: %v)", className, err)
	}
	obj, err := e.heap.Allocate(cls)
	if err != nil {
		return err
	}
	return &JavaException{Object: obj, Err: cause}
}

// guest converts a runtime error into a catchable guest exception where the
// boot world defines its class.
func (e *Engine) guest(ctx context.Context, err error) (*JavaException, error) {
	var je *JavaException
	if errors.As(err, &je) {
		return je, err
	}
	var ve *vmerr.Error
	if !errors.As(err, &ve) {
		return nil, err
	}
	thrown := e.throw(ctx, ve.Kind.Exception(), err)
	if errors.As(thrown, &je) {
		return je, thrown
	}
	return nil, err
}

// findHandler returns the handler PC covering pc that catches exc, or -1.
func (e *Engine) findHandler(ctx context.Context, frame *Frame, pc int, exc *JavaException) int {
	if frame.Method == nil || frame.Method.Code() == nil {
		return -1
	}
	for _, h := range frame.Method.Code().ExceptionHandlers {
		if pc < int(h.StartPC) || pc >= int(h.EndPC) {
			continue
		}
		if h.CatchType == 0 {
			return int(h.HandlerPC)
		}
		catch, err := e.classRef(ctx, frame, h.CatchType)
		if err != nil {
			log.Warningf("%s: resolving catch type: %v", frame.Method, err)
			continue
		}
		if exc.Class().IsAssignableTo(catch) {
			return int(h.HandlerPC)
		}
	}
	return -1
}
