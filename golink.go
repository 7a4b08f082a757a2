package main

/*
#include <stdlib.h>

typedef void (*feedfunc) (char *);

static inline void call_feed_func(feedfunc ptr, char *b) {
    (ptr)(b);
}
*/
import "C"
import (
	"sync"
	"unsafe"

	"example.com/libdescwallet/internal/dispatch"
	"example.com/libdescwallet/walletrpc"
)

// boundary owns every wallet instance created through Call. It lives for
// the whole process.
var boundary = dispatch.New(&dispatch.Config{SetLogLevel: setLogLevel})

func callError(s string, a ...any) *C.char {
	return C.CString(walletrpc.ErrorResponse(s, a...))
}

// Call runs one JSON request of the form {"method": ..., "params": ...} and
// returns the JSON response. The caller frees the result with FreeCharPtr.
//
//export Call
func Call(msg *C.char) *C.char {
	if msg == nil {
		return callError("empty request")
	}
	return C.CString(boundary.Call(C.GoString(msg)))
}

// FreeCharPtr frees the memory associated with a *C.char.
//
//export FreeCharPtr
func FreeCharPtr(b *C.char) {
	C.free(unsafe.Pointer(b))
}

var (
	feedMtx  sync.Mutex
	feeders  = map[C.feedfunc]struct{}{}
	feedOnce sync.Once
)

// Feed subscribes a function to receive every log line. Lines are dropped
// while the subscribers fall behind.
//
//export Feed
func Feed(fn C.feedfunc) {
	feedMtx.Lock()
	feeders[fn] = struct{}{}
	feedMtx.Unlock()

	feedOnce.Do(func() {
		startFeed(func(line string) {
			cStr := C.CString(line)
			feedMtx.Lock()
			for feeder := range feeders {
				C.call_feed_func(feeder, cStr)
			}
			feedMtx.Unlock()
			FreeCharPtr(cStr)
		})
	})
}

func main() {}
