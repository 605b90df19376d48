package datastore

import "reflect"

// funcPointer returns the entry point of a func value for identity
// comparison. Two Watcher values obtained from the same closure expression
// compare equal; this is the standard workaround for Go's prohibition on
// comparing func values directly.
func funcPointer(w Watcher) uintptr {
	if w == nil {
		return 0
	}
	return reflect.ValueOf(w).Pointer()
}
