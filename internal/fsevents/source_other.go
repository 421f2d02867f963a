//go:build !linux
// +build !linux

package fsevents

// Open is unsupported off Linux; the file monitor's environment check keeps
// it from ever being started there.
func Open(Options) (Source, error) {
	return nil, ErrUnsupported
}
