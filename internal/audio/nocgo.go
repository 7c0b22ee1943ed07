package audio

import "errors"

var errNoCgo = errors.New("audio capture requires a cgo build with PortAudio")
