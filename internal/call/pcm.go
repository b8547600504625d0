package call

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrReconnectFailed is delivered to CallWorker's terminal-error callback
// when reconnectWithBackoff exhausts its attempt/time budget.
var ErrReconnectFailed = errors.New("call: reconnect failed")

func putFloat32(buf []byte, v float32) {
	binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
}

func getFloat32(buf []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(buf))
}
