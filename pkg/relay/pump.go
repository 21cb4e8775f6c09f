package relay

import (
	"net"

	"tetherlink/pkg/traffic"
)

// BufferSize is the maximum chunk read by a single pump iteration.
const BufferSize = 64 * 1024

// Direction tags a pump for traffic accounting.
type Direction int

const (
	// Upload counts bytes flowing client → target.
	Upload Direction = iota

	// Download counts bytes flowing target → client.
	Download
)

// Pump streams bytes from src to dst in one direction until EOF or error,
// recording every chunk with the counter under the given direction tag.
// On any termination it closes both ends, so the paired pump of a session
// observes the closure and terminates its own side. The pump never
// interprets payload bytes.
func Pump(src, dst net.Conn, dir Direction, counter *traffic.Counter) {
	defer src.Close()
	defer dst.Close()

	buf := make([]byte, BufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if counter != nil {
				switch dir {
				case Upload:
					counter.RecordUp(n)
				case Download:
					counter.RecordDown(n)
				}
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Splice relays a and b full duplex with two pumps: a→b tagged aToB and
// b→a tagged bToA. It blocks until both directions have terminated.
// Byte order within each direction is preserved; no ordering holds
// between the two directions.
func Splice(a, b net.Conn, aToB, bToA Direction, counter *traffic.Counter) {
	done := make(chan struct{})
	go func() {
		Pump(b, a, bToA, counter)
		close(done)
	}()
	Pump(a, b, aToB, counter)
	<-done
}
