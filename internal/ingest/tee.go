package ingest

import (
	"context"
	"io"

	"github.com/banshee-data/roverlog/internal/monitoring"
)

// Tee forwards bursts from in and copies their bytes to w, so that a live
// session leaves a raw capture the replay path can read back. The returned
// channel closes when in closes or ctx ends. A write error stops the copy
// but not the forwarding.
func Tee(ctx context.Context, name string, in <-chan Burst, w io.Writer) <-chan Burst {
	out := make(chan Burst, cap(in))
	go func() {
		defer close(out)
		for {
			var (
				b  Burst
				ok bool
			)
			select {
			case <-ctx.Done():
				return
			case b, ok = <-in:
				if !ok {
					return
				}
			}
			if w != nil && len(b.Data) > 0 {
				if _, err := w.Write(b.Data); err != nil {
					monitoring.Opsf("%s: raw capture stopped: %v", name, err)
					w = nil
				}
			}
			select {
			case out <- b:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
