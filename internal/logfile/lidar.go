package logfile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// ErrFileTooLarge is returned for lidar logs beyond 32-bit chunk addressing.
var ErrFileTooLarge = errors.New("file too large")

// ChunkRound is the chunk type holding one lidar round.
var ChunkRound = [4]byte{'L', 'R', 'N', 'D'}

const (
	chunkHeaderSize = 8
	roundHeaderSize = 16
	pointSize       = 12
)

// LidarPoint is one raw lidar return. Points are passed through unfiltered.
type LidarPoint struct {
	Angle    float32 // degrees
	Distance float32 // millimetres
	Quality  float32
}

// LidarRound is one revolution of the lidar, timestamped on the host clock.
type LidarRound struct {
	Start  int64
	End    int64
	Points []LidarPoint
}

// ReadLidar reads every round chunk from r, keyed by round end time. Unknown
// chunk types are skipped; malformed or duplicate rounds are skipped with a
// warning; a truncated final chunk ends the read with a warning.
func ReadLidar(r io.Reader, source string) (*Timeline[*LidarRound], []Warning, error) {
	br := bufio.NewReader(r)
	tl := NewTimeline[*LidarRound]()
	var warnings []Warning
	warn := func(chunk int, msg string) {
		warnings = append(warnings, Warning{Source: source, Line: chunk, Msg: msg})
	}

	var hdr [chunkHeaderSize]byte
	for chunk := 1; ; chunk++ {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if err == io.EOF {
				return tl, warnings, nil
			}
			if err == io.ErrUnexpectedEOF {
				warn(chunk, "truncated chunk header")
				return tl, warnings, nil
			}
			return nil, nil, fmt.Errorf("failed to read %s: %w", source, err)
		}
		size := binary.LittleEndian.Uint32(hdr[4:])
		if [4]byte(hdr[:4]) != ChunkRound {
			if _, err := br.Discard(int(size)); err != nil {
				warn(chunk, fmt.Sprintf("truncated %q chunk", hdr[:4]))
				return tl, warnings, nil
			}
			continue
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(br, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				warn(chunk, "truncated round chunk")
				return tl, warnings, nil
			}
			return nil, nil, fmt.Errorf("failed to read %s: %w", source, err)
		}
		round, err := decodeRound(payload)
		if err != nil {
			warn(chunk, err.Error())
			continue
		}
		if err := tl.Insert(round.End, round); err != nil {
			warn(chunk, err.Error())
		}
	}
}

func decodeRound(p []byte) (*LidarRound, error) {
	if len(p) < roundHeaderSize || (len(p)-roundHeaderSize)%pointSize != 0 {
		return nil, fmt.Errorf("round payload of %d bytes", len(p))
	}
	r := &LidarRound{
		Start: int64(binary.LittleEndian.Uint64(p[0:])),
		End:   int64(binary.LittleEndian.Uint64(p[8:])),
	}
	if r.End < r.Start {
		return nil, fmt.Errorf("round ends at %d before it starts at %d", r.End, r.Start)
	}
	n := (len(p) - roundHeaderSize) / pointSize
	r.Points = make([]LidarPoint, n)
	for i := range r.Points {
		o := roundHeaderSize + i*pointSize
		r.Points[i] = LidarPoint{
			Angle:    math.Float32frombits(binary.LittleEndian.Uint32(p[o:])),
			Distance: math.Float32frombits(binary.LittleEndian.Uint32(p[o+4:])),
			Quality:  math.Float32frombits(binary.LittleEndian.Uint32(p[o+8:])),
		}
	}
	return r, nil
}

// LoadLidar opens and reads a lidar log.
func LoadLidar(path string) (*Timeline[*LidarRound], []Warning, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to stat lidar log: %w", err)
	}
	if info.Size() > math.MaxUint32 {
		return nil, nil, fmt.Errorf("%s is %d bytes: %w", path, info.Size(), ErrFileTooLarge)
	}
	var (
		tl *Timeline[*LidarRound]
		w  []Warning
	)
	err = withFile(path, func(f *os.File) (err error) {
		tl, w, err = ReadLidar(f, path)
		return err
	})
	return tl, w, err
}

// LidarWriter writes rounds in the chunk format ReadLidar accepts.
type LidarWriter struct {
	w       *bufio.Writer
	c       io.Closer
	written int64
}

// NewLidarWriter wraps w.
func NewLidarWriter(w io.Writer) *LidarWriter {
	lw := &LidarWriter{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		lw.c = c
	}
	return lw
}

// WriteRound appends one round chunk.
func (lw *LidarWriter) WriteRound(r *LidarRound) error {
	size := roundHeaderSize + len(r.Points)*pointSize
	if lw.written+int64(chunkHeaderSize+size) > math.MaxUint32 {
		return ErrFileTooLarge
	}
	buf := make([]byte, chunkHeaderSize+size)
	copy(buf, ChunkRound[:])
	binary.LittleEndian.PutUint32(buf[4:], uint32(size))
	p := buf[chunkHeaderSize:]
	binary.LittleEndian.PutUint64(p[0:], uint64(r.Start))
	binary.LittleEndian.PutUint64(p[8:], uint64(r.End))
	for i, pt := range r.Points {
		o := roundHeaderSize + i*pointSize
		binary.LittleEndian.PutUint32(p[o:], math.Float32bits(pt.Angle))
		binary.LittleEndian.PutUint32(p[o+4:], math.Float32bits(pt.Distance))
		binary.LittleEndian.PutUint32(p[o+8:], math.Float32bits(pt.Quality))
	}
	if _, err := lw.w.Write(buf); err != nil {
		return fmt.Errorf("failed to write round: %w", err)
	}
	lw.written += int64(len(buf))
	return nil
}

// Flush writes buffered rounds to the underlying writer.
func (lw *LidarWriter) Flush() error { return lw.w.Flush() }

// Close flushes and closes the underlying file, if any.
func (lw *LidarWriter) Close() error {
	if err := lw.w.Flush(); err != nil {
		return err
	}
	if lw.c != nil {
		return lw.c.Close()
	}
	return nil
}
