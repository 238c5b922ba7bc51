package logfile

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/roverlog/internal/demux"
	"github.com/banshee-data/roverlog/internal/sample"
	"github.com/banshee-data/roverlog/internal/timesync"
)

func TestTimeline(t *testing.T) {
	tl := NewTimeline[string]()
	require.NoError(t, tl.Insert(20, "b"))
	require.NoError(t, tl.Insert(10, "a"))
	require.NoError(t, tl.Insert(30, "c"))
	assert.ErrorIs(t, tl.Insert(20, "dup"), ErrDuplicateKey)
	assert.Equal(t, 3, tl.Len())

	v, ok := tl.At(20)
	require.True(t, ok)
	assert.Equal(t, "b", v)
	_, ok = tl.At(25)
	assert.False(t, ok)

	next, ok := tl.NextAfter(10)
	require.True(t, ok)
	assert.Equal(t, int64(20), next)
	next, ok = tl.NextAfter(5)
	require.True(t, ok)
	assert.Equal(t, int64(10), next)
	_, ok = tl.NextAfter(30)
	assert.False(t, ok)

	got := tl.Range(15, 30)
	want := []Entry[string]{{20, "b"}, {30, "c"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Range mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, tl.Range(31, 40))

	first, _ := tl.First()
	last, _ := tl.Last()
	assert.Equal(t, int64(10), first)
	assert.Equal(t, int64(30), last)
}

func TestReadTags(t *testing.T) {
	in := "UPTIME\ttag\n" +
		"1000\tpole 1\n" +
		"1500\t\n" +
		"x\tpole 2\n" +
		"\n" +
		"2000\tpole 3\n" +
		"1000\tpole 1 again\n" +
		"2500\ttoo\tmany\n"
	tl, warnings, err := ReadTags(strings.NewReader(in), "tags.tsv")
	require.NoError(t, err)

	want := []Entry[Tag]{
		{1000, Tag{Uptime: 1000, Name: "pole 1"}},
		{2000, Tag{Uptime: 2000, Name: "pole 3"}},
	}
	if diff := cmp.Diff(want, tl.Entries()); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}

	var lines []int
	for _, w := range warnings {
		assert.Equal(t, "tags.tsv", w.Source)
		lines = append(lines, w.Line)
	}
	assert.Equal(t, []int{3, 4, 7, 8}, lines)
	assert.Contains(t, warnings[0].Msg, "empty tag name")
}

func TestReadRejectsHeader(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"wrong column", "Uptime\tName\n1\ta\n"},
		{"extra column", "Uptime\tTag\tNote\n"},
		{"no header", "1000\tpole\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ReadTags(strings.NewReader(tt.in), "tags.tsv")
			assert.ErrorIs(t, err, ErrBadHeader)
		})
	}

	_, _, err := ReadSync(strings.NewReader("Uptime\tTag\n"), "sync.tsv")
	assert.ErrorIs(t, err, ErrBadHeader)
}

func TestReadDistances(t *testing.T) {
	in := "Uptime\tDistance\n" +
		"100\t12.5\n" +
		"200\t-1\n" +
		"300\t250\n" +
		"400\tfar\n" +
		"500\t99.9\n"
	tl, warnings, err := ReadDistances(strings.NewReader(in), "dist.tsv", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, tl.Len())
	d, ok := tl.At(500)
	require.True(t, ok)
	assert.Equal(t, 99.9, d.Metres)
	assert.Len(t, warnings, 3)

	tl, _, err = ReadDistances(strings.NewReader(in), "dist.tsv", 300)
	require.NoError(t, err)
	assert.Equal(t, 3, tl.Len())
}

func TestSyncRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, SyncHeader)
	require.NoError(t, err)
	recs := []timesync.Record{
		{Uptime: 1000, ITOW: 387000000},
		{Uptime: 1125, ITOW: 387000125},
	}
	for _, r := range recs {
		require.NoError(t, w.WriteSync(r))
	}
	require.NoError(t, w.Close())
	assert.Equal(t, "Uptime\tiTOW\n1000\t387000000\n1125\t387000125\n", buf.String())

	got, warnings, err := ReadSync(&buf, "sync_A.tsv")
	require.NoError(t, err)
	assert.Empty(t, warnings)
	want := []timesync.Record{
		{Uptime: 1000, ITOW: 387000000, Source: "sync_A.tsv:2"},
		{Uptime: 1125, ITOW: 387000125, Source: "sync_A.tsv:3"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("sync mismatch (-want +got):\n%s", diff)
	}
}

func TestTagAndDistanceFiles(t *testing.T) {
	dir := t.TempDir()

	tagPath := filepath.Join(dir, "tags.tsv")
	w, err := CreateWriter(tagPath, TagHeader)
	require.NoError(t, err)
	require.NoError(t, w.WriteTag(Tag{Uptime: 42, Name: "corner"}))
	require.NoError(t, w.Close())

	tags, warnings, err := LoadTags(tagPath)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	tag, ok := tags.At(42)
	require.True(t, ok)
	assert.Equal(t, "corner", tag.Name)

	distPath := filepath.Join(dir, "dist.tsv")
	w, err = CreateWriter(distPath, DistanceHeader)
	require.NoError(t, err)
	require.NoError(t, w.WriteDistance(Distance{Uptime: 43, Metres: 3.25}))
	require.NoError(t, w.Close())

	dists, _, err := LoadDistances(distPath, 0)
	require.NoError(t, err)
	d, ok := dists.At(43)
	require.True(t, ok)
	assert.Equal(t, 3.25, d.Metres)

	_, _, err = LoadTags(filepath.Join(dir, "missing.tsv"))
	assert.Error(t, err)
}

func TestLidarRoundTrip(t *testing.T) {
	rounds := []*LidarRound{
		{Start: 1000, End: 1100, Points: []LidarPoint{{0, 1500, 15}, {0.5, 1502.25, 14}}},
		{Start: 1100, End: 1200},
	}
	var buf bytes.Buffer
	lw := NewLidarWriter(&buf)
	for _, r := range rounds {
		require.NoError(t, lw.WriteRound(r))
	}
	require.NoError(t, lw.Close())

	tl, warnings, err := ReadLidar(bytes.NewReader(buf.Bytes()), "lidar.bin")
	require.NoError(t, err)
	assert.Empty(t, warnings)
	require.Equal(t, 2, tl.Len())
	got, ok := tl.At(1100)
	require.True(t, ok)
	if diff := cmp.Diff(rounds[0], got); diff != "" {
		t.Errorf("round mismatch (-want +got):\n%s", diff)
	}
	_, ok = tl.At(1200)
	assert.True(t, ok)
}

func TestReadLidarSkipsUnknownAndTruncated(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{'N', 'O', 'T', 'E', 3, 0, 0, 0, 'a', 'b', 'c'})
	lw := NewLidarWriter(&buf)
	require.NoError(t, lw.WriteRound(&LidarRound{Start: 1, End: 2}))
	require.NoError(t, lw.WriteRound(&LidarRound{Start: 3, End: 2}))
	require.NoError(t, lw.WriteRound(&LidarRound{Start: 5, End: 6, Points: make([]LidarPoint, 4)}))
	require.NoError(t, lw.Flush())
	data := buf.Bytes()[:buf.Len()-5]

	tl, warnings, err := ReadLidar(bytes.NewReader(data), "lidar.bin")
	require.NoError(t, err)
	assert.Equal(t, 1, tl.Len())
	require.Len(t, warnings, 2)
	assert.Equal(t, 3, warnings[0].Line)
	assert.Contains(t, warnings[0].Msg, "before it starts")
	assert.Contains(t, warnings[1].Msg, "truncated")
}

func TestLoadLidar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lidar.bin")
	f, err := os.Create(path)
	require.NoError(t, err)
	lw := NewLidarWriter(f)
	require.NoError(t, lw.WriteRound(&LidarRound{Start: 10, End: 20}))
	require.NoError(t, lw.Close())

	tl, _, err := LoadLidar(path)
	require.NoError(t, err)
	assert.Equal(t, 1, tl.Len())
}

func TestReadRoverLog(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(demux.EncodeNMEA("GNGGA,,,,,,0,00,99.99,,,,,,"))
	for _, itow := range []int64{1000, 1125, 1250, 1125} {
		p := sample.Position{ITOW: itow, Rel: [3]float64{float64(itow) / 1000, 0, 0}, Valid: true}
		buf.Write(demux.EncodeUBX(sample.ClassNAV, sample.IDRelPosNED, sample.EncodeRelPosNED(p)))
	}
	buf.Write(demux.EncodeUBX(sample.ClassNAV, sample.IDRelPosNED, []byte{1, 2, 3}))
	buf.Write([]byte{0x01, 0x02})

	track, st, err := ReadRoverLog(&buf, demux.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 3, track.Len())
	assert.Equal(t, 4, st.Samples)
	assert.Equal(t, 1, st.Duplicates)
	assert.Equal(t, 1, st.Undecoded)
	assert.Equal(t, 6, st.Demux.Frames)
	assert.Equal(t, 2, st.Demux.UnidentifiedBytes)

	p, err := track.At(1187.5)
	require.NoError(t, err)
	assert.InDelta(t, 1.1875, p.Rel[sample.North], 1e-9)
}
