package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/haolipeng/conn_matchlist/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.NoError(t, scanner.Err())
	return lines
}

func packets() []*types.Packet {
	return []*types.Packet{
		{
			ID:           "pkt-1",
			Timestamp:    1700000000000000000,
			Conn:         &types.Connection{UID: types.UIDUnknown, DstIP: "8.8.8.8", L7Proto: "DNS", Info: "example.com"},
			MatchedLists: []string{"blocklist"},
		},
		{
			ID:   "pkt-2",
			Conn: &types.Connection{UID: types.UIDUnknown, DstIP: "1.1.1.1", L7Proto: "TLS"},
		},
		{
			ID:        "pkt-3",
			LastError: errors.New("packet has no IP layer"),
		},
	}
}

func consumeAll(t *testing.T, s interface {
	Consume(context.Context, <-chan *types.Packet) error
}, pkts []*types.Packet) {
	t.Helper()
	in := make(chan *types.Packet, len(pkts))
	for _, p := range pkts {
		in <- p
	}
	close(in)
	require.NoError(t, s.Consume(context.Background(), in))
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "output.json")
	s, err := NewFileSink(path, false)
	require.NoError(t, err)

	consumeAll(t, s, packets())
	<-s.Ready()

	lines := readLines(t, path)
	require.Len(t, lines, 3)
	assert.Equal(t, "pkt-1", lines[0]["packet_id"])
	assert.Equal(t, []any{"blocklist"}, lines[0]["matched_lists"])
	assert.Equal(t, "example.com", lines[0]["conn"].(map[string]any)["info"])
	assert.Equal(t, []any{}, lines[1]["matched_lists"])
	assert.Equal(t, "packet has no IP layer", lines[2]["error"])
	assert.NotContains(t, lines[2], "conn")

	assert.Equal(t, uint64(3), s.GetStats().PacketsWritten)
	assert.Greater(t, s.GetStats().BytesWritten, uint64(0))
}

func TestFileSinkMatchedOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "matched.json")
	s, err := NewFileSink(path, true)
	require.NoError(t, err)

	consumeAll(t, s, packets())

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	assert.Equal(t, "pkt-1", lines[0]["packet_id"])
}

func TestNewFileSinkInvalidPath(t *testing.T) {
	_, err := NewFileSink(filepath.Join(t.TempDir(), "missing", "out.json"), false)
	assert.Error(t, err)
}

func TestMemorySink(t *testing.T) {
	s := NewMemorySink()
	consumeAll(t, s, packets())

	results := s.GetResults()
	require.Len(t, results, 3)
	assert.Equal(t, "pkt-2", results[1].ID)
}
